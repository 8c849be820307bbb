package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insurewatch/internal/config"
	"insurewatch/internal/domain"
)

func sampleSnapshot(tenant string, at time.Time) domain.Snapshot {
	return domain.Snapshot{
		ID:                    uuid.NewString(),
		TenantID:              tenant,
		GeneratedAt:           at,
		TotalAssets:           4,
		ByStatus:              domain.StatusCount{Compliant: 2, Warning: 1, Pending: 1},
		BySeverity:            map[int]int{1: 0, 2: 1, 3: 0, 4: 2, 5: 0},
		OverallComplianceRate: 91.67,
		AssetTypeBreakdown:    map[string]int{"Vehicle": 4},
		Trend:                 []domain.TrendPoint{{Date: "2026-03-01", StatusCount: domain.StatusCount{Compliant: 2}}},
		TopIssues:             []domain.TopIssue{{Title: "Compliance Violation: Inspection", Count: 2, Severity: 4}},
	}
}

func TestNewWithoutAddressDisablesCache(t *testing.T) {
	c, err := New(context.Background(), config.Cache{})
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.NoError(t, c.Close())
}

func TestKeyIsPerTenant(t *testing.T) {
	assert.Equal(t, "insurewatch:dashboard:acme", Key("acme"))
	assert.NotEqual(t, Key("a"), Key("b"))
}

func TestSnapshotEncoding(t *testing.T) {
	s := sampleSnapshot("acme", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	data, err := encode(s)
	require.NoError(t, err)
	got, err := decode(data)
	require.NoError(t, err)
	assert.Equal(t, s, got)

	_, err = decode([]byte("{"))
	assert.Error(t, err)
}

// TestRedisRoundTrip runs against a live server when IW_TEST_REDIS_ADDR is set.
func TestRedisRoundTrip(t *testing.T) {
	addr := os.Getenv("IW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("IW_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	c, err := New(ctx, config.Cache{RedisAddr: addr, TTL: time.Minute})
	require.NoError(t, err)
	defer c.Close()

	tenant := "test-" + uuid.NewString()
	t.Cleanup(func() { c.Client.Del(context.Background(), Key(tenant)) })
	_, ok, err := c.Get(ctx, tenant)
	require.NoError(t, err)
	assert.False(t, ok)

	newer := sampleSnapshot(tenant, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC))
	require.NoError(t, c.Put(ctx, newer))
	require.NoError(t, c.Put(ctx, sampleSnapshot(tenant, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))))
	got, ok, err := c.Get(ctx, tenant)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, newer.ID, got.ID)
}

package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insurewatch/internal/domain"
	"insurewatch/internal/engine"
	"insurewatch/internal/repo"
)

func TestCheckAssetInspectionOverdueScenario(t *testing.T) {
	env := newTestEnv(t)
	a := wellDocumented("a1")
	a.LastInspectionDate = daysAgo(400)
	env.seedAsset(t, a)
	env.createRule(t, domain.Rule{Code: "INSPECT", Name: "Annual inspection", Type: domain.RuleTypeInspection, Severity: 3, MaxValue: ptr(365.0)})

	check, err := env.Engine.CheckAsset(env.Ctx, tenant, "a1", engine.SystemActor)
	require.NoError(t, err)
	require.Len(t, check.Findings, 1)
	assert.False(t, check.Findings[0].Compliant)
	assert.Contains(t, check.Findings[0].Message, "overdue")
	assert.Contains(t, []domain.ComplianceStatus{domain.StatusWarning, domain.StatusNonCompliant}, check.Status)
	assert.True(t, check.IsAutomatic)
	assert.Equal(t, base.Add(24*time.Hour), check.NextCheckAt)

	alerts, err := env.Engine.ListOpenAlerts(env.Ctx, tenant, "a1")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.RuleTypeInspection, alerts[0].Type)
	assert.Equal(t, "Compliance Violation: Annual inspection", alerts[0].Title)
	assert.Equal(t, domain.AlertNew, alerts[0].Status)
	assert.True(t, alerts[0].RequiresAction)
	require.NotNil(t, alerts[0].DueDate)
	assert.Equal(t, base.AddDate(0, 0, 7), *alerts[0].DueDate)
	assert.Equal(t, check.ID, alerts[0].CheckID)

	stored, err := env.Engine.LatestCheck(env.Ctx, tenant, "a1")
	require.NoError(t, err)
	assert.Equal(t, check.Findings, stored.Findings)
	assert.Equal(t, check.Score, stored.Score)

	asset, err := env.Engine.Repo.GetAsset(env.Ctx, tenant, "a1")
	require.NoError(t, err)
	assert.Equal(t, check.Status, asset.ComplianceStatus)
	require.NotNil(t, asset.ComplianceScore)
	assert.Equal(t, check.Score, *asset.ComplianceScore)
}

func TestHistoryAppendedOnlyOnChange(t *testing.T) {
	env := newTestEnv(t)
	env.seedAsset(t, wellDocumented("a1"))
	env.createRule(t, domain.Rule{Code: "DOCS", Type: domain.RuleTypeDocumentation})
	env.createRule(t, domain.Rule{Code: "INSPECT", Type: domain.RuleTypeInspection, MaxValue: ptr(60.0)})

	_, err := env.Engine.CheckAsset(env.Ctx, tenant, "a1", "user-7")
	require.NoError(t, err)
	env.Clock.Advance(time.Hour)
	_, err = env.Engine.CheckAsset(env.Ctx, tenant, "a1", "user-7")
	require.NoError(t, err)

	entries, err := env.Engine.AssetHistory(env.Ctx, tenant, "a1", 30)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.StatusPending, entries[0].FromStatus)
	assert.Nil(t, entries[0].FromScore)
	assert.Equal(t, domain.StatusCompliant, entries[0].ToStatus)
	assert.Equal(t, 100, entries[0].ToScore)
	assert.Equal(t, "user-7", entries[0].TriggeredBy)
	assert.Equal(t, "Manual compliance check", entries[0].Reason)

	// Forty days on, the 60-day inspection window has lapsed.
	env.Clock.Advance(40 * 24 * time.Hour)
	_, err = env.Engine.CheckAsset(env.Ctx, tenant, "a1", engine.SystemActor)
	require.NoError(t, err)

	entries, err = env.Engine.AssetHistory(env.Ctx, tenant, "a1", 90)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	newest := entries[0]
	assert.Equal(t, domain.StatusCompliant, newest.FromStatus)
	assert.Equal(t, domain.StatusNonCompliant, newest.ToStatus)
	require.NotNil(t, newest.FromScore)
	assert.Equal(t, 100, *newest.FromScore)
	assert.Equal(t, 50, newest.ToScore)
	assert.Equal(t, "Automatic compliance check", newest.Reason)

	checks, err := env.Engine.CheckHistory(env.Ctx, tenant, "a1", 90)
	require.NoError(t, err)
	assert.Len(t, checks, 3)
}

func TestHistoryIsAppendOnly(t *testing.T) {
	env := newTestEnv(t)
	env.seedAsset(t, wellDocumented("a1"))
	_, err := env.Engine.CheckAsset(env.Ctx, tenant, "a1", engine.SystemActor)
	require.NoError(t, err)

	_, err = env.Engine.DB.ExecContext(env.Ctx, `UPDATE compliance_history SET reason='edited'`)
	assert.Error(t, err)
	_, err = env.Engine.DB.ExecContext(env.Ctx, `DELETE FROM compliance_history`)
	assert.Error(t, err)
}

func TestCheckAssetUnknownAsset(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CheckAsset(env.Ctx, tenant, "ghost", engine.SystemActor)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	env.seedAsset(t, wellDocumented("a1"))
	_, err = env.Engine.CheckAsset(env.Ctx, "tenant-2", "a1", engine.SystemActor)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestConcurrentChecksOfOneAssetAreSerialized(t *testing.T) {
	env := newTestEnv(t)
	env.seedAsset(t, wellDocumented("a1"))
	env.createRule(t, domain.Rule{Code: "PAY", Type: domain.RuleTypePayment})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.CheckAsset(env.Ctx, tenant, "a1", engine.SystemActor)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	entries, err := env.Engine.AssetHistory(env.Ctx, tenant, "a1", 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAssetStatus(t *testing.T) {
	env := newTestEnv(t)
	a := wellDocumented("a1")
	a.VIN = ""
	env.seedAsset(t, a)
	env.createRule(t, domain.Rule{Code: "DOCS", Type: domain.RuleTypeDocumentation})

	st, err := env.Engine.AssetStatus(env.Ctx, tenant, "a1")
	require.NoError(t, err)
	assert.Nil(t, st.LastCheck)
	assert.Empty(t, st.OpenAlerts)

	_, err = env.Engine.CheckAsset(env.Ctx, tenant, "a1", engine.SystemActor)
	require.NoError(t, err)
	st, err = env.Engine.AssetStatus(env.Ctx, tenant, "a1")
	require.NoError(t, err)
	require.NotNil(t, st.LastCheck)
	assert.Equal(t, 0, st.LastCheck.Score)
	assert.Len(t, st.OpenAlerts, 1)
	assert.Equal(t, domain.StatusNonCompliant, st.Asset.ComplianceStatus)
}

func TestDueAssets(t *testing.T) {
	env := newTestEnv(t)
	env.seedAsset(t, wellDocumented("a1"))
	env.seedAsset(t, wellDocumented("a2"))
	_, err := env.Engine.CheckAsset(env.Ctx, tenant, "a1", engine.SystemActor)
	require.NoError(t, err)

	due, err := env.Engine.DueAssets(env.Ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "a2", due[0].ID)

	env.Clock.Advance(25 * time.Hour)
	due, err = env.Engine.DueAssets(env.Ctx)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

// flakySummary fails the first summary write-back and delegates everything else.
type flakySummary struct {
	engine.AssetSource
	failures int
}

func (f *flakySummary) UpdateComplianceSummary(ctx context.Context, tenantID, assetID string, status domain.ComplianceStatus, score int) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("asset service unavailable")
	}
	return f.AssetSource.UpdateComplianceSummary(ctx, tenantID, assetID, status, score)
}

func TestFailedSummaryWriteDoesNotDuplicateHistory(t *testing.T) {
	env := newTestEnv(t)
	a := wellDocumented("a1")
	a.VIN = ""
	env.seedAsset(t, a)
	env.createRule(t, domain.Rule{Code: "DOCS", Type: domain.RuleTypeDocumentation})
	env.Engine.Assets = &flakySummary{AssetSource: env.Engine.Assets, failures: 1}

	_, err := env.Engine.CheckAsset(env.Ctx, tenant, "a1", engine.SystemActor)
	require.Error(t, err)
	stale, err := env.Engine.Repo.GetAsset(env.Ctx, tenant, "a1")
	require.NoError(t, err)
	assert.Nil(t, stale.ComplianceScore)

	env.Clock.Advance(time.Hour)
	second, err := env.Engine.CheckAsset(env.Ctx, tenant, "a1", engine.SystemActor)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Score)

	entries, err := env.Engine.AssetHistory(env.Ctx, tenant, "a1", 30)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.StatusPending, entries[0].FromStatus)
	assert.Equal(t, domain.StatusNonCompliant, entries[0].ToStatus)

	// The second check repaired the summary.
	repaired, err := env.Engine.Repo.GetAsset(env.Ctx, tenant, "a1")
	require.NoError(t, err)
	require.NotNil(t, repaired.ComplianceScore)
	assert.Equal(t, 0, *repaired.ComplianceScore)
	assert.Equal(t, domain.StatusNonCompliant, repaired.ComplianceStatus)
}

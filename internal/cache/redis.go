package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"insurewatch/internal/config"
	"insurewatch/internal/domain"
)

const keyPrefix = "insurewatch:dashboard:"

// SnapshotCache keeps the latest dashboard snapshot per tenant in Redis.
type SnapshotCache struct {
	Client *redis.Client
	TTL    time.Duration
}

// New connects to the configured Redis. It returns nil without error when no
// address is configured.
func New(ctx context.Context, cfg config.Cache) (*SnapshotCache, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	return &SnapshotCache{Client: client, TTL: cfg.TTL}, nil
}

func Key(tenantID string) string {
	return keyPrefix + tenantID
}

func (c *SnapshotCache) Get(ctx context.Context, tenantID string) (domain.Snapshot, bool, error) {
	data, err := c.Client.Get(ctx, Key(tenantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Snapshot{}, false, nil
	}
	if err != nil {
		return domain.Snapshot{}, false, err
	}
	s, err := decode(data)
	if err != nil {
		return domain.Snapshot{}, false, err
	}
	return s, true, nil
}

// Put replaces the cached snapshot unless a newer one is already stored.
func (c *SnapshotCache) Put(ctx context.Context, s domain.Snapshot) error {
	if cur, ok, err := c.Get(ctx, s.TenantID); err == nil && ok && cur.GeneratedAt.After(s.GeneratedAt) {
		return nil
	}
	data, err := encode(s)
	if err != nil {
		return err
	}
	return c.Client.Set(ctx, Key(s.TenantID), data, c.TTL).Err()
}

func (c *SnapshotCache) Close() error {
	if c == nil || c.Client == nil {
		return nil
	}
	return c.Client.Close()
}

func encode(s domain.Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

func decode(data []byte) (domain.Snapshot, error) {
	var s domain.Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode cached snapshot: %w", err)
	}
	return s, nil
}

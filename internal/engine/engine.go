package engine

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"insurewatch/internal/config"
	"insurewatch/internal/domain"
	"insurewatch/internal/engine/script"
	"insurewatch/internal/history"
	"insurewatch/internal/metrics"
	"insurewatch/internal/notify"
	"insurewatch/internal/repo"
)

// SystemActor attributes work done by the scheduler and automatic transitions.
const SystemActor = "system"

// AssetSource is the read side of the asset-management collaborator plus its
// single write-back of the compliance summary.
type AssetSource interface {
	GetAsset(ctx context.Context, tenantID, assetID string) (domain.Asset, error)
	GetActivePoliciesForAsset(ctx context.Context, tenantID, assetID string, now time.Time) ([]domain.Policy, error)
	GetAllAssets(ctx context.Context, tenantID string) ([]domain.Asset, error)
	UpdateComplianceSummary(ctx context.Context, tenantID, assetID string, status domain.ComplianceStatus, score int) error
}

// SnapshotCache fronts the latest dashboard snapshot per tenant.
type SnapshotCache interface {
	Get(ctx context.Context, tenantID string) (domain.Snapshot, bool, error)
	Put(ctx context.Context, s domain.Snapshot) error
}

type Engine struct {
	DB            *sql.DB
	Repo          repo.Repo
	Assets        AssetSource
	History       history.Recorder
	Config        config.Engine
	Scripts       *script.Evaluator
	Notifier      notify.Sender
	Recipient     string
	// NotifyTimeout bounds one background notification batch; zero means 30s.
	NotifyTimeout time.Duration
	Cache         SnapshotCache
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
	Now           func() time.Time

	locks  *assetLocks
	outbox *sync.WaitGroup
}

func New(db *sql.DB, cfg *config.Config, log *zap.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:            db,
		Repo:          r,
		Assets:        r,
		History:       history.Recorder{DB: db},
		Config:        cfg.Engine,
		Scripts:       script.NewEvaluator(cfg.Engine.ScriptTimeout),
		Notifier:      notify.LogSender{Logger: log},
		Recipient:     cfg.Notifications.Recipient,
		NotifyTimeout: cfg.Notifications.Timeout,
		Logger:        log,
		Now:           time.Now,
		locks:         newAssetLocks(),
		outbox:        &sync.WaitGroup{},
	}
}

// Flush blocks until notifications dispatched so far have been delivered or dropped.
func (e Engine) Flush() {
	if e.outbox != nil {
		e.outbox.Wait()
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e Engine) evaluator() Evaluator {
	return Evaluator{Scripts: e.Scripts, Logger: e.log(), Metrics: e.Metrics}
}

func (e Engine) lockAsset(assetID string) func() {
	if e.locks == nil {
		return func() {}
	}
	return e.locks.lock(assetID)
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"insurewatch/internal/config"
	"insurewatch/internal/domain"
	"insurewatch/internal/engine"
	"insurewatch/internal/logging"
	"insurewatch/internal/metrics"
)

// Engine is the slice of the compliance engine one cycle drives.
type Engine interface {
	DueAssets(ctx context.Context) ([]domain.Asset, error)
	TenantAssets(ctx context.Context, tenantID string) ([]domain.Asset, error)
	CheckAsset(ctx context.Context, tenantID, assetID, actor string) (domain.Check, error)
	ExpireRules(ctx context.Context) (int, error)
	RetireStale(ctx context.Context, maxAgeDays int) (int, error)
	Tenants(ctx context.Context) ([]string, error)
	Refresh(ctx context.Context, tenantID string) (domain.Snapshot, error)
}

// CycleReport summarizes one scheduler pass.
type CycleReport struct {
	Checked       int           `json:"checked"`
	Failed        int           `json:"failed"`
	RulesExpired  int           `json:"rules_expired"`
	AlertsRetired int           `json:"alerts_retired"`
	Dashboards    int           `json:"dashboards"`
	Duration      time.Duration `json:"duration"`
}

type Scheduler struct {
	Engine  Engine
	Config  config.Engine
	Metrics *metrics.Metrics
	Logger  *zap.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func New(eng Engine, cfg config.Engine, m *metrics.Metrics, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{Engine: eng, Config: cfg, Metrics: m, Logger: log}
}

// Start runs a cycle every RecheckInterval until Stop. A cycle still running when
// the next tick fires causes that tick to be skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("scheduler already started")
	}
	if s.Config.RecheckInterval <= 0 {
		return fmt.Errorf("recheck interval must be positive, got %s", s.Config.RecheckInterval)
	}
	logger := cronLogger{s.log().Sugar()}
	c := cron.New(cron.WithLocation(time.UTC), cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	spec := "@every " + s.Config.RecheckInterval.String()
	if _, err := c.AddFunc(spec, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.log().Error("scheduler cycle failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}
	c.Start()
	s.cron = c
	s.log().Info("scheduler started", zap.Duration("interval", s.Config.RecheckInterval), zap.Int("workers", s.workers()))
	return nil
}

// Stop halts the trigger and waits for a running cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.log().Info("scheduler stopped")
}

// RunOnce checks every due asset with bounded concurrency, then expires rules, retires
// stale alerts and refreshes each tenant's dashboard. Cancelling ctx stops new checks
// from being launched; checks already running complete. Per-asset failures are logged
// and counted, never returned.
func (s *Scheduler) RunOnce(ctx context.Context) (report CycleReport, err error) {
	started := time.Now()
	defer func() {
		report.Duration = time.Since(started)
		s.Metrics.CycleCompleted(report.Duration, report.Failed)
	}()

	due, err := s.Engine.DueAssets(ctx)
	if err != nil {
		return report, fmt.Errorf("list due assets: %w", err)
	}
	report.Checked, report.Failed = s.checkAssets(ctx, due)
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("cycle interrupted after %d checks: %w", report.Checked, err)
	}

	var errs []error
	if n, err := s.Engine.ExpireRules(ctx); err != nil {
		errs = append(errs, err)
	} else {
		report.RulesExpired = n
	}
	if n, err := s.Engine.RetireStale(ctx, s.Config.StaleAlertDays); err != nil {
		errs = append(errs, err)
	} else {
		report.AlertsRetired = n
	}
	tenants, err := s.Engine.Tenants(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("list tenants: %w", err))
	}
	for _, t := range tenants {
		if _, err := s.Engine.Refresh(ctx, t); err != nil {
			s.log().Error("dashboard refresh failed", logging.Tenant(t), zap.Error(err))
			errs = append(errs, fmt.Errorf("refresh %s: %w", t, err))
			continue
		}
		report.Dashboards++
	}
	s.log().Info("scheduler cycle complete",
		zap.Int("checked", report.Checked),
		zap.Int("failed", report.Failed),
		zap.Int("rules_expired", report.RulesExpired),
		zap.Int("alerts_retired", report.AlertsRetired),
		zap.Int("dashboards", report.Dashboards),
		zap.Duration("duration", time.Since(started)))
	return report, errors.Join(errs...)
}

// CheckAll checks the tenant's assets on the cycle's worker pool and refreshes its
// dashboard. Without force only assets that are due are checked.
func (s *Scheduler) CheckAll(ctx context.Context, tenantID string, force bool) (report CycleReport, err error) {
	started := time.Now()
	defer func() { report.Duration = time.Since(started) }()

	var assets []domain.Asset
	if force {
		all, err := s.Engine.TenantAssets(ctx, tenantID)
		if err != nil {
			return report, fmt.Errorf("list assets: %w", err)
		}
		assets = all
	} else {
		due, err := s.Engine.DueAssets(ctx)
		if err != nil {
			return report, fmt.Errorf("list due assets: %w", err)
		}
		for _, a := range due {
			if a.TenantID == tenantID {
				assets = append(assets, a)
			}
		}
	}
	report.Checked, report.Failed = s.checkAssets(ctx, assets)
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("batch interrupted after %d checks: %w", report.Checked, err)
	}
	if _, err := s.Engine.Refresh(ctx, tenantID); err != nil {
		return report, fmt.Errorf("refresh %s: %w", tenantID, err)
	}
	report.Dashboards = 1
	s.log().Info("batch check complete", logging.Tenant(tenantID), zap.Bool("force", force),
		zap.Int("checked", report.Checked), zap.Int("failed", report.Failed))
	return report, nil
}

// checkAssets runs CheckAsset for each asset with at most workers() in flight. Once ctx
// is cancelled no further check starts; running checks finish on a detached context.
func (s *Scheduler) checkAssets(ctx context.Context, assets []domain.Asset) (int, int) {
	inflight := context.WithoutCancel(ctx)
	var checked, failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(s.workers())
	for _, a := range assets {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// g.Go may have waited for a free slot past cancellation.
			if ctx.Err() != nil {
				return nil
			}
			if _, err := s.Engine.CheckAsset(inflight, a.TenantID, a.ID, engine.SystemActor); err != nil {
				failed.Add(1)
				s.log().Error("asset check failed", logging.Tenant(a.TenantID), logging.Asset(a.ID), zap.Error(err))
				return nil
			}
			checked.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(checked.Load()), int(failed.Load())
}

func (s *Scheduler) workers() int {
	n := s.Config.Workers
	if n < config.MinWorkers {
		return config.MinWorkers
	}
	if n > config.MaxWorkers {
		return config.MaxWorkers
	}
	return n
}

func (s *Scheduler) log() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

// cronLogger routes cron's own messages through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Package app assembles the engine and its collaborators from workspace configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"insurewatch/internal/cache"
	"insurewatch/internal/config"
	"insurewatch/internal/db"
	"insurewatch/internal/engine"
	"insurewatch/internal/logging"
	"insurewatch/internal/metrics"
	"insurewatch/internal/migrate"
	"insurewatch/internal/notify"
	"insurewatch/internal/scheduler"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/insurewatch.yml when set.
	ConfigPath string
	// LogLevel overrides the configured level when set.
	LogLevel string
	// Migrate applies pending schema migrations on open.
	Migrate bool
}

// App is a fully wired engine plus the resources it owns.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	DB        *sql.DB
	Engine    engine.Engine
	Metrics   *metrics.Metrics
	Cache     *cache.SnapshotCache
	Scheduler *scheduler.Scheduler
}

func LoadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.Load(opts.Workspace)
}

// Open loads configuration, connects storage and wires engine, notifier, cache,
// metrics and scheduler together. Close releases everything Open acquired.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.Logging.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	log, err := logging.New(level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a := &App{Config: cfg, Logger: log, DB: conn, Metrics: metrics.New()}
	if opts.Migrate {
		if err := migrate.MigrateContext(ctx, conn); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	sender, err := notify.New(cfg.Notifications, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Cache, err = cache.New(ctx, cfg.Cache)
	if err != nil {
		a.Close()
		return nil, err
	}

	eng := engine.New(conn, cfg, log)
	eng.Notifier = sender
	eng.Metrics = a.Metrics
	if a.Cache != nil {
		eng.Cache = a.Cache
	}
	a.Engine = eng
	a.Scheduler = scheduler.New(eng, cfg.Engine, a.Metrics, log.Named("scheduler"))
	log.Debug("workspace opened",
		zap.String("database", db.Path(db.Config{Workspace: opts.Workspace})),
		zap.String("notifications", cfg.Notifications.Provider),
		zap.Bool("cache", a.Cache != nil))
	return a, nil
}

func (a *App) Close() error {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	a.Engine.Flush()
	var errs []error
	if err := a.Cache.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
	return errors.Join(errs...)
}

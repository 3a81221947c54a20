package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spec-kit/as-dispatch/internal/api/http/handlers"
	"github.com/spec-kit/as-dispatch/internal/cache"
	"github.com/spec-kit/as-dispatch/internal/config"
	"github.com/spec-kit/as-dispatch/internal/eventstore"
	"github.com/spec-kit/as-dispatch/internal/observability"
	"github.com/spec-kit/as-dispatch/internal/persistence"
)

// deps are the long-lived resources every subcommand may need.
type deps struct {
	cfg    *config.Config
	logger *zap.Logger
	store  eventstore.Store
	pings  map[string]handlers.Pinger
	close  []func()
}

func (d *deps) Close() {
	for i := len(d.close) - 1; i >= 0; i-- {
		d.close[i]()
	}
	_ = d.logger.Sync()
}

// loadDeps opens the configured store. Migrations run when forced or when
// STORE_RUN_MIGRATIONS is set.
func loadDeps(ctx context.Context, migrate bool) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	d := &deps{cfg: cfg, logger: logger, pings: map[string]handlers.Pinger{}}
	if err := d.openStore(ctx, migrate || cfg.Store.RunMigrations); err != nil {
		d.Close()
		return nil, err
	}

	redis := persistence.NewRedis(ctx, cfg.Redis, logger)
	if redis.Enabled() {
		d.close = append(d.close, redis.Close)
		d.pings["redis"] = redis
		snapshots := cache.NewRedisSnapshots(redis.Client, cfg.Redis.KeyPrefix, cfg.Redis.SnapshotTTL)
		d.store = eventstore.NewCached(d.store, snapshots, logger)
	}
	return d, nil
}

func (d *deps) openStore(ctx context.Context, migrate bool) error {
	switch d.cfg.Store.Backend {
	case config.StorePostgres:
		pg, err := persistence.NewPostgres(ctx, d.cfg.Postgres, d.logger)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		d.close = append(d.close, pg.Close)
		d.pings["postgres"] = pg
		if migrate {
			if err := persistence.RunMigrations(ctx, pg.Pool, d.logger); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
		}
		d.store = eventstore.NewPostgresStore(pg.Pool)
	default:
		db, err := persistence.OpenSQLite(ctx, d.cfg.SQLite, d.logger)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		d.close = append(d.close, func() { _ = db.Close() })
		d.pings["sqlite"] = handlers.PingFunc(db.PingContext)
		if migrate {
			if err := persistence.RunSQLiteMigrations(ctx, db, d.logger); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
		}
		d.store = eventstore.NewSQLiteStore(db)
	}
	return nil
}


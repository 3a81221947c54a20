package persistence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/spec-kit/as-dispatch/internal/config"
)

const defaultConnectTimeout = 5 * time.Second

// Postgres holds the event store pool.
type Postgres struct {
	Pool *pgxpool.Pool
}

// PoolConfig builds the pgx pool settings for the event store. Parameters the
// DSN sets explicitly win over the configured session defaults.
func PoolConfig(cfg config.PostgresConfig) (*pgxpool.Config, error) {
	if cfg.DSN == "" {
		return nil, errors.New("POSTGRES_DSN not provided")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse POSTGRES_DSN: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if poolCfg.MinConns > poolCfg.MaxConns {
		return nil, fmt.Errorf("min conns %d exceeds max conns %d", poolCfg.MinConns, poolCfg.MaxConns)
	}
	if cfg.MaxConnIdle > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdle
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
		// Spread recycling so the pool does not reconnect all at once.
		poolCfg.MaxConnLifetimeJitter = cfg.MaxConnLifetime / 10
	}
	if cfg.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	params := poolCfg.ConnConfig.RuntimeParams
	if _, set := params["application_name"]; !set && cfg.ApplicationName != "" {
		params["application_name"] = cfg.ApplicationName
	}
	if _, set := params["statement_timeout"]; !set && cfg.StatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}
	return poolCfg, nil
}

// NewPostgres opens the event store pool and waits for the first successful
// ping, bounded by the connect timeout.
func NewPostgres(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*Postgres, error) {
	poolCfg, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	timeout := poolCfg.ConnConfig.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping %s/%s: %w", poolCfg.ConnConfig.Host, poolCfg.ConnConfig.Database, err)
	}

	logger.Info("connected to postgres",
		zap.String("host", poolCfg.ConnConfig.Host),
		zap.String("database", poolCfg.ConnConfig.Database),
		zap.Int32("min_conns", poolCfg.MinConns),
		zap.Int32("max_conns", poolCfg.MaxConns),
		zap.String("statement_timeout_ms", poolCfg.ConnConfig.RuntimeParams["statement_timeout"]),
	)
	return &Postgres{Pool: pool}, nil
}

// Close releases pool resources.
func (p *Postgres) Close() {
	if p != nil && p.Pool != nil {
		p.Pool.Close()
	}
}

// Ping verifies connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	if p == nil || p.Pool == nil {
		return errors.New("postgres pool not configured")
	}
	return p.Pool.Ping(ctx)
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("HUB_OUTBOX_SIZE", "")
	t.Setenv("ELASTICSEARCH_ADDRESSES", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, StoreSQLite, cfg.Store.Backend)
	require.Equal(t, 64, cfg.Hub.OutboxSize)
	require.Equal(t, 30*time.Second, cfg.Hub.PingInterval)
	require.False(t, cfg.Search.Enabled())
	require.Equal(t, time.Hour, cfg.Auth.AccessTokenTTL())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "Postgres")
	t.Setenv("POSTGRES_DSN", "postgres://localhost/as")
	t.Setenv("HUB_PING_INTERVAL", "5s")
	t.Setenv("WORKER_PROJECTION_INTERVAL", "not-a-duration")
	t.Setenv("ELASTICSEARCH_ADDRESSES", "http://es1:9200, http://es2:9200,")
	t.Setenv("POSTGRES_STATEMENT_TIMEOUT", "750ms")
	t.Setenv("POSTGRES_APPLICATION_NAME", "as-dispatch-eu")
	t.Setenv("APP_TRUSTED_PROXIES", "10.0.0.1, 10.0.0.2")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, StorePostgres, cfg.Store.Backend)
	require.Equal(t, 5*time.Second, cfg.Hub.PingInterval)
	require.Equal(t, 5*time.Minute, cfg.Worker.ProjectionEvery)
	require.Equal(t, []string{"http://es1:9200", "http://es2:9200"}, cfg.Search.Addresses)
	require.Equal(t, 750*time.Millisecond, cfg.Postgres.StatementTimeout)
	require.Equal(t, "as-dispatch-eu", cfg.Postgres.ApplicationName)
	require.Equal(t, 5*time.Minute, cfg.Postgres.MaxConnLifetime)
	require.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.App.TrustedProxies)
}

func TestValidateRejectsInvertedPoolBounds(t *testing.T) {
	cfg := &Config{
		Store:    StoreConfig{Backend: StorePostgres},
		Postgres: PostgresConfig{DSN: "postgres://localhost/as", MaxConns: 4, MinConns: 8},
		Hub:      HubConfig{OutboxSize: 1},
	}
	require.Error(t, cfg.Validate())

	cfg.Postgres.MinConns = 4
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsMissingDSN(t *testing.T) {
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("POSTGRES_DSN", "")

	_, err := Load()
	require.Error(t, err)
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := &Config{Store: StoreConfig{Backend: "mongo"}, Hub: HubConfig{OutboxSize: 1}}
	require.Error(t, cfg.Validate())
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App         AppConfig
	Store       StoreConfig
	Postgres    PostgresConfig
	SQLite      SQLiteConfig
	Redis       RedisConfig
	Logger      LoggerConfig
	Auth        AuthConfig
	Hub         HubConfig
	Search      SearchConfig
	Worker      WorkerConfig
	Attachments AttachmentsConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
	// TrustedProxies are peers whose X-Forwarded-For header is believed.
	TrustedProxies []string
}

// StoreConfig selects the event store backend.
type StoreConfig struct {
	Backend       string
	RunMigrations bool
}

// PostgresConfig tunes the event store pool. Zero values keep pgx defaults.
type PostgresConfig struct {
	DSN               string
	MaxConns          int32
	MinConns          int32
	MaxConnIdle       time.Duration
	MaxConnLifetime   time.Duration
	HealthCheckPeriod time.Duration
	ConnectTimeout    time.Duration
	// StatementTimeout is set per session so a stuck append cannot hold a
	// request's row lock indefinitely.
	StatementTimeout time.Duration
	ApplicationName  string
}

// SQLiteConfig holds the embedded database location.
type SQLiteConfig struct {
	Path string
}

// RedisConfig holds Redis connection values. An empty Addr disables the
// snapshot cache.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	SnapshotTTL time.Duration
	KeyPrefix   string
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines token verification parameters.
type AuthConfig struct {
	JWTSecret             string
	Issuer                string
	AccessTokenTTLMinutes int
}

// HubConfig tunes live delivery.
type HubConfig struct {
	OutboxSize        int
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	ReadLimitBytes    int64
	TechnicianFeedOff bool
}

// SearchConfig points at the optional Elasticsearch audit index.
type SearchConfig struct {
	Addresses []string
	Username  string
	Password  string
	Index     string
	QueueSize int
}

// Enabled reports whether an audit index is configured.
func (s SearchConfig) Enabled() bool {
	return len(s.Addresses) > 0
}

// WorkerConfig schedules the projection consistency check.
type WorkerConfig struct {
	Enabled          bool
	ProjectionEvery  time.Duration
	ProjectionWindow time.Duration
	BatchSize        int
}

// AttachmentsConfig controls where uploaded files land.
type AttachmentsConfig struct {
	Dir          string
	MaxSizeBytes int64
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "as-dispatch"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
			TrustedProxies:        splitList(os.Getenv("APP_TRUSTED_PROXIES")),
		},
		Store: StoreConfig{
			Backend:       strings.ToLower(getEnv("STORE_BACKEND", StoreSQLite)),
			RunMigrations: getEnvAsBool("STORE_RUN_MIGRATIONS", true),
		},
		Postgres: PostgresConfig{
			DSN:               os.Getenv("POSTGRES_DSN"),
			MaxConns:          int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:          int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			MaxConnIdle:       getEnvAsDuration("POSTGRES_MAX_CONN_IDLE", 30*time.Second),
			MaxConnLifetime:   getEnvAsDuration("POSTGRES_MAX_CONN_LIFETIME", 5*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("POSTGRES_HEALTH_CHECK_PERIOD", time.Minute),
			ConnectTimeout:    getEnvAsDuration("POSTGRES_CONNECT_TIMEOUT", 5*time.Second),
			StatementTimeout:  getEnvAsDuration("POSTGRES_STATEMENT_TIMEOUT", 5*time.Second),
			ApplicationName:   getEnv("POSTGRES_APPLICATION_NAME", "as-dispatch"),
		},
		SQLite: SQLiteConfig{
			Path: getEnv("SQLITE_PATH", "data/as_dispatch.db"),
		},
		Redis: RedisConfig{
			Addr:        os.Getenv("REDIS_ADDR"),
			Password:    os.Getenv("REDIS_PASSWORD"),
			DB:          redisDB,
			SnapshotTTL: getEnvAsDuration("REDIS_SNAPSHOT_TTL", 10*time.Minute),
			KeyPrefix:   getEnv("REDIS_KEY_PREFIX", "as:request:"),
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			Issuer:                getEnv("AUTH_ISSUER", "as-dispatch"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
		},
		Hub: HubConfig{
			OutboxSize:        getEnvAsInt("HUB_OUTBOX_SIZE", 64),
			WriteTimeout:      getEnvAsDuration("HUB_WRITE_TIMEOUT", 10*time.Second),
			PingInterval:      getEnvAsDuration("HUB_PING_INTERVAL", 30*time.Second),
			ReadLimitBytes:    int64(getEnvAsInt("HUB_READ_LIMIT_BYTES", 64*1024)),
			TechnicianFeedOff: getEnvAsBool("HUB_TECHNICIAN_FEED_OFF", false),
		},
		Search: SearchConfig{
			Addresses: splitList(os.Getenv("ELASTICSEARCH_ADDRESSES")),
			Username:  os.Getenv("ELASTICSEARCH_USERNAME"),
			Password:  os.Getenv("ELASTICSEARCH_PASSWORD"),
			Index:     getEnv("ELASTICSEARCH_AUDIT_INDEX", "as-dispatch-events"),
			QueueSize: getEnvAsInt("ELASTICSEARCH_QUEUE_SIZE", 1024),
		},
		Worker: WorkerConfig{
			Enabled:          getEnvAsBool("WORKER_PROJECTION_ENABLED", true),
			ProjectionEvery:  getEnvAsDuration("WORKER_PROJECTION_INTERVAL", 5*time.Minute),
			ProjectionWindow: getEnvAsDuration("WORKER_PROJECTION_WINDOW", time.Hour),
			BatchSize:        getEnvAsInt("WORKER_PROJECTION_BATCH", 200),
		},
		Attachments: AttachmentsConfig{
			Dir:          getEnv("ATTACHMENTS_DIR", "data/uploads"),
			MaxSizeBytes: int64(getEnvAsInt("ATTACHMENTS_MAX_BYTES", 10*1024*1024)),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the service cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("SQLITE_PATH required for sqlite backend")
		}
	case StorePostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("POSTGRES_DSN required for postgres backend")
		}
		if c.Postgres.MaxConns > 0 && c.Postgres.MinConns > c.Postgres.MaxConns {
			return fmt.Errorf("POSTGRES_MIN_CONNS %d exceeds POSTGRES_MAX_CONNS %d", c.Postgres.MinConns, c.Postgres.MaxConns)
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend)
	}
	if c.Hub.OutboxSize <= 0 {
		return fmt.Errorf("HUB_OUTBOX_SIZE must be positive")
	}
	return nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// AccessTokenTTL returns the lifetime of issued tokens.
func (a AuthConfig) AccessTokenTTL() time.Duration {
	return time.Duration(a.AccessTokenTTLMinutes) * time.Minute
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(val string) []string {
	if val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/spec-kit/as-dispatch/internal/config"
)

// OpenSQLite opens the embedded database with foreign keys on. The pool is
// capped at one connection so every transaction is a serialized writer.
func OpenSQLite(ctx context.Context, cfg config.SQLiteConfig, logger *zap.Logger) (*sql.DB, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("opened sqlite", zap.String("path", cfg.Path))
	return db, nil
}

package persistence

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

type migration struct {
	Name string
	SQL  string
}

func loadMigrations(dir string) ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	filenames := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		filenames = append(filenames, entry.Name())
	}
	sort.Strings(filenames)

	out := make([]migration, 0, len(filenames))
	for _, name := range filenames {
		content, err := migrationsFS.ReadFile(dir + "/" + name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		out = append(out, migration{Name: name, SQL: string(content)})
	}
	return out, nil
}

// RunMigrations executes the embedded Postgres migrations. Every statement is
// idempotent so the full set is replayed on each start.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	if pool == nil {
		logger.Warn("no postgres pool available; skipping migrations")
		return nil
	}

	migrations, err := loadMigrations("migrations/postgres")
	if err != nil {
		return err
	}
	for _, m := range migrations {
		logger.Info("applying migration", zap.String("file", m.Name))
		if _, err := pool.Exec(ctx, m.SQL); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.Name, err)
		}
	}

	logger.Info("migrations applied", zap.Int("count", len(migrations)))
	return nil
}

// RunSQLiteMigrations executes the embedded SQLite migrations in one transaction.
func RunSQLiteMigrations(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	migrations, err := loadMigrations("migrations/sqlite")
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, m := range migrations {
		logger.Debug("applying migration", zap.String("file", m.Name))
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	logger.Info("migrations applied", zap.Int("count", len(migrations)))
	return nil
}

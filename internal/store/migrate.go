package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path"
	"sync"

	"github.com/pressly/goose/v3"
)

// Migration dialects. Each has its own directory under migrations/ with the
// same version numbers.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite3"
)

//go:embed migrations/*/*.sql
var embedMigrations embed.FS

// goose keeps its dialect and filesystem in package state.
var gooseMu sync.Mutex

func migrationsDir(dialect string) string {
	return path.Join("migrations", dialect)
}

func withGoose(dialect string, fn func() error) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("goose dialect %s: %w", dialect, err)
	}
	return fn()
}

// Migrate applies every pending migration for dialect.
func Migrate(ctx context.Context, db *sql.DB, dialect string) error {
	return withGoose(dialect, func() error {
		if err := goose.UpContext(ctx, db, migrationsDir(dialect)); err != nil {
			return fmt.Errorf("migrate %s: %w", dialect, err)
		}
		return nil
	})
}

// MigrateDown rolls every migration back.
func MigrateDown(ctx context.Context, db *sql.DB, dialect string) error {
	return withGoose(dialect, func() error {
		if err := goose.DownToContext(ctx, db, migrationsDir(dialect), 0); err != nil {
			return fmt.Errorf("roll back %s: %w", dialect, err)
		}
		return nil
	})
}

// SchemaVersion reports the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int64, error) {
	var version int64
	err := withGoose(s.dialect, func() error {
		v, err := goose.GetDBVersionContext(ctx, s.db)
		if err != nil {
			return fmt.Errorf("schema version: %w", err)
		}
		version = v
		return nil
	})
	return version, err
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// Options selects and locates the storage backend.
type Options struct {
	Driver      string
	DatabaseURL string
	SQLitePath  string
	// Migrate applies pending Postgres migrations on connect. SQLite
	// migrations are always applied.
	Migrate bool
}

func Connect(ctx context.Context, opts Options) (*Store, error) {
	switch opts.Driver {
	case "sqlite":
		return OpenSQLite(ctx, opts.SQLitePath)
	case "", "postgres":
		db, err := Open(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if opts.Migrate {
			if err := Migrate(ctx, db, DialectPostgres); err != nil {
				db.Close()
				return nil, err
			}
		}
		return NewPostgresStore(db), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
}

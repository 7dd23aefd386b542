package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

var sqliteQueries = queries{
	loadState:      `SELECT doc_state FROM care_notes WHERE id=?`,
	saveState:      `UPDATE care_notes SET doc_state=?2, updated_at=?3 WHERE id=?1`,
	noteTenant:     `SELECT clinic_id FROM care_notes WHERE id=?`,
	identityTenant: `SELECT clinic_id FROM profiles WHERE id=?`,
	lockNote:       `SELECT id FROM care_notes WHERE id=?`,
	nextVersion:    `SELECT COALESCE(MAX(version_number), 0) + 1 FROM note_versions WHERE care_note_id=?`,
	lastVersionAt:  `SELECT created_at FROM note_versions WHERE care_note_id=? ORDER BY version_number DESC LIMIT 1`,
	insertVersion: `
		INSERT INTO note_versions (
			id, care_note_id, version_number, doc_snapshot, content_snapshot,
			content_text, changed_by, changed_by_name, change_summary, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
	listVersions: `
		SELECT id, care_note_id, version_number, content_snapshot, content_text,
			changed_by, changed_by_name, change_summary, created_at
		FROM note_versions
		WHERE care_note_id=?
		ORDER BY version_number DESC
	`,
	getVersion: `
		SELECT id, care_note_id, version_number, doc_snapshot, content_snapshot, content_text,
			changed_by, changed_by_name, change_summary, created_at
		FROM note_versions
		WHERE care_note_id=? AND id=?
	`,
	latestVersion: `
		SELECT id, care_note_id, version_number, doc_snapshot, content_snapshot, content_text,
			changed_by, changed_by_name, change_summary, created_at
		FROM note_versions
		WHERE care_note_id=?
		ORDER BY version_number DESC
		LIMIT 1
	`,
	insertNote: `
		INSERT INTO care_notes (id, clinic_id, title, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`,
	upsertProfile: `
		INSERT INTO profiles (id, clinic_id, display_name, role)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET clinic_id=excluded.clinic_id, display_name=excluded.display_name, role=excluded.role
	`,
}

// OpenSQLite opens the embedded single-node backend and applies its
// migrations. Use ":memory:" in tests.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if err := Migrate(ctx, db, DialectSQLite); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, q: sqliteQueries, dialect: DialectSQLite}, nil
}


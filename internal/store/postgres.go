package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Store persists care note state, version history and the tenant lookups
// the session gate consults. The same type serves Postgres and SQLite; only
// the SQL text differs.
type Store struct {
	db      *sql.DB
	q       queries
	dialect string
}

type queries struct {
	loadState      string
	saveState      string
	noteTenant     string
	identityTenant string
	lockNote       string
	nextVersion    string
	insertVersion  string
	listVersions   string
	getVersion     string
	latestVersion  string
	lastVersionAt  string
	insertNote     string
	upsertProfile  string
}

var postgresQueries = queries{
	loadState:      `SELECT doc_state FROM care_notes WHERE id=$1`,
	saveState:      `UPDATE care_notes SET doc_state=$2, updated_at=$3 WHERE id=$1`,
	noteTenant:     `SELECT clinic_id FROM care_notes WHERE id=$1`,
	identityTenant: `SELECT clinic_id FROM profiles WHERE id=$1`,
	lockNote:       `SELECT id FROM care_notes WHERE id=$1 FOR UPDATE`,
	nextVersion:    `SELECT COALESCE(MAX(version_number), 0) + 1 FROM note_versions WHERE care_note_id=$1`,
	lastVersionAt:  `SELECT created_at FROM note_versions WHERE care_note_id=$1 ORDER BY version_number DESC LIMIT 1`,
	insertVersion: `
		INSERT INTO note_versions (
			id, care_note_id, version_number, doc_snapshot, content_snapshot,
			content_text, changed_by, changed_by_name, change_summary, created_at
		) VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10)
	`,
	listVersions: `
		SELECT id, care_note_id, version_number, content_snapshot::text, content_text,
			changed_by, changed_by_name, change_summary, created_at
		FROM note_versions
		WHERE care_note_id=$1
		ORDER BY version_number DESC
	`,
	getVersion: `
		SELECT id, care_note_id, version_number, doc_snapshot, content_snapshot::text, content_text,
			changed_by, changed_by_name, change_summary, created_at
		FROM note_versions
		WHERE care_note_id=$1 AND id=$2
	`,
	latestVersion: `
		SELECT id, care_note_id, version_number, doc_snapshot, content_snapshot::text, content_text,
			changed_by, changed_by_name, change_summary, created_at
		FROM note_versions
		WHERE care_note_id=$1
		ORDER BY version_number DESC
		LIMIT 1
	`,
	insertNote: `
		INSERT INTO care_notes (id, clinic_id, title, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`,
	upsertProfile: `
		INSERT INTO profiles (id, clinic_id, display_name, role)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET clinic_id=EXCLUDED.clinic_id, display_name=EXCLUDED.display_name, role=EXCLUDED.role
	`,
}

func NewPostgresStore(db *sql.DB) *Store {
	return &Store{db: db, q: postgresQueries, dialect: DialectPostgres}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// LoadState returns the note's durable state. A note that exists but was
// never saved yields nil bytes and no error.
func (s *Store) LoadState(ctx context.Context, noteID string) ([]byte, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx, s.q.loadState, noteID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load note state: %w", err)
	}
	return state, nil
}

// SaveState overwrites the note's durable state.
func (s *Store) SaveState(ctx context.Context, noteID string, state []byte) error {
	result, err := s.db.ExecContext(ctx, s.q.saveState, noteID, state, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save note state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("save note state rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) NoteTenant(ctx context.Context, noteID string) (string, error) {
	return s.lookupTenant(ctx, s.q.noteTenant, noteID)
}

func (s *Store) IdentityTenant(ctx context.Context, userID string) (string, error) {
	return s.lookupTenant(ctx, s.q.identityTenant, userID)
}

func (s *Store) lookupTenant(ctx context.Context, query, id string) (string, error) {
	var tenant string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&tenant)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup tenant: %w", err)
	}
	return tenant, nil
}

// AppendVersion inserts the next version of a note. The note row is locked
// for the duration of the transaction so numbers stay gap-free under
// concurrent writers.
func (s *Store) AppendVersion(ctx context.Context, in NewVersion) (Version, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Version{}, fmt.Errorf("begin version tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	if err := tx.QueryRowContext(ctx, s.q.lockNote, in.NoteID).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Version{}, ErrNotFound
		}
		return Version{}, fmt.Errorf("lock note: %w", err)
	}

	createdAt := in.CreatedAt.UTC()
	if in.CreatedAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if in.MinInterval > 0 {
		var last time.Time
		err := tx.QueryRowContext(ctx, s.q.lastVersionAt, in.NoteID).Scan(&last)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return Version{}, fmt.Errorf("last version time: %w", err)
		case createdAt.Sub(last) < in.MinInterval:
			return Version{}, ErrVersionTooSoon
		}
	}

	var number int
	if err := tx.QueryRowContext(ctx, s.q.nextVersion, in.NoteID).Scan(&number); err != nil {
		return Version{}, fmt.Errorf("next version number: %w", err)
	}

	content := in.ContentSnapshot
	if len(content) == 0 {
		content = json.RawMessage(`{}`)
	}
	if _, err := tx.ExecContext(ctx, s.q.insertVersion,
		in.ID, in.NoteID, number, in.DocSnapshot, string(content),
		in.ContentText, in.ChangedBy, in.ChangedByName, in.ChangeSummary, createdAt,
	); err != nil {
		return Version{}, fmt.Errorf("insert version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Version{}, fmt.Errorf("commit version tx: %w", err)
	}

	return Version{
		ID:              in.ID,
		NoteID:          in.NoteID,
		Number:          number,
		DocSnapshot:     in.DocSnapshot,
		ContentSnapshot: content,
		ContentText:     in.ContentText,
		ChangedBy:       in.ChangedBy,
		ChangedByName:   in.ChangedByName,
		ChangeSummary:   in.ChangeSummary,
		CreatedAt:       createdAt,
	}, nil
}

// ListVersions returns a note's history newest first, without binary
// snapshots.
func (s *Store) ListVersions(ctx context.Context, noteID string) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx, s.q.listVersions, noteID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		var v Version
		var content string
		if err := rows.Scan(&v.ID, &v.NoteID, &v.Number, &content, &v.ContentText,
			&v.ChangedBy, &v.ChangedByName, &v.ChangeSummary, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		v.ContentSnapshot = json.RawMessage(content)
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return versions, nil
}

func (s *Store) GetVersion(ctx context.Context, noteID, versionID string) (Version, error) {
	return s.scanVersion(s.db.QueryRowContext(ctx, s.q.getVersion, noteID, versionID))
}

func (s *Store) LatestVersion(ctx context.Context, noteID string) (Version, error) {
	return s.scanVersion(s.db.QueryRowContext(ctx, s.q.latestVersion, noteID))
}

func (s *Store) scanVersion(row *sql.Row) (Version, error) {
	var v Version
	var content string
	err := row.Scan(&v.ID, &v.NoteID, &v.Number, &v.DocSnapshot, &content, &v.ContentText,
		&v.ChangedBy, &v.ChangedByName, &v.ChangeSummary, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, ErrNotFound
	}
	if err != nil {
		return Version{}, fmt.Errorf("get version: %w", err)
	}
	v.ContentSnapshot = json.RawMessage(content)
	return v, nil
}

// InsertNote creates an empty note if it does not exist yet.
func (s *Store) InsertNote(ctx context.Context, note Note) error {
	if _, err := s.db.ExecContext(ctx, s.q.insertNote, note.ID, note.ClinicID, note.Title, time.Now().UTC()); err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

func (s *Store) UpsertProfile(ctx context.Context, profile Profile) error {
	if _, err := s.db.ExecContext(ctx, s.q.upsertProfile, profile.ID, profile.ClinicID, profile.DisplayName, profile.Role); err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

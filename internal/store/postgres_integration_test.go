package store

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func openTestPostgres(t *testing.T) *Store {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("CARENOTE_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("CARENOTE_TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := Migrate(ctx, db, DialectPostgres); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func TestPostgresVersionsAreAppendOnly(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()
	if err := s.InsertNote(ctx, Note{ID: "n1", ClinicID: "clinic-a"}); err != nil {
		t.Fatalf("InsertNote() error = %v", err)
	}
	if _, err := s.AppendVersion(ctx, NewVersion{ID: "v1", NoteID: "n1", DocSnapshot: []byte{1}, ChangedBy: "system"}); err != nil {
		t.Fatalf("AppendVersion() error = %v", err)
	}

	_, err := s.DB().ExecContext(ctx, `UPDATE note_versions SET change_summary='edited' WHERE id='v1'`)
	if err == nil {
		t.Fatal("expected UPDATE to be blocked")
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected PostgreSQL error, got: %v", err)
	}
	if pgErr.SQLState() != "55000" {
		t.Fatalf("SQLSTATE = %s, want 55000", pgErr.SQLState())
	}
}

func TestPostgresConcurrentAppendsAreGapFree(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()
	if err := s.InsertNote(ctx, Note{ID: "n1", ClinicID: "clinic-a"}); err != nil {
		t.Fatalf("InsertNote() error = %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AppendVersion(ctx, NewVersion{
				ID:          "v" + string(rune('a'+i)),
				NoteID:      "n1",
				DocSnapshot: []byte{byte(i)},
				ChangedBy:   "system",
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("AppendVersion() error = %v", err)
		}
	}

	versions, err := s.ListVersions(ctx, "n1")
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(versions) != writers {
		t.Fatalf("len(versions) = %d, want %d", len(versions), writers)
	}
	for i, v := range versions {
		if v.Number != writers-i {
			t.Fatalf("versions[%d].Number = %d, want %d", i, v.Number, writers-i)
		}
	}
}

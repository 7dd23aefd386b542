package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"carenote/api/internal/auth"
	"carenote/api/internal/collab"
	"carenote/api/internal/config"
	"carenote/api/internal/crdt"
	"carenote/api/internal/gate"
	"carenote/api/internal/persist"
	"carenote/api/internal/store"
	"carenote/api/internal/versions"
)

const testSecret = "app-test-secret"

type testEnv struct {
	store    *store.Store
	versions *versions.Service
	manager  *collab.Manager
	service  *Service
	server   *HTTPServer
}

type fakePinger struct {
	pingFn func(context.Context) error
}

func (f fakePinger) Ping(ctx context.Context) error {
	return f.pingFn(ctx)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEnv wires the real services over a temporary SQLite database with
// two clinics: note n1 and profiles u-1 (clinician), u-2 (patient) in
// clinic-a, and profile u-9 in clinic-b.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	st, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InsertNote(ctx, store.Note{ID: "n1", ClinicID: "clinic-a", Title: "Ward round"}); err != nil {
		t.Fatalf("InsertNote() error = %v", err)
	}
	for _, p := range []store.Profile{
		{ID: "u-1", ClinicID: "clinic-a", DisplayName: "Dr Avery", Role: "clinician"},
		{ID: "u-2", ClinicID: "clinic-a", DisplayName: "Pat Lee", Role: "patient"},
		{ID: "u-9", ClinicID: "clinic-b", DisplayName: "Dr Other", Role: "clinician"},
	} {
		if err := st.UpsertProfile(ctx, p); err != nil {
			t.Fatalf("UpsertProfile() error = %v", err)
		}
	}

	cfg := config.Default()
	cfg.JWTSecret = testSecret
	logger := quietLogger()
	adapter := persist.New(st, logger, time.Second)
	history := versions.New(st, logger, cfg.SnapshotInterval)
	manager := collab.NewManager(adapter, history, logger, collab.Options{
		SaveDebounce:   cfg.SaveDebounce,
		SaveCeiling:    cfg.SaveCeiling,
		PersistTimeout: time.Second,
	})
	g := gate.New([]byte(testSecret), cfg.JWTIssuer, cfg.SessionNamespace, st, time.Second)
	svc := New(cfg, Deps{
		Gate:     g,
		Persist:  adapter,
		Versions: history,
		Sessions: manager,
		DB:       st,
		Logger:   logger,
	})
	return &testEnv{
		store:    st,
		versions: history,
		manager:  manager,
		service:  svc,
		server:   NewHTTPServer(svc, "*"),
	}
}

func (e *testEnv) token(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), "carenote", auth.Claims{
		Sub:  userID,
		Name: "User " + userID,
		Role: role,
		JTI:  "jti-" + userID,
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func stateOf(client, text string) []byte {
	doc := crdt.NewDoc(client)
	doc.Insert(0, text)
	return doc.EncodeState()
}

func textOf(t *testing.T, state []byte) string {
	t.Helper()
	doc, err := crdt.FromState("check", state)
	if err != nil {
		t.Fatalf("state does not decode: %v", err)
	}
	return doc.Text()
}

func (e *testEnv) storedText(t *testing.T, noteID string) string {
	t.Helper()
	state, err := e.store.LoadState(context.Background(), noteID)
	if err != nil {
		t.Fatalf("LoadState() error = %v", err)
	}
	return textOf(t, state)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

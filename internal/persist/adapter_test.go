package persist

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"carenote/api/internal/crdt"
	"carenote/api/internal/store"
	"carenote/api/internal/syncerr"
)

type fakeStore struct {
	mu    sync.Mutex
	state map[string][]byte
	saves int

	loadErr error
	saveErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{state: map[string][]byte{}}
}

func (f *fakeStore) LoadState(_ context.Context, noteID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	state, ok := f.state[noteID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return state, nil
}

func (f *fakeStore) SaveState(_ context.Context, noteID string, state []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	if _, ok := f.state[noteID]; !ok {
		return store.ErrNotFound
	}
	f.state[noteID] = append([]byte(nil), state...)
	f.saves++
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadNoPriorState(t *testing.T) {
	fs := newFakeStore()
	fs.state["n1"] = nil
	a := New(fs, quietLogger(), time.Second)

	res, err := a.Load(context.Background(), "n1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if res.Status != NoPriorState {
		t.Fatalf("Status = %v, want empty", res.Status)
	}
}

func TestLoadFound(t *testing.T) {
	doc := crdt.NewDoc("a")
	doc.Insert(0, "Allergies: none")
	fs := newFakeStore()
	fs.state["n1"] = doc.EncodeState()
	a := New(fs, quietLogger(), time.Second)

	res, err := a.Load(context.Background(), "n1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if res.Status != Found {
		t.Fatalf("Status = %v, want found", res.Status)
	}
	replica := crdt.NewDoc("b")
	replica.Apply(res.Update)
	if replica.Text() != "Allergies: none" {
		t.Fatalf("Text() = %q", replica.Text())
	}
}

func TestCorruptedLoadThenSaveOverwrites(t *testing.T) {
	fs := newFakeStore()
	fs.state["n1"] = []byte("\xff\xfe not a note")
	a := New(fs, quietLogger(), time.Second)

	res, err := a.Load(context.Background(), "n1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if res.Status != Corrupted || res.State != nil {
		t.Fatalf("Load() = %+v, want corrupted with no state", res)
	}

	clean := crdt.NewDoc("server").EncodeState()
	if err := a.Save(context.Background(), "n1", clean); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	again, err := a.Load(context.Background(), "n1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if again.Status != Found {
		t.Fatalf("Status after corrective save = %v, want found", again.Status)
	}
}

func TestSaveFailureIsPersistenceError(t *testing.T) {
	fs := newFakeStore()
	fs.state["n1"] = nil
	fs.saveErr = errors.New("connection refused")
	a := New(fs, quietLogger(), time.Second)

	err := a.Save(context.Background(), "n1", []byte("x"))
	if !errors.Is(err, syncerr.ErrPersistence) {
		t.Fatalf("Save() error = %v, want persistence error", err)
	}
}

func TestLoadFailureIsPersistenceError(t *testing.T) {
	fs := newFakeStore()
	fs.loadErr = errors.New("timeout")
	a := New(fs, quietLogger(), time.Second)

	if _, err := a.Load(context.Background(), "n1"); !errors.Is(err, syncerr.ErrPersistence) {
		t.Fatalf("Load() error = %v, want persistence error", err)
	}
}

func TestMergeKeepsStoredContent(t *testing.T) {
	live := crdt.NewDoc("live")
	live.Insert(0, "Plan: rest")
	fs := newFakeStore()
	fs.state["n1"] = live.EncodeState()
	a := New(fs, quietLogger(), time.Second)

	offline := crdt.NewDoc("offline")
	offline.Apply(live.StateUpdate())
	offline.Insert(offline.Len(), ", fluids")
	live.Insert(0, "Dx: flu. ")
	fs.state["n1"] = live.EncodeState()

	merged, err := a.Merge(context.Background(), "n1", offline.EncodeState())
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	doc, err := crdt.FromState("check", merged)
	if err != nil {
		t.Fatalf("FromState() error = %v", err)
	}
	if doc.Text() != "Dx: flu. Plan: rest, fluids" {
		t.Fatalf("Text() = %q", doc.Text())
	}
	if string(fs.state["n1"]) != string(merged) {
		t.Fatal("merged state was not saved")
	}
}

func TestMergeRejectsGarbage(t *testing.T) {
	fs := newFakeStore()
	fs.state["n1"] = nil
	a := New(fs, quietLogger(), time.Second)
	if _, err := a.Merge(context.Background(), "n1", []byte("junk")); !errors.Is(err, syncerr.ErrProtocol) {
		t.Fatalf("Merge() error = %v, want protocol error", err)
	}
}

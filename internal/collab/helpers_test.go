package collab

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"carenote/api/internal/crdt"
	"carenote/api/internal/gate"
	"carenote/api/internal/persist"
	"carenote/api/internal/rbac"
	"carenote/api/internal/store"
	"carenote/api/internal/versions"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	seq     int
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{c: c, at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward, running due timers in order on the caller's
// goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.seq < next.seq) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			live := c.timers[:0]
			for _, t := range c.timers {
				if !t.stopped && !t.fired {
					live = append(live, t)
				}
			}
			c.timers = live
			c.mu.Unlock()
			return
		}
		next.fired = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.f()
	}
}

// memStore backs both the persistence adapter and the version service.
type memStore struct {
	mu       sync.Mutex
	state    map[string][]byte
	versions []store.Version
	saves    map[string]int
	saveErr  error
}

func newMemStore(notes ...string) *memStore {
	s := &memStore{state: map[string][]byte{}, saves: map[string]int{}}
	for _, id := range notes {
		s.state[id] = nil
	}
	return s
}

func (s *memStore) LoadState(_ context.Context, noteID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.state[noteID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return state, nil
}

func (s *memStore) SaveState(_ context.Context, noteID string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	if _, ok := s.state[noteID]; !ok {
		return store.ErrNotFound
	}
	s.state[noteID] = append([]byte(nil), state...)
	s.saves[noteID]++
	return nil
}

func (s *memStore) AppendVersion(_ context.Context, in store.NewVersion) (store.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	number := 1
	var last time.Time
	for _, v := range s.versions {
		if v.NoteID == in.NoteID {
			number++
			last = v.CreatedAt
		}
	}
	if in.MinInterval > 0 && number > 1 && in.CreatedAt.Sub(last) < in.MinInterval {
		return store.Version{}, store.ErrVersionTooSoon
	}
	v := store.Version{
		ID:              in.ID,
		NoteID:          in.NoteID,
		Number:          number,
		DocSnapshot:     in.DocSnapshot,
		ContentSnapshot: in.ContentSnapshot,
		ContentText:     in.ContentText,
		ChangedBy:       in.ChangedBy,
		ChangedByName:   in.ChangedByName,
		ChangeSummary:   in.ChangeSummary,
		CreatedAt:       in.CreatedAt,
	}
	s.versions = append(s.versions, v)
	return v, nil
}

func (s *memStore) ListVersions(_ context.Context, noteID string) ([]store.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Version
	for _, v := range s.versions {
		if v.NoteID == noteID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	return out, nil
}

func (s *memStore) GetVersion(ctx context.Context, noteID, versionID string) (store.Version, error) {
	versions, _ := s.ListVersions(ctx, noteID)
	for _, v := range versions {
		if v.ID == versionID {
			return v, nil
		}
	}
	return store.Version{}, store.ErrNotFound
}

func (s *memStore) LatestVersion(ctx context.Context, noteID string) (store.Version, error) {
	versions, _ := s.ListVersions(ctx, noteID)
	if len(versions) == 0 {
		return store.Version{}, store.ErrNotFound
	}
	return versions[0], nil
}

func (s *memStore) saveCount(noteID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[noteID]
}

func (s *memStore) stateText(t *testing.T, noteID string) string {
	t.Helper()
	s.mu.Lock()
	state := s.state[noteID]
	s.mu.Unlock()
	doc, err := crdt.FromState("check", state)
	if err != nil {
		t.Fatalf("stored state for %s does not decode: %v", noteID, err)
	}
	return doc.Text()
}

func (s *memStore) versionCount(noteID string) int {
	versions, _ := s.ListVersions(context.Background(), noteID)
	return len(versions)
}

// memRelay is an in-process stand-in for Redis pub/sub. Delivery is
// synchronous.
type memRelay struct {
	mu   sync.Mutex
	seq  int
	subs map[string]map[int]func([]byte)
}

func newMemRelay() *memRelay {
	return &memRelay{subs: map[string]map[int]func([]byte){}}
}

func (r *memRelay) Publish(_ context.Context, noteID string, payload []byte) error {
	r.mu.Lock()
	var fns []func([]byte)
	for _, fn := range r.subs[noteID] {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
	return nil
}

func (r *memRelay) Subscribe(_ context.Context, noteID string, fn func([]byte)) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	id := r.seq
	if r.subs[noteID] == nil {
		r.subs[noteID] = map[int]func([]byte){}
	}
	r.subs[noteID][id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs[noteID], id)
	}, nil
}

type harness struct {
	store   *memStore
	clock   *fakeClock
	manager *Manager
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, st *memStore, relay Relay) *harness {
	t.Helper()
	clock := newFakeClock()
	return newHarnessWithClock(st, clock, relay)
}

func newHarnessWithClock(st *memStore, clock *fakeClock, relay Relay) *harness {
	logger := quietLogger()
	adapter := persist.New(st, logger, time.Second)
	history := versions.New(st, logger, 30*time.Second)
	m := NewManager(adapter, history, logger, Options{
		SaveDebounce:   3 * time.Second,
		SaveCeiling:    10 * time.Second,
		PersistTimeout: time.Second,
		Relay:          relay,
		Clock:          clock,
	})
	return &harness{store: st, clock: clock, manager: m}
}

func authFor(userID string, role rbac.Role, noteID string) gate.AuthContext {
	return gate.AuthContext{
		UserID:   userID,
		Name:     "User " + userID,
		Role:     role,
		TenantID: "clinic-a",
		NoteID:   noteID,
		Session:  "care-note:" + noteID,
	}
}

// client mirrors what an editor does with its connection.
type client struct {
	t    *testing.T
	conn *Conn
	doc  *crdt.Doc
	seen []Message
}

func (h *harness) connect(t *testing.T, userID string, role rbac.Role, noteID string) *client {
	t.Helper()
	conn, err := h.manager.Join(context.Background(), authFor(userID, role, noteID))
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if conn.State() != StateActive {
		t.Fatalf("State() = %v, want ACTIVE", conn.State())
	}
	c := &client{t: t, conn: conn, doc: crdt.NewDoc(userID)}
	c.pump()
	return c
}

// pump drains queued messages, applying document updates locally.
func (c *client) pump() {
	c.t.Helper()
	for {
		select {
		case msg := <-c.conn.Outbound():
			c.seen = append(c.seen, msg)
			if msg.Type == TypeSync || msg.Type == TypeUpdate {
				if _, err := c.doc.ApplyEncoded(msg.Update); err != nil {
					c.t.Fatalf("client %s: bad update: %v", c.doc.Client(), err)
				}
			}
		default:
			return
		}
	}
}

func (c *client) insert(pos int, text string) {
	c.t.Helper()
	u := c.doc.Insert(pos, text)
	if err := c.conn.Handle(context.Background(), Message{Type: TypeUpdate, Update: crdt.Encode(u)}); err != nil {
		c.t.Fatalf("Handle(update) error = %v", err)
	}
}

func (c *client) received(typ MessageType) []Message {
	c.pump()
	var out []Message
	for _, msg := range c.seen {
		if msg.Type == typ {
			out = append(out, msg)
		}
	}
	return out
}

// Package collab owns the live in-memory document of every note that has at
// least one connected editor.
//
// A note's room is created by the first connection, loads the durable state,
// merges fragments from every connection and schedules debounced saves. When
// the last connection leaves, the room flushes synchronously and is torn
// down. Connections only exchange messages with their room; they never touch
// the document directly.
package collab

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"carenote/api/internal/crdt"
	"carenote/api/internal/gate"
	"carenote/api/internal/persist"
	"carenote/api/internal/store"
	"carenote/api/internal/syncerr"
	"carenote/api/internal/util"
	"carenote/api/internal/versions"
)

type Persister interface {
	Load(ctx context.Context, noteID string) (persist.LoadResult, error)
	Save(ctx context.Context, noteID string, state []byte) error
}

type Snapshotter interface {
	NewThrottle(ctx context.Context, noteID string) *versions.Throttle
	MaybeRecord(ctx context.Context, t *versions.Throttle, snap versions.Snapshot) (store.Version, bool, error)
}

// Relay fans room traffic out to other API instances.
type Relay interface {
	Publish(ctx context.Context, noteID string, payload []byte) error
	Subscribe(ctx context.Context, noteID string, fn func([]byte)) (func(), error)
}

type Authenticator interface {
	Authenticate(ctx context.Context, token, session string) (gate.AuthContext, error)
}

type Options struct {
	SaveDebounce   time.Duration
	SaveCeiling    time.Duration
	PersistTimeout time.Duration
	Relay          Relay
	Clock          Clock
	// InstanceID tags relayed messages so an instance ignores its own.
	InstanceID string
}

type Manager struct {
	persist  Persister
	versions Snapshotter
	logger   *slog.Logger
	opts     Options
	clock    Clock

	mu      sync.Mutex
	rooms   map[string]*room
	closing map[string]*room
}

func NewManager(p Persister, v Snapshotter, logger *slog.Logger, opts Options) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SaveDebounce <= 0 {
		opts.SaveDebounce = 3 * time.Second
	}
	if opts.SaveCeiling <= 0 {
		opts.SaveCeiling = 10 * time.Second
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 10 * time.Second
	}
	if opts.InstanceID == "" {
		opts.InstanceID = util.NewID("inst")
	}
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &Manager{
		persist:  p,
		versions: v,
		logger:   logger,
		opts:     opts,
		clock:    clock,
		rooms:    make(map[string]*room),
		closing:  make(map[string]*room),
	}
}

// Open runs the handshake for one connection: authenticate, load the note's
// room, then deliver the initial sync. The returned connection is ACTIVE.
func (m *Manager) Open(ctx context.Context, authn Authenticator, token, session string) (*Conn, error) {
	c := newConn(m)
	ac, err := authn.Authenticate(ctx, token, session)
	if err != nil {
		c.setState(StateRejected)
		kind, _ := syncerr.KindOf(err)
		handshakeTotal.WithLabelValues(string(kind)).Inc()
		m.logger.Warn("session handshake rejected", "session", session, "error", err)
		return nil, err
	}
	if err := m.attach(ctx, c, ac); err != nil {
		c.setState(StateRejected)
		handshakeTotal.WithLabelValues("load_failed").Inc()
		return nil, err
	}
	handshakeTotal.WithLabelValues("ok").Inc()
	return c, nil
}

// Join attaches an already authenticated context. Open is the usual entry
// point; Join serves callers that ran the gate themselves.
func (m *Manager) Join(ctx context.Context, ac gate.AuthContext) (*Conn, error) {
	c := newConn(m)
	if err := m.attach(ctx, c, ac); err != nil {
		c.setState(StateRejected)
		return nil, err
	}
	return c, nil
}

func (m *Manager) attach(ctx context.Context, c *Conn, ac gate.AuthContext) error {
	c.auth = ac
	c.setState(StateLoading)
	r, err := m.acquire(ctx, ac.NoteID)
	if err != nil {
		return err
	}
	c.room = r
	r.attach(c)
	c.setState(StateActive)
	connsActive.Inc()
	m.logger.Info("session connected",
		"note_id", ac.NoteID,
		"conn_id", c.id,
		"user_id", ac.UserID,
		"role", string(ac.Role),
	)
	return nil
}

// Edit applies a server-side change to a note and commits it, loading the
// note's room if nobody is connected.
func (m *Manager) Edit(ctx context.Context, noteID string, author versions.Author, fn func(doc *crdt.Doc) crdt.Update, summary string) (CommitResult, error) {
	r, err := m.acquire(ctx, noteID)
	if err != nil {
		return CommitResult{}, err
	}
	defer m.release(r)
	r.applyServerEdit(fn, author)
	return r.commit(ctx, author, summary)
}

// Rooms returns the number of notes currently held in memory.
func (m *Manager) Rooms() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// Flush saves every dirty room. It is used on graceful shutdown.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	rooms := make([]*room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	var errs []error
	for _, r := range rooms {
		select {
		case <-r.ready:
		default:
			continue
		}
		if r.loadErr != nil {
			continue
		}
		if err := r.flush(ctx, flushShutdown); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// acquire returns the loaded room for noteID with one reference held by the
// caller. A room that is still flushing after its last client left is waited
// for, so a new room never loads state older than that flush.
func (m *Manager) acquire(ctx context.Context, noteID string) (*room, error) {
	for {
		m.mu.Lock()
		if r, ok := m.rooms[noteID]; ok {
			r.refs++
			m.mu.Unlock()
			select {
			case <-r.ready:
			case <-ctx.Done():
				m.release(r)
				return nil, ctx.Err()
			}
			if r.loadErr != nil {
				m.release(r)
				return nil, r.loadErr
			}
			return r, nil
		}
		if old, ok := m.closing[noteID]; ok {
			m.mu.Unlock()
			select {
			case <-old.done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		r := newRoom(m, noteID)
		r.refs = 1
		m.rooms[noteID] = r
		m.mu.Unlock()

		if err := r.load(context.WithoutCancel(ctx)); err != nil {
			m.mu.Lock()
			r.loadErr = err
			if m.rooms[noteID] == r {
				delete(m.rooms, noteID)
			}
			m.mu.Unlock()
			close(r.ready)
			close(r.done)
			return nil, err
		}
		roomsActive.Inc()
		close(r.ready)
		return r, nil
	}
}

// release drops one reference. The last reference tears the room down,
// flushing synchronously before returning.
func (m *Manager) release(r *room) {
	m.mu.Lock()
	r.refs--
	if r.refs > 0 || r.loadErr != nil {
		m.mu.Unlock()
		return
	}
	if m.rooms[r.noteID] == r {
		delete(m.rooms, r.noteID)
	}
	m.closing[r.noteID] = r
	m.mu.Unlock()

	r.teardown()

	m.mu.Lock()
	if m.closing[r.noteID] == r {
		delete(m.closing, r.noteID)
	}
	m.mu.Unlock()
	roomsActive.Dec()
	close(r.done)
}

func (m *Manager) persistContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.opts.PersistTimeout)
}

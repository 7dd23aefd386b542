// Package fallback keeps a note editable when the live session cannot be
// reached, by reading and writing durable state directly.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type Status string

const (
	Connecting   Status = "connecting"
	Connected    Status = "connected"
	Disconnected Status = "disconnected"
	Unavailable  Status = "unavailable"
)

// DefaultTimeout is how long connecting may take before the session is
// declared unavailable.
const DefaultTimeout = 5 * time.Second

// DirectStore is the persistence read/write path that bypasses the live
// session.
type DirectStore interface {
	LoadState(ctx context.Context, noteID string) ([]byte, error)
	SaveState(ctx context.Context, noteID string, state []byte) ([]byte, error)
}

// Replica is the client's local copy of the note.
type Replica interface {
	MergeState(state []byte) error
	EncodeState() []byte
}

// ErrLiveSession is returned by Save while the live session is connected or
// still connecting.
var ErrLiveSession = errors.New("save through the live session")

type Options struct {
	Timeout time.Duration
	Logger  *slog.Logger
	// OnChange is called after every status transition.
	OnChange func(Status)
}

type Controller struct {
	noteID  string
	store   DirectStore
	replica Replica
	opts    Options
	logger  *slog.Logger

	mu       sync.Mutex
	status   Status
	timer    *time.Timer
	loaded   bool
	// degraded holds from the first drop or timeout until Connected, so
	// reconnect attempts do not block direct saves.
	degraded bool
	ctx      context.Context
	loadDone chan struct{}
}

func New(noteID string, store DirectStore, replica Replica, opts Options) *Controller {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		noteID:   noteID,
		store:    store,
		replica:  replica,
		opts:     opts,
		logger:   logger,
		status:   Connecting,
		ctx:      context.Background(),
		loadDone: make(chan struct{}),
	}
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Start begins a connection attempt. If Connected is not reported within the
// timeout the controller moves to Unavailable.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	c.connecting()
}

// Reconnecting reports a new connection attempt after a drop.
func (c *Controller) Reconnecting() {
	c.connecting()
}

func (c *Controller) connecting() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.status = Connecting
	c.timer = time.AfterFunc(c.opts.Timeout, c.onTimeout)
	c.mu.Unlock()
	c.notify(Connecting)
}

func (c *Controller) onTimeout() {
	c.mu.Lock()
	if c.status != Connecting {
		c.mu.Unlock()
		return
	}
	c.status = Unavailable
	c.degraded = true
	c.mu.Unlock()
	c.logger.Warn("live session unavailable", "note_id", c.noteID, "timeout", c.opts.Timeout.String())
	c.notify(Unavailable)
	c.loadDirect()
}

// Connected reports that the live session reached synced.
func (c *Controller) Connected() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.status = Connected
	c.degraded = false
	c.mu.Unlock()
	c.notify(Connected)
}

// Disconnected reports that the live session dropped.
func (c *Controller) Disconnected() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.status == Disconnected {
		c.mu.Unlock()
		return
	}
	c.status = Disconnected
	c.degraded = true
	c.mu.Unlock()
	c.notify(Disconnected)
	c.loadDirect()
}

// Stop cancels a pending connection timeout.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) notify(s Status) {
	if c.opts.OnChange != nil {
		c.opts.OnChange(s)
	}
}

// loadDirect reads the durable state once per controller, however often the
// connection flickers.
func (c *Controller) loadDirect() {
	c.mu.Lock()
	if c.loaded {
		c.mu.Unlock()
		return
	}
	c.loaded = true
	ctx := c.ctx
	c.mu.Unlock()
	defer close(c.loadDone)

	state, err := c.store.LoadState(ctx, c.noteID)
	if err != nil {
		c.logger.Error("direct load failed", "note_id", c.noteID, "error", err)
		return
	}
	if len(state) == 0 {
		return
	}
	if err := c.replica.MergeState(state); err != nil {
		c.logger.Error("apply direct state failed", "note_id", c.noteID, "error", err)
	}
}

// Loaded is closed once the direct load has run.
func (c *Controller) Loaded() <-chan struct{} {
	return c.loadDone
}

// Degraded reports whether edits must be saved directly. It stays true while
// a dropped session is reconnecting.
func (c *Controller) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// Save writes the replica straight to durable storage. It is only allowed
// while the live session is down.
func (c *Controller) Save(ctx context.Context) error {
	if !c.Degraded() {
		return ErrLiveSession
	}
	merged, err := c.store.SaveState(ctx, c.noteID, c.replica.EncodeState())
	if err != nil {
		return fmt.Errorf("direct save: %w", err)
	}
	if err := c.replica.MergeState(merged); err != nil {
		return fmt.Errorf("apply saved state: %w", err)
	}
	return nil
}

package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"carenote/api/internal/crdt"
	"carenote/api/internal/gate"
	"carenote/api/internal/syncerr"
	"carenote/api/internal/util"
	"carenote/api/internal/versions"
)

type ConnState int32

const (
	StateAuthenticating ConnState = iota
	StateLoading
	StateActive
	StateClosing
	StateRejected
)

func (s ConnState) String() string {
	switch s {
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateLoading:
		return "LOADING"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateRejected:
		return "REJECTED"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

const outboundBuffer = 256

var errConnClosed = errors.New("connection closed")

// Conn is one client's session on a note.
type Conn struct {
	id    string
	m     *Manager
	auth  gate.AuthContext
	room  *room
	state atomic.Int32

	out       chan Message
	dropped   chan struct{}
	dropOnce  sync.Once
	closeOnce sync.Once
}

func newConn(m *Manager) *Conn {
	c := &Conn{
		id:      util.NewID("conn"),
		m:       m,
		out:     make(chan Message, outboundBuffer),
		dropped: make(chan struct{}),
	}
	c.setState(StateAuthenticating)
	return c
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Auth() gate.AuthContext {
	return c.auth
}

func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Conn) setState(s ConnState) {
	c.state.Store(int32(s))
}

// Outbound yields messages for the client in order.
func (c *Conn) Outbound() <-chan Message {
	return c.out
}

// Dropped is closed when the client fell too far behind; the transport
// should close it so the client reconnects and resyncs.
func (c *Conn) Dropped() <-chan struct{} {
	return c.dropped
}

func (c *Conn) deliver(msg Message) {
	select {
	case c.out <- msg:
	default:
		c.dropOnce.Do(func() {
			droppedConns.Inc()
			close(c.dropped)
		})
	}
}

// Handle processes one inbound client message.
func (c *Conn) Handle(ctx context.Context, msg Message) error {
	if c.State() != StateActive {
		return errConnClosed
	}
	switch msg.Type {
	case TypeUpdate:
		if !c.auth.CanWrite() {
			return syncerr.New(syncerr.KindProtocol, "update", c.auth.NoteID, fmt.Errorf("role %s is read-only", c.auth.Role))
		}
		u, err := crdt.Decode(msg.Update)
		if err != nil {
			return syncerr.New(syncerr.KindProtocol, "update", c.auth.NoteID, err)
		}
		c.room.applyLocal(c, msg.Update, u)
		return nil
	case TypeAwareness:
		if msg.Awareness == nil {
			return syncerr.New(syncerr.KindProtocol, "awareness", c.auth.NoteID, errors.New("missing awareness"))
		}
		c.room.setAwareness(c, *msg.Awareness)
		return nil
	case TypeCommit:
		_, err := c.Commit(ctx, msg.Summary)
		return err
	default:
		return syncerr.New(syncerr.KindProtocol, "handle", c.auth.NoteID, fmt.Errorf("unexpected message type %q", msg.Type))
	}
}

// Commit persists the note now, records a version and tells the other
// connections that a save happened.
func (c *Conn) Commit(ctx context.Context, summary string) (CommitResult, error) {
	if c.State() != StateActive {
		return CommitResult{}, errConnClosed
	}
	if !c.auth.CanWrite() {
		return CommitResult{}, syncerr.New(syncerr.KindProtocol, "commit", c.auth.NoteID, fmt.Errorf("role %s is read-only", c.auth.Role))
	}
	if summary == "" {
		summary = "Manual save"
	}
	author := versions.Author{ID: c.auth.UserID, Name: c.auth.Name}
	res, err := c.room.commit(ctx, author, summary)
	if err != nil {
		return CommitResult{}, err
	}
	c.deliver(Message{Type: TypeCommitted, Summary: summary, Version: res.Version, Deferred: res.Deferred})
	c.room.notifySaved(c, SaveNotice{UserID: c.auth.UserID, Name: c.auth.Name, At: c.m.clock.Now()})
	return res, nil
}

// Close leaves the room. When this was the last connection on the note the
// call returns only after the final flush.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		if c.State() != StateActive {
			return
		}
		c.setState(StateClosing)
		connsActive.Dec()
		c.room.detach(c)
		c.m.release(c.room)
		c.m.logger.Info("session closed", "note_id", c.auth.NoteID, "conn_id", c.id)
	})
}

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"carenote/api/internal/collab"
	"carenote/api/internal/crdt"
)

// RejectedError is a typed rejection sent by the server.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

var ErrSessionClosed = errors.New("session closed")

type SessionOptions struct {
	// OnMessage receives presence, save notices and errors. It runs on the
	// read goroutine and must not block.
	OnMessage func(collab.Message)
	Dialer    *websocket.Dialer
}

// Session is one live connection to a note.
type Session struct {
	ws        *websocket.Conn
	replica   *Replica
	onMessage func(collab.Message)

	writeMu  sync.Mutex
	commitMu sync.Mutex

	mu         sync.Mutex
	clientID   string
	commitWait chan collab.Message
	err        error

	synced     chan struct{}
	syncedOnce sync.Once
	done       chan struct{}
}

// Dial opens the live session named session (namespace:noteId) on the
// server at baseURL.
func Dial(ctx context.Context, baseURL, token, session string, replica *Replica, opts SessionOptions) (*Session, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/collab"
	u.RawQuery = url.Values{"session": {session}}.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial session: %w", err)
	}

	s := &Session{
		ws:        ws,
		replica:   replica,
		onMessage: opts.OnMessage,
		synced:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Synced is closed when the initial state has been applied.
func (s *Session) Synced() <-chan struct{} {
	return s.synced
}

// Done is closed when the connection ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session ended, once Done is closed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ClientID is the server-assigned connection id, known after sync.
func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// WaitSynced blocks until the session is synced or rejected.
func (s *Session) WaitSynced(ctx context.Context) error {
	select {
	case <-s.synced:
		return nil
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) readLoop() {
	defer close(s.done)
	for {
		var msg collab.Message
		if err := s.ws.ReadJSON(&msg); err != nil {
			s.fail(err)
			return
		}
		switch msg.Type {
		case collab.TypeSync, collab.TypeUpdate:
			if err := s.replica.MergeState(msg.Update); err != nil {
				s.fail(fmt.Errorf("apply %s: %w", msg.Type, err))
				_ = s.ws.Close()
				return
			}
		case collab.TypeSynced:
			s.mu.Lock()
			s.clientID = msg.ClientID
			s.mu.Unlock()
			s.syncedOnce.Do(func() { close(s.synced) })
		case collab.TypeCommitted:
			s.reply(msg)
		case collab.TypeError:
			select {
			case <-s.synced:
				if !s.reply(msg) && s.onMessage != nil {
					s.onMessage(msg)
				}
			default:
				s.fail(rejection(msg))
			}
		default:
			if s.onMessage != nil {
				s.onMessage(msg)
			}
		}
	}
}

func rejection(msg collab.Message) error {
	if msg.Error == nil {
		return &RejectedError{Code: "UNKNOWN", Message: "session rejected"}
	}
	return &RejectedError{Code: msg.Error.Code, Message: msg.Error.Message}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Session) reply(msg collab.Message) bool {
	s.mu.Lock()
	wait := s.commitWait
	s.mu.Unlock()
	if wait == nil {
		return false
	}
	select {
	case wait <- msg:
		return true
	default:
		return false
	}
}

func (s *Session) send(msg collab.Message) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (s *Session) sendUpdate(u crdt.Update) error {
	if u.Empty() {
		return nil
	}
	return s.send(collab.Message{Type: collab.TypeUpdate, Update: crdt.Encode(u)})
}

func (s *Session) Text() string {
	return s.replica.Text()
}

func (s *Session) Insert(pos int, text string) error {
	return s.sendUpdate(s.replica.Edit(func(doc *crdt.Doc) crdt.Update { return doc.Insert(pos, text) }))
}

func (s *Session) Delete(pos, count int) error {
	return s.sendUpdate(s.replica.Edit(func(doc *crdt.Doc) crdt.Update { return doc.Delete(pos, count) }))
}

// Replace swaps the note content for text as a forward edit.
func (s *Session) Replace(_ context.Context, text string) error {
	return s.sendUpdate(s.replica.Edit(func(doc *crdt.Doc) crdt.Update { return doc.Replace(text) }))
}

func (s *Session) SetAwareness(a collab.Awareness) error {
	return s.send(collab.Message{Type: collab.TypeAwareness, Awareness: &a})
}

// Commit asks the server to persist the note now and record a version.
func (s *Session) Commit(ctx context.Context, summary string) (collab.CommitResult, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	wait := make(chan collab.Message, 1)
	s.mu.Lock()
	s.commitWait = wait
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.commitWait = nil
		s.mu.Unlock()
	}()

	if err := s.send(collab.Message{Type: collab.TypeCommit, Summary: summary}); err != nil {
		return collab.CommitResult{}, err
	}
	select {
	case msg := <-wait:
		if msg.Type == collab.TypeError {
			return collab.CommitResult{}, rejection(msg)
		}
		return collab.CommitResult{Version: msg.Version, Deferred: msg.Deferred}, nil
	case <-s.done:
		return collab.CommitResult{}, ErrSessionClosed
	case <-ctx.Done():
		return collab.CommitResult{}, ctx.Err()
	}
}

// Close ends the session with a normal closure.
func (s *Session) Close() error {
	s.writeMu.Lock()
	_ = s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.ws.Close()
}

package collab

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"carenote/api/internal/crdt"
	"carenote/api/internal/persist"
	"carenote/api/internal/util"
	"carenote/api/internal/versions"
)

type flushTrigger string

const (
	flushTimer    flushTrigger = "timer"
	flushFinal    flushTrigger = "final"
	flushShutdown flushTrigger = "shutdown"
	flushDeferred flushTrigger = "deferred"
	flushCommit   flushTrigger = "commit"
)

const autoSaveSummary = "Auto-save"

// CommitResult reports the outcome of an explicit save.
type CommitResult struct {
	Version int
	// Deferred is set when the snapshot window was still closed; the version
	// is recorded once it opens, even if the room has closed by then.
	Deferred bool
}

// room is the per-note state. refs counts connections and in-flight server
// edits and is guarded by Manager.mu; everything else by mu, except throttle
// which only the holder of flushMu touches.
type room struct {
	m      *Manager
	noteID string
	logger *slog.Logger

	refs    int
	ready   chan struct{}
	done    chan struct{}
	loadErr error

	flushMu  sync.Mutex
	throttle *versions.Throttle

	mu        sync.Mutex
	doc       *crdt.Doc
	conns     map[string]*Conn
	awareness map[string]Awareness
	closing   bool

	// localRev is the last rev caused by this instance. Relayed changes are
	// saved here but snapshotted by the instance that received them.
	rev         uint64
	localRev    uint64
	savedRev    uint64
	snapshotRev uint64
	lastAuthor  versions.Author

	debounce Timer
	ceiling  Timer
	deferred Timer

	pendingSummary string
	pendingAuthor  versions.Author

	unsubscribe func()
}

func newRoom(m *Manager, noteID string) *room {
	return &room{
		m:         m,
		noteID:    noteID,
		logger:    m.logger.With("note_id", noteID),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		conns:     make(map[string]*Conn),
		awareness: make(map[string]Awareness),
	}
}

func (r *room) load(ctx context.Context) error {
	loadCtx, cancel := context.WithTimeout(ctx, r.m.opts.PersistTimeout)
	defer cancel()

	res, err := r.m.persist.Load(loadCtx, r.noteID)
	if err != nil {
		r.logger.Error("load note failed", "error", err)
		return err
	}
	r.doc = crdt.NewDoc(util.NewID("srv"))
	switch res.Status {
	case persist.Found:
		r.doc.Apply(res.Update)
	case persist.Corrupted:
		// Overwrite the undecodable bytes right away. If that fails the room
		// stays dirty and the next flush retries.
		if err := r.m.persist.Save(loadCtx, r.noteID, r.doc.EncodeState()); err != nil {
			r.logger.Warn("corrective save failed", "error", err)
			r.rev++
			r.snapshotRev = r.rev
		} else {
			r.logger.Warn("replaced corrupted note state with empty document")
		}
	}
	r.throttle = r.m.versions.NewThrottle(loadCtx, r.noteID)

	if relay := r.m.opts.Relay; relay != nil {
		cancelSub, err := relay.Subscribe(context.WithoutCancel(ctx), r.noteID, r.onRelay)
		if err != nil {
			relayErrors.Inc()
			r.logger.Warn("relay subscribe failed; room is local only", "error", err)
		} else {
			r.unsubscribe = cancelSub
			r.publish(relayStateRequest, Message{})
		}
	}
	return nil
}

func (r *room) attach(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.id] = c
	c.deliver(Message{Type: TypeSync, Update: r.doc.EncodeState()})
	for id, a := range r.awareness {
		entry := a
		c.deliver(Message{Type: TypeAwareness, ClientID: id, Awareness: &entry})
	}
	c.deliver(Message{Type: TypeSynced, ClientID: c.id})
}

func (r *room) detach(c *Conn) {
	r.mu.Lock()
	delete(r.conns, c.id)
	_, hadAwareness := r.awareness[c.id]
	delete(r.awareness, c.id)
	remove := Message{Type: TypeAwarenessRemove, ClientID: c.id}
	if hadAwareness {
		r.broadcastLocked(remove, c.id)
	}
	r.mu.Unlock()
	if hadAwareness {
		r.publish(relayMessage, remove)
	}
}

// applyLocal merges a fragment from a connection and forwards it to peers.
func (r *room) applyLocal(c *Conn, raw []byte, u crdt.Update) {
	r.mu.Lock()
	pendingBefore := r.doc.Pending()
	changed := r.doc.Apply(u)
	msg := Message{Type: TypeUpdate, Update: raw}
	r.broadcastLocked(msg, c.id)
	if changed || r.doc.Pending() != pendingBefore {
		r.markDirtyLocked(&versions.Author{ID: c.auth.UserID, Name: c.auth.Name})
	}
	r.mu.Unlock()
	r.publish(relayMessage, msg)
}

func (r *room) applyServerEdit(fn func(doc *crdt.Doc) crdt.Update, author versions.Author) {
	r.mu.Lock()
	u := fn(r.doc)
	if u.Empty() {
		r.mu.Unlock()
		return
	}
	msg := Message{Type: TypeUpdate, Update: crdt.Encode(u)}
	r.broadcastLocked(msg, "")
	r.markDirtyLocked(&author)
	r.mu.Unlock()
	r.publish(relayMessage, msg)
}

func (r *room) setAwareness(c *Conn, a Awareness) {
	a.UserID = c.auth.UserID
	a.Name = c.auth.Name
	a.Role = string(c.auth.Role)

	r.mu.Lock()
	r.awareness[c.id] = a
	msg := Message{Type: TypeAwareness, ClientID: c.id, Awareness: &a}
	r.broadcastLocked(msg, c.id)
	r.mu.Unlock()
	r.publish(relayMessage, msg)
}

func (r *room) notifySaved(c *Conn, notice SaveNotice) {
	msg := Message{Type: TypeSaveNotice, ClientID: c.id, Notice: &notice}
	r.mu.Lock()
	r.broadcastLocked(msg, c.id)
	r.mu.Unlock()
	r.publish(relayMessage, msg)
}

func (r *room) broadcastLocked(msg Message, except string) {
	for id, c := range r.conns {
		if id == except {
			continue
		}
		c.deliver(msg)
	}
}

// markDirtyLocked records a mutation and (re)arms the save timers: the
// debounce restarts on every mutation, the ceiling only when the first
// unsaved mutation arrives. A nil author marks a relayed change.
func (r *room) markDirtyLocked(author *versions.Author) {
	r.rev++
	if author != nil {
		r.lastAuthor = *author
		r.localRev = r.rev
	}
	if r.closing {
		return
	}
	if r.debounce != nil {
		r.debounce.Stop()
	}
	r.debounce = r.m.clock.AfterFunc(r.m.opts.SaveDebounce, r.onSaveTimer)
	if r.ceiling == nil {
		r.ceiling = r.m.clock.AfterFunc(r.m.opts.SaveCeiling, r.onSaveTimer)
	}
}

func (r *room) stopTimersLocked() {
	if r.debounce != nil {
		r.debounce.Stop()
		r.debounce = nil
	}
	if r.ceiling != nil {
		r.ceiling.Stop()
		r.ceiling = nil
	}
}

func (r *room) onSaveTimer() {
	ctx, cancel := r.m.persistContext()
	defer cancel()
	_ = r.flush(ctx, flushTimer)
}

// flush saves the document if it changed since the last save, then evaluates
// snapshot eligibility. Save failures re-arm the debounce timer.
func (r *room) flush(ctx context.Context, trigger flushTrigger) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	return r.flushLocked(ctx, trigger)
}

func (r *room) flushLocked(ctx context.Context, trigger flushTrigger) error {
	r.mu.Lock()
	r.stopTimersLocked()
	if r.rev == r.savedRev {
		r.mu.Unlock()
		return nil
	}
	state := r.doc.EncodeState()
	rev := r.rev
	author := r.lastAuthor
	snapshotDue := r.pendingSummary == "" && r.localRev > r.snapshotRev
	r.mu.Unlock()

	if err := r.save(ctx, trigger, state, rev); err != nil {
		return err
	}
	if snapshotDue {
		r.snapshot(ctx, state, rev, author, autoSaveSummary, false)
	}
	return nil
}

func (r *room) save(ctx context.Context, trigger flushTrigger, state []byte, rev uint64) error {
	if err := r.m.persist.Save(ctx, r.noteID, state); err != nil {
		flushTotal.WithLabelValues(string(trigger), "error").Inc()
		r.mu.Lock()
		if !r.closing && r.debounce == nil {
			r.debounce = r.m.clock.AfterFunc(r.m.opts.SaveDebounce, r.onSaveTimer)
		}
		r.mu.Unlock()
		return err
	}
	flushTotal.WithLabelValues(string(trigger), "ok").Inc()
	r.mu.Lock()
	if rev > r.savedRev {
		r.savedRev = rev
	}
	r.mu.Unlock()
	return nil
}

// snapshot records a version of state if rev has unsnapshotted changes (or
// force is set) and the throttle allows it. Callers hold flushMu. Failures
// are logged by the version service only.
func (r *room) snapshot(ctx context.Context, state []byte, rev uint64, author versions.Author, summary string, force bool) (int, bool) {
	r.mu.Lock()
	if rev <= r.snapshotRev && !force {
		r.mu.Unlock()
		return 0, false
	}
	r.mu.Unlock()

	v, ok, err := r.m.versions.MaybeRecord(ctx, r.throttle, versions.Snapshot{
		NoteID:  r.noteID,
		State:   state,
		Author:  author,
		Summary: summary,
		At:      r.m.clock.Now(),
	})
	if err != nil || !ok {
		return 0, false
	}
	r.mu.Lock()
	if rev > r.snapshotRev {
		r.snapshotRev = rev
	}
	r.mu.Unlock()
	return v.Number, true
}

// commit saves immediately and records a version with summary. Inside the
// snapshot window the version is deferred to a timer that fires when the
// window opens. The timer does not keep the room open.
func (r *room) commit(ctx context.Context, author versions.Author, summary string) (CommitResult, error) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	r.stopTimersLocked()
	state := r.doc.EncodeState()
	rev := r.rev
	r.mu.Unlock()

	if err := r.save(ctx, flushCommit, state, rev); err != nil {
		return CommitResult{}, err
	}

	now := r.m.clock.Now()
	if r.throttle.Allow(now) {
		v, ok, err := r.m.versions.MaybeRecord(ctx, r.throttle, versions.Snapshot{
			NoteID:  r.noteID,
			State:   state,
			Author:  author,
			Summary: summary,
			At:      now,
		})
		if err != nil {
			return CommitResult{}, nil
		}
		if ok {
			r.mu.Lock()
			if rev > r.snapshotRev {
				r.snapshotRev = rev
			}
			r.mu.Unlock()
			return CommitResult{Version: v.Number}, nil
		}
		// Another instance closed the window; the throttle now knows when.
	}

	r.mu.Lock()
	r.pendingSummary = summary
	r.pendingAuthor = author
	if r.deferred == nil {
		r.deferred = r.m.clock.AfterFunc(r.throttle.Next().Sub(now), r.onDeferredSnapshot)
	}
	r.mu.Unlock()
	r.logger.Info("commit snapshot deferred", "until", r.throttle.Next())
	return CommitResult{Deferred: true}, nil
}

// onDeferredSnapshot records the pending commit version. On a closed room
// the document is the one the final flush saved; it is never saved again
// from here, since a newer room may own the note by now.
func (r *room) onDeferredSnapshot() {
	ctx, cancel := r.m.persistContext()
	defer cancel()

	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	r.deferred = nil
	summary := r.pendingSummary
	author := r.pendingAuthor
	r.pendingSummary = ""
	state := r.doc.EncodeState()
	rev := r.rev
	dirty := r.rev != r.savedRev
	closed := r.closing
	if dirty && !closed {
		r.stopTimersLocked()
	}
	r.mu.Unlock()

	if summary == "" {
		return
	}
	if dirty {
		if closed {
			r.logger.Warn("deferred commit snapshot dropped; final state was not saved")
			return
		}
		if err := r.save(ctx, flushDeferred, state, rev); err != nil {
			return
		}
	}
	if n, ok := r.snapshot(ctx, state, rev, author, summary, true); ok {
		r.logger.Info("deferred commit snapshot recorded", "version", n)
		return
	}
	// The store refuses while another instance's snapshot holds the window;
	// the throttle has moved to it, so try again when it opens.
	now := r.m.clock.Now()
	next := r.throttle.Next()
	if closed || !next.After(now) {
		return
	}
	r.mu.Lock()
	if r.pendingSummary == "" && r.deferred == nil {
		r.pendingSummary = summary
		r.pendingAuthor = author
		r.deferred = r.m.clock.AfterFunc(next.Sub(now), r.onDeferredSnapshot)
	}
	r.mu.Unlock()
}

// teardown runs the final flush. A pending commit version keeps its timer
// and is recorded from the flushed state once its window opens.
func (r *room) teardown() {
	r.mu.Lock()
	r.closing = true
	r.stopTimersLocked()
	r.mu.Unlock()

	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	ctx, cancel := r.m.persistContext()
	defer cancel()
	if err := r.flush(ctx, flushFinal); err != nil {
		r.logger.Error("final flush failed; unsaved changes lost", "error", err)
		return
	}
	r.logger.Info("room closed")
}

func (r *room) publish(kind relayKind, msg Message) {
	relay := r.m.opts.Relay
	if relay == nil {
		return
	}
	payload, err := json.Marshal(relayEnvelope{Origin: r.m.opts.InstanceID, Kind: kind, Message: msg})
	if err != nil {
		relayErrors.Inc()
		return
	}
	ctx, cancel := r.m.persistContext()
	defer cancel()
	if err := relay.Publish(ctx, r.noteID, payload); err != nil {
		relayErrors.Inc()
		r.logger.Warn("relay publish failed", "error", err)
	}
}

func (r *room) onRelay(payload []byte) {
	var env relayEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		relayErrors.Inc()
		return
	}
	if env.Origin == r.m.opts.InstanceID {
		return
	}

	switch env.Kind {
	case relayStateRequest:
		r.mu.Lock()
		state := r.doc.StateUpdate()
		r.mu.Unlock()
		if !state.Empty() {
			r.publish(relayState, Message{Type: TypeUpdate, Update: crdt.Encode(state)})
		}
	case relayState:
		r.applyRemote(env.Message)
	case relayMessage:
		switch env.Message.Type {
		case TypeUpdate:
			r.applyRemote(env.Message)
		case TypeAwareness, TypeAwarenessRemove, TypeSaveNotice:
			r.mu.Lock()
			r.broadcastLocked(env.Message, "")
			r.mu.Unlock()
		}
	}
}

func (r *room) applyRemote(msg Message) {
	u, err := crdt.Decode(msg.Update)
	if err != nil {
		relayErrors.Inc()
		r.logger.Warn("dropping undecodable relayed update", "error", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return
	}
	pendingBefore := r.doc.Pending()
	if r.doc.Apply(u) || r.doc.Pending() != pendingBefore {
		r.broadcastLocked(Message{Type: TypeUpdate, Update: msg.Update}, "")
		r.markDirtyLocked(nil)
	}
}

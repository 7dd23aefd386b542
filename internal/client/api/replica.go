package api

import (
	"sync"

	"carenote/api/internal/crdt"
	"carenote/api/internal/util"
)

// Replica is the editor's local copy of a note. It outlives live sessions so
// editing continues while disconnected.
type Replica struct {
	mu  sync.Mutex
	doc *crdt.Doc
}

// NewReplica starts an empty replica under a freshly minted client id. Two
// replicas sharing an id would mint clashing element ids.
func NewReplica() *Replica {
	return &Replica{doc: crdt.NewDoc(util.NewID("client"))}
}

func (r *Replica) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Text()
}

func (r *Replica) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Len()
}

// Edit runs a local change and returns the fragment to send.
func (r *Replica) Edit(fn func(doc *crdt.Doc) crdt.Update) crdt.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(r.doc)
}

// MergeState folds a full or partial encoded state into the replica.
func (r *Replica) MergeState(state []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.doc.ApplyEncoded(state)
	return err
}

func (r *Replica) EncodeState() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.EncodeState()
}

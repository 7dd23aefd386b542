// Package view reduces session events into the state an editor renders:
// connection status, presence, save notices and the save dialog.
package view

import (
	"sort"
	"time"

	"carenote/api/internal/client/fallback"
	"carenote/api/internal/client/reconcile"
	"carenote/api/internal/collab"
)

// NoticeTTL is how long a peer's save notice stays visible.
const NoticeTTL = 2 * time.Second

type Peer struct {
	ClientID string
	collab.Awareness
}

type Notice struct {
	collab.SaveNotice
	Expires time.Time
}

type State struct {
	Status fallback.Status
	Peers  map[string]collab.Awareness
	Notice *Notice
	// Dialog holds the diff while the save dialog is open.
	Dialog    *reconcile.Plan
	LastSave  *reconcile.Result
	LastError string
}

func Initial() State {
	return State{Status: fallback.Connecting, Peers: map[string]collab.Awareness{}}
}

// PeerList returns peers ordered by name.
func (s State) PeerList() []Peer {
	out := make([]Peer, 0, len(s.Peers))
	for id, a := range s.Peers {
		out = append(out, Peer{ClientID: id, Awareness: a})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out
}

type Event interface {
	apply(s State, now time.Time) State
}

type StatusChanged struct{ Status fallback.Status }

type PeerUpdated struct {
	ClientID  string
	Awareness collab.Awareness
}

type PeerLeft struct{ ClientID string }

type SaveNoticeReceived struct{ Notice collab.SaveNotice }

type Tick struct{}

type SaveRequested struct{ Plan reconcile.Plan }

type SaveCancelled struct{}

type SaveCompleted struct{ Result reconcile.Result }

type SaveFailed struct{ Err error }

// Reduce applies e to s at time now. Expired notices are cleared on every
// event. s is not modified.
func Reduce(s State, e Event, now time.Time) State {
	s = s.clone()
	s = e.apply(s, now)
	if s.Notice != nil && !now.Before(s.Notice.Expires) {
		s.Notice = nil
	}
	return s
}

func (s State) clone() State {
	peers := make(map[string]collab.Awareness, len(s.Peers))
	for k, v := range s.Peers {
		peers[k] = v
	}
	s.Peers = peers
	return s
}

func (e StatusChanged) apply(s State, _ time.Time) State {
	s.Status = e.Status
	if e.Status != fallback.Connected {
		// Presence only exists on a live session.
		s.Peers = map[string]collab.Awareness{}
	}
	return s
}

func (e PeerUpdated) apply(s State, _ time.Time) State {
	s.Peers[e.ClientID] = e.Awareness
	return s
}

func (e PeerLeft) apply(s State, _ time.Time) State {
	delete(s.Peers, e.ClientID)
	return s
}

func (e SaveNoticeReceived) apply(s State, now time.Time) State {
	s.Notice = &Notice{SaveNotice: e.Notice, Expires: now.Add(NoticeTTL)}
	return s
}

func (Tick) apply(s State, _ time.Time) State {
	return s
}

func (e SaveRequested) apply(s State, _ time.Time) State {
	if e.Plan.Mode == reconcile.NothingToSave {
		s.Dialog = nil
		s.LastSave = &reconcile.Result{Mode: reconcile.NothingToSave, Text: e.Plan.Current}
		return s
	}
	plan := e.Plan
	s.Dialog = &plan
	s.LastError = ""
	return s
}

func (SaveCancelled) apply(s State, _ time.Time) State {
	s.Dialog = nil
	return s
}

func (e SaveCompleted) apply(s State, _ time.Time) State {
	res := e.Result
	s.Dialog = nil
	s.LastSave = &res
	s.LastError = ""
	return s
}

func (e SaveFailed) apply(s State, _ time.Time) State {
	if e.Err != nil {
		s.LastError = e.Err.Error()
	}
	return s
}

// FromMessage maps a session message to a view event. Document updates and
// protocol acknowledgements map to nil.
func FromMessage(msg collab.Message) Event {
	switch msg.Type {
	case collab.TypeAwareness:
		if msg.Awareness == nil {
			return nil
		}
		return PeerUpdated{ClientID: msg.ClientID, Awareness: *msg.Awareness}
	case collab.TypeAwarenessRemove:
		return PeerLeft{ClientID: msg.ClientID}
	case collab.TypeSaveNotice:
		if msg.Notice == nil {
			return nil
		}
		return SaveNoticeReceived{Notice: *msg.Notice}
	default:
		return nil
	}
}

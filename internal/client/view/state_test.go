package view

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carenote/api/internal/client/fallback"
	"carenote/api/internal/client/reconcile"
	"carenote/api/internal/collab"
)

var t0 = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

func TestSaveNoticeExpiresAfterTwoSeconds(t *testing.T) {
	s := Reduce(Initial(), SaveNoticeReceived{Notice: collab.SaveNotice{UserID: "u-2", Name: "Dr Lee", At: t0}}, t0)
	require.NotNil(t, s.Notice)
	assert.Equal(t, "Dr Lee", s.Notice.Name)

	s = Reduce(s, Tick{}, t0.Add(1900*time.Millisecond))
	assert.NotNil(t, s.Notice)

	s = Reduce(s, Tick{}, t0.Add(2*time.Second))
	assert.Nil(t, s.Notice)
}

func TestPresenceFollowsAwarenessMessages(t *testing.T) {
	s := Initial()
	s = Reduce(s, StatusChanged{Status: fallback.Connected}, t0)

	for _, msg := range []collab.Message{
		{Type: collab.TypeAwareness, ClientID: "c2", Awareness: &collab.Awareness{Name: "Zed", Role: "staff"}},
		{Type: collab.TypeAwareness, ClientID: "c1", Awareness: &collab.Awareness{Name: "Avery", Role: "clinician"}},
		{Type: collab.TypeUpdate, Update: []byte{1}},
	} {
		if e := FromMessage(msg); e != nil {
			s = Reduce(s, e, t0)
		}
	}
	peers := s.PeerList()
	require.Len(t, peers, 2)
	assert.Equal(t, "Avery", peers[0].Name)
	assert.Equal(t, "c2", peers[1].ClientID)

	s = Reduce(s, FromMessage(collab.Message{Type: collab.TypeAwarenessRemove, ClientID: "c2"}), t0)
	assert.Len(t, s.Peers, 1)

	s = Reduce(s, StatusChanged{Status: fallback.Disconnected}, t0)
	assert.Empty(t, s.Peers)
	assert.Equal(t, fallback.Disconnected, s.Status)
}

func TestCancelDropsDialogOnly(t *testing.T) {
	plan := reconcile.Prepare("A", "A\n\nB")
	s := Reduce(Initial(), SaveRequested{Plan: plan}, t0)
	require.NotNil(t, s.Dialog)
	assert.Equal(t, 1, s.Dialog.Diff.Added)

	s = Reduce(s, SaveCancelled{}, t0)
	assert.Nil(t, s.Dialog)
	assert.Nil(t, s.LastSave)
}

func TestNothingToSaveSkipsDialog(t *testing.T) {
	s := Reduce(Initial(), SaveRequested{Plan: reconcile.Prepare("A", "A")}, t0)
	assert.Nil(t, s.Dialog)
	require.NotNil(t, s.LastSave)
	assert.Equal(t, reconcile.NothingToSave, s.LastSave.Mode)
}

func TestSaveCompletedAndFailed(t *testing.T) {
	s := Reduce(Initial(), SaveRequested{Plan: reconcile.Prepare("A", "B")}, t0)
	s = Reduce(s, SaveFailed{Err: errors.New("offline")}, t0)
	assert.Equal(t, "offline", s.LastError)
	assert.NotNil(t, s.Dialog)

	s = Reduce(s, SaveCompleted{Result: reconcile.Result{Mode: reconcile.Full, Version: 4}}, t0)
	assert.Nil(t, s.Dialog)
	assert.Empty(t, s.LastError)
	assert.Equal(t, 4, s.LastSave.Version)
}

func TestReduceDoesNotMutateInput(t *testing.T) {
	before := Reduce(Initial(), PeerUpdated{ClientID: "c1", Awareness: collab.Awareness{Name: "A"}}, t0)
	after := Reduce(before, PeerLeft{ClientID: "c1"}, t0)
	assert.Len(t, before.Peers, 1)
	assert.Empty(t, after.Peers)
}

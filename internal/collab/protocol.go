package collab

import "time"

type MessageType string

const (
	TypeSync            MessageType = "sync"
	TypeSynced          MessageType = "synced"
	TypeUpdate          MessageType = "update"
	TypeAwareness       MessageType = "awareness"
	TypeAwarenessRemove MessageType = "awareness-remove"
	TypeSaveNotice      MessageType = "save-notice"
	TypeCommit          MessageType = "commit"
	TypeCommitted       MessageType = "committed"
	TypeError           MessageType = "error"
)

// Awareness is the ephemeral presence of one connection. Identity fields are
// always taken from the connection's credential.
type Awareness struct {
	UserID  string `json:"userId,omitempty"`
	Name    string `json:"name"`
	Role    string `json:"role"`
	Color   string `json:"color,omitempty"`
	Section string `json:"section,omitempty"`
}

// SaveNotice tells peers that someone committed the note.
type SaveNotice struct {
	UserID string    `json:"userId"`
	Name   string    `json:"name"`
	At     time.Time `json:"at"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Message is the session wire envelope. Update carries an encoded crdt
// fragment (base64 in JSON).
type Message struct {
	Type      MessageType `json:"type"`
	Update    []byte      `json:"update,omitempty"`
	Awareness *Awareness  `json:"awareness,omitempty"`
	ClientID  string      `json:"clientId,omitempty"`
	Notice    *SaveNotice `json:"notice,omitempty"`
	Summary   string      `json:"summary,omitempty"`
	Version   int         `json:"version,omitempty"`
	Deferred  bool        `json:"deferred,omitempty"`
	Error     *ErrorBody  `json:"error,omitempty"`
}

type relayKind string

const (
	relayMessage      relayKind = "message"
	relayStateRequest relayKind = "state-request"
	relayState        relayKind = "state"
)

type relayEnvelope struct {
	Origin  string    `json:"origin"`
	Kind    relayKind `json:"kind"`
	Message Message   `json:"message"`
}

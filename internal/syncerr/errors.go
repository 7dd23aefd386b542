// Package syncerr defines the typed failures surfaced by the note sync engine.
package syncerr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindAuth           Kind = "AUTH_ERROR"
	KindAccessDenied   Kind = "ACCESS_DENIED"
	KindProtocol       Kind = "PROTOCOL_ERROR"
	KindPersistence    Kind = "PERSISTENCE_ERROR"
	KindCorruptedState Kind = "CORRUPTED_STATE"
	KindSnapshot       Kind = "SNAPSHOT_ERROR"
)

// Error carries the failure kind plus the operation and note it happened on.
type Error struct {
	Kind   Kind
	Op     string
	NoteID string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.NoteID != "" {
		msg += fmt.Sprintf(" note=%s", e.NoteID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so callers can test against the
// package-level sentinels.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind && other.Op == "" && other.NoteID == "" && other.Err == nil
}

var (
	ErrAuth           = &Error{Kind: KindAuth}
	ErrAccessDenied   = &Error{Kind: KindAccessDenied}
	ErrProtocol       = &Error{Kind: KindProtocol}
	ErrPersistence    = &Error{Kind: KindPersistence}
	ErrCorruptedState = &Error{Kind: KindCorruptedState}
	ErrSnapshot       = &Error{Kind: KindSnapshot}
)

func New(kind Kind, op, noteID string, err error) *Error {
	return &Error{Kind: kind, Op: op, NoteID: noteID, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

package store

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// ErrVersionTooSoon is returned by AppendVersion when the note's latest
// version is younger than NewVersion.MinInterval.
var ErrVersionTooSoon = errors.New("version window still closed")

type Profile struct {
	ID          string
	ClinicID    string
	DisplayName string
	Role        string
}

type Note struct {
	ID        string
	ClinicID  string
	Title     string
	UpdatedAt time.Time
}

// Version is one immutable row of a note's history.
type Version struct {
	ID              string
	NoteID          string
	Number          int
	DocSnapshot     []byte
	ContentSnapshot json.RawMessage
	ContentText     string
	ChangedBy       string
	ChangedByName   string
	ChangeSummary   string
	CreatedAt       time.Time
}

// NewVersion is the input to AppendVersion; the store assigns the number.
type NewVersion struct {
	ID              string
	NoteID          string
	DocSnapshot     []byte
	ContentSnapshot json.RawMessage
	ContentText     string
	ChangedBy       string
	ChangedByName   string
	ChangeSummary   string
	CreatedAt       time.Time
	// MinInterval, when set, refuses the append if the latest version is
	// younger than this at CreatedAt.
	MinInterval time.Duration
}

package storage

import (
	"context"
	"encoding/json"
	"time"
)

// Baseline is the note content a client compares against before a manual
// save.
type Baseline struct {
	Text       string          `json:"text"`
	Content    json.RawMessage `json:"content,omitempty"`
	CapturedAt time.Time       `json:"capturedAt"`
}

// BaselineStorage persists baselines on the client between sessions.
type BaselineStorage interface {
	// GetBaseline returns ErrBaselineNotFound when nothing is cached.
	GetBaseline(ctx context.Context, noteID string) (Baseline, error)
	SaveBaseline(ctx context.Context, noteID string, b Baseline) error
	DeleteBaseline(ctx context.Context, noteID string) error
}

// Package baseline tracks the note content a client last agreed with, so a
// manual save can show what changed since.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"carenote/api/internal/client/storage"
	"carenote/api/internal/richtext"
)

// MaxAge bounds how long a cached baseline is trusted.
const MaxAge = 24 * time.Hour

// Tracker holds one note's baseline for the lifetime of an editor.
type Tracker struct {
	noteID string
	cache  storage.BaselineStorage
	logger *slog.Logger
	now    func() time.Time
	maxAge time.Duration

	mu      sync.Mutex
	current *storage.Baseline
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

func NewTracker(noteID string, cache storage.BaselineStorage, opts ...Option) *Tracker {
	t := &Tracker{
		noteID: noteID,
		cache:  cache,
		logger: slog.Default(),
		now:    time.Now,
		maxAge: MaxAge,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Current returns the baseline in effect, if one was captured or restored.
func (t *Tracker) Current() (storage.Baseline, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return storage.Baseline{}, false
	}
	return *t.current, true
}

// OnSynced is called when the local replica reports synced. The first call
// restores a cached baseline younger than MaxAge or captures text; later
// calls (reconnects) keep the baseline already in effect.
func (t *Tracker) OnSynced(ctx context.Context, text string) (storage.Baseline, error) {
	t.mu.Lock()
	if t.current != nil {
		b := *t.current
		t.mu.Unlock()
		return b, nil
	}
	t.mu.Unlock()

	cached, err := t.cache.GetBaseline(ctx, t.noteID)
	switch {
	case err == nil:
		age := t.now().Sub(cached.CapturedAt)
		if age < t.maxAge {
			t.mu.Lock()
			defer t.mu.Unlock()
			if t.current == nil {
				t.current = &cached
			}
			return *t.current, nil
		}
		t.logger.Info("discarding stale baseline", "note_id", t.noteID, "age", age.String())
		if err := t.cache.DeleteBaseline(ctx, t.noteID); err != nil {
			t.logger.Warn("delete stale baseline failed", "note_id", t.noteID, "error", err)
		}
	case errors.Is(err, storage.ErrBaselineNotFound):
	default:
		t.logger.Warn("read cached baseline failed", "note_id", t.noteID, "error", err)
	}
	return t.Reset(ctx, text)
}

// Reset captures text as the new baseline and caches it. It is used after a
// successful commit and when the user accepts a peer's save notice.
func (t *Tracker) Reset(ctx context.Context, text string) (storage.Baseline, error) {
	content, err := richtext.Marshal(richtext.FromText(text))
	if err != nil {
		return storage.Baseline{}, err
	}
	b := storage.Baseline{Text: text, Content: content, CapturedAt: t.now()}

	t.mu.Lock()
	t.current = &b
	t.mu.Unlock()

	if err := t.cache.SaveBaseline(ctx, t.noteID, b); err != nil {
		return b, fmt.Errorf("cache baseline: %w", err)
	}
	return b, nil
}

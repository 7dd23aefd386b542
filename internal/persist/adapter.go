// Package persist loads and saves the durable state of care notes.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"carenote/api/internal/crdt"
	"carenote/api/internal/store"
	"carenote/api/internal/syncerr"
)

var (
	saveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carenote_state_save_total",
		Help: "Durable state saves by result",
	}, []string{"result"})

	saveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "carenote_state_save_duration_seconds",
		Help:    "Durable state save latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	loadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carenote_state_load_total",
		Help: "Durable state loads by outcome",
	}, []string{"outcome"})
)

type stateStore interface {
	LoadState(ctx context.Context, noteID string) ([]byte, error)
	SaveState(ctx context.Context, noteID string, state []byte) error
}

type LoadStatus int

const (
	// NoPriorState means the note has never been saved.
	NoPriorState LoadStatus = iota
	Found
	// Corrupted means stored bytes could not be decoded. Callers treat it as
	// NoPriorState and overwrite the store with clean state.
	Corrupted
)

func (s LoadStatus) String() string {
	switch s {
	case Found:
		return "found"
	case Corrupted:
		return "corrupted"
	default:
		return "empty"
	}
}

type LoadResult struct {
	Status LoadStatus
	State  []byte
	Update crdt.Update
}

type Adapter struct {
	store   stateStore
	logger  *slog.Logger
	timeout time.Duration
}

func New(store stateStore, logger *slog.Logger, timeout time.Duration) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Adapter{store: store, logger: logger, timeout: timeout}
}

// Load reads the note's durable state. Undecodable bytes are reported as
// Corrupted, never as an error.
func (a *Adapter) Load(ctx context.Context, noteID string) (LoadResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	state, err := a.store.LoadState(ctx, noteID)
	if err != nil {
		loadTotal.WithLabelValues("error").Inc()
		if errors.Is(err, store.ErrNotFound) {
			return LoadResult{}, syncerr.New(syncerr.KindPersistence, "load", noteID, fmt.Errorf("care note: %w", err))
		}
		return LoadResult{}, syncerr.New(syncerr.KindPersistence, "load", noteID, err)
	}
	if len(state) == 0 {
		loadTotal.WithLabelValues(NoPriorState.String()).Inc()
		return LoadResult{Status: NoPriorState}, nil
	}

	update, err := crdt.Decode(state)
	if err != nil {
		loadTotal.WithLabelValues(Corrupted.String()).Inc()
		a.logger.Warn("discarding undecodable note state",
			"note_id", noteID,
			"bytes", len(state),
			"error", syncerr.New(syncerr.KindCorruptedState, "load", noteID, err).Error(),
		)
		return LoadResult{Status: Corrupted}, nil
	}
	loadTotal.WithLabelValues(Found.String()).Inc()
	return LoadResult{Status: Found, State: state, Update: update}, nil
}

// Save overwrites the note's durable state. Failures are logged and returned;
// the caller retries on its next scheduled flush.
func (a *Adapter) Save(ctx context.Context, noteID string, state []byte) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	err := a.store.SaveState(ctx, noteID, state)
	saveDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		saveTotal.WithLabelValues("error").Inc()
		a.logger.Error("save note state failed", "note_id", noteID, "bytes", len(state), "error", err)
		return syncerr.New(syncerr.KindPersistence, "save", noteID, err)
	}
	saveTotal.WithLabelValues("ok").Inc()
	return nil
}

// Merge folds incoming into the stored state and saves the result. It backs
// the direct persistence path used while the live session is unavailable.
func (a *Adapter) Merge(ctx context.Context, noteID string, incoming []byte) ([]byte, error) {
	update, err := crdt.Decode(incoming)
	if err != nil {
		return nil, syncerr.New(syncerr.KindProtocol, "merge", noteID, err)
	}
	current, err := a.Load(ctx, noteID)
	if err != nil {
		return nil, err
	}
	doc := crdt.NewDoc("direct")
	doc.Apply(current.Update)
	doc.Apply(update)
	merged := doc.EncodeState()
	if err := a.Save(ctx, noteID, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// Package versions records the append-only history of care notes.
package versions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"carenote/api/internal/crdt"
	"carenote/api/internal/richtext"
	"carenote/api/internal/store"
	"carenote/api/internal/syncerr"
	"carenote/api/internal/util"
)

// Placeholder stands in for content that could not be extracted.
const Placeholder = "[content unavailable]"

var (
	snapshotTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carenote_version_snapshot_total",
		Help: "Version snapshots by result",
	}, []string{"result"})

	extractFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carenote_version_extract_failures_total",
		Help: "Snapshots stored with placeholder content",
	})
)

type versionStore interface {
	AppendVersion(ctx context.Context, in store.NewVersion) (store.Version, error)
	ListVersions(ctx context.Context, noteID string) ([]store.Version, error)
	GetVersion(ctx context.Context, noteID, versionID string) (store.Version, error)
	LatestVersion(ctx context.Context, noteID string) (store.Version, error)
}

// Archiver mirrors version snapshots to secondary storage.
type Archiver interface {
	Put(ctx context.Context, noteID string, number int, snapshot []byte) error
}

// Extractor derives display content from a binary state.
type Extractor func(state []byte) (text string, content json.RawMessage, err error)

type Author struct {
	ID   string
	Name string
}

var SystemAuthor = Author{ID: "system", Name: "System"}

// Snapshot is the input to Record.
type Snapshot struct {
	NoteID  string
	State   []byte
	Author  Author
	Summary string
	At      time.Time
}

type Service struct {
	store    versionStore
	archive  Archiver
	extract  Extractor
	logger   *slog.Logger
	interval time.Duration
}

type Option func(*Service)

func WithArchive(a Archiver) Option {
	return func(s *Service) { s.archive = a }
}

func WithExtractor(fn Extractor) Option {
	return func(s *Service) { s.extract = fn }
}

func New(store versionStore, logger *slog.Logger, interval time.Duration, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s := &Service{
		store:    store,
		extract:  ExtractState,
		logger:   logger,
		interval: interval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Interval() time.Duration {
	return s.interval
}

// ExtractState decodes a binary state into plain text and structured content.
func ExtractState(state []byte) (string, json.RawMessage, error) {
	doc, err := crdt.FromState("extract", state)
	if err != nil {
		return "", nil, err
	}
	text := doc.Text()
	content, err := richtext.Marshal(richtext.FromText(text))
	if err != nil {
		return "", nil, err
	}
	return text, content, nil
}

// NewThrottle creates the per-note throttle, seeded from the latest stored
// version so the window holds across room teardown and restarts.
func (s *Service) NewThrottle(ctx context.Context, noteID string) *Throttle {
	t := &Throttle{interval: s.interval}
	latest, err := s.store.LatestVersion(ctx, noteID)
	switch {
	case err == nil:
		t.last = latest.CreatedAt
	case errors.Is(err, store.ErrNotFound):
	default:
		s.logger.Warn("seed snapshot throttle failed", "note_id", noteID, "error", err)
	}
	return t
}

// Record appends a version. Extraction failure stores the placeholder
// instead; the snapshot itself still happens.
func (s *Service) Record(ctx context.Context, snap Snapshot) (store.Version, error) {
	return s.record(ctx, snap, 0)
}

func (s *Service) record(ctx context.Context, snap Snapshot, window time.Duration) (store.Version, error) {
	author := snap.Author
	if strings.TrimSpace(author.ID) == "" {
		author = SystemAuthor
	}
	at := snap.At
	if at.IsZero() {
		at = time.Now()
	}

	text, content, err := s.extract(snap.State)
	if err != nil {
		extractFailures.Inc()
		s.logger.Warn("version content extraction failed", "note_id", snap.NoteID, "error", err)
		text = Placeholder
		content, _ = richtext.Marshal(richtext.FromText(Placeholder))
	}

	version, err := s.store.AppendVersion(ctx, store.NewVersion{
		ID:              util.NewID("ver"),
		NoteID:          snap.NoteID,
		DocSnapshot:     snap.State,
		ContentSnapshot: content,
		ContentText:     text,
		ChangedBy:       author.ID,
		ChangedByName:   author.Name,
		ChangeSummary:   snap.Summary,
		CreatedAt:       at,
		MinInterval:     window,
	})
	if errors.Is(err, store.ErrVersionTooSoon) {
		s.logger.Debug("version window closed in store", "note_id", snap.NoteID)
		return store.Version{}, err
	}
	if err != nil {
		snapshotTotal.WithLabelValues("error").Inc()
		s.logger.Error("record version failed", "note_id", snap.NoteID, "error", err)
		return store.Version{}, syncerr.New(syncerr.KindSnapshot, "record", snap.NoteID, err)
	}
	snapshotTotal.WithLabelValues("ok").Inc()
	s.logger.Info("version recorded",
		"note_id", snap.NoteID,
		"version", version.Number,
		"changed_by", author.ID,
		"summary", snap.Summary,
	)

	if s.archive != nil {
		if err := s.archive.Put(ctx, snap.NoteID, version.Number, snap.State); err != nil {
			s.logger.Warn("archive version failed", "note_id", snap.NoteID, "version", version.Number, "error", err)
		}
	}
	return version, nil
}

// MaybeRecord records a snapshot if the throttle allows one at snap.At. The
// store enforces the same window, so another instance's snapshot closes it
// too; the throttle is then moved to that snapshot. The throttle only
// advances on success so a failed snapshot is retried on the next flush.
func (s *Service) MaybeRecord(ctx context.Context, t *Throttle, snap Snapshot) (store.Version, bool, error) {
	if snap.At.IsZero() {
		snap.At = time.Now()
	}
	if !t.Allow(snap.At) {
		return store.Version{}, false, nil
	}
	version, err := s.record(ctx, snap, s.interval)
	if errors.Is(err, store.ErrVersionTooSoon) {
		if latest, lerr := s.store.LatestVersion(ctx, snap.NoteID); lerr == nil {
			t.Mark(latest.CreatedAt)
		} else {
			t.Mark(snap.At)
		}
		return store.Version{}, false, nil
	}
	if err != nil {
		return store.Version{}, false, err
	}
	t.Mark(snap.At)
	return version, true, nil
}

func (s *Service) List(ctx context.Context, noteID string) ([]store.Version, error) {
	versions, err := s.store.ListVersions(ctx, noteID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return versions, nil
}

func (s *Service) Get(ctx context.Context, noteID, versionID string) (store.Version, error) {
	version, err := s.store.GetVersion(ctx, noteID, versionID)
	if err != nil {
		return store.Version{}, fmt.Errorf("get version: %w", err)
	}
	return version, nil
}

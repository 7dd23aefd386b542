package reconcile

import (
	"context"
	"errors"
	"fmt"

	"carenote/api/internal/client/storage"
	"carenote/api/internal/collab"
)

// Document is the live note as the editor sees it.
type Document interface {
	Text() string
	Replace(ctx context.Context, text string) error
	Commit(ctx context.Context, summary string) (collab.CommitResult, error)
}

type Baseline interface {
	Current() (storage.Baseline, bool)
	Reset(ctx context.Context, text string) (storage.Baseline, error)
}

var ErrNoBaseline = errors.New("no baseline captured yet")

type Result struct {
	Mode     Mode   `json:"mode"`
	Text     string `json:"text"`
	Version  int    `json:"version,omitempty"`
	Deferred bool   `json:"deferred,omitempty"`
}

// Saver runs the manual save flow for one note.
type Saver struct {
	doc      Document
	baseline Baseline
}

func NewSaver(doc Document, baseline Baseline) *Saver {
	return &Saver{doc: doc, baseline: baseline}
}

// Prepare diffs the live document against the baseline.
func (s *Saver) Prepare() (Plan, error) {
	b, ok := s.baseline.Current()
	if !ok {
		return Plan{}, ErrNoBaseline
	}
	return Prepare(b.Text, s.doc.Text()), nil
}

// CommitFull commits the document as it is.
func (s *Saver) CommitFull(ctx context.Context, plan Plan, summary string) (Result, error) {
	if plan.Mode == NothingToSave {
		return Result{Mode: NothingToSave, Text: plan.Current}, nil
	}
	return s.commit(ctx, Full, s.doc.Text(), summary)
}

// CommitSelective replaces the document with the baseline plus the selected
// additions and commits that. Unselected additions are removed from the
// note for every connected client.
func (s *Saver) CommitSelective(ctx context.Context, plan Plan, selected []int, summary string) (Result, error) {
	if plan.Mode == NothingToSave {
		return Result{Mode: NothingToSave, Text: plan.Current}, nil
	}
	text, err := plan.Compose(selected)
	if err != nil {
		return Result{}, err
	}
	if err := s.doc.Replace(ctx, text); err != nil {
		return Result{}, fmt.Errorf("replace note content: %w", err)
	}
	return s.commit(ctx, Selective, text, summary)
}

func (s *Saver) commit(ctx context.Context, mode Mode, text, summary string) (Result, error) {
	res, err := s.doc.Commit(ctx, summary)
	if err != nil {
		return Result{}, fmt.Errorf("commit note: %w", err)
	}
	if _, err := s.baseline.Reset(ctx, text); err != nil {
		// The commit went through; only the local cache is stale.
		return Result{Mode: mode, Text: text, Version: res.Version, Deferred: res.Deferred}, err
	}
	return Result{Mode: mode, Text: text, Version: res.Version, Deferred: res.Deferred}, nil
}

package api

import (
	"context"

	"carenote/api/internal/client/fallback"
	"carenote/api/internal/collab"
	"carenote/api/internal/crdt"
)

// DirectDocument edits the replica and commits through the fallback
// controller while the live session is down. Direct saves record no version.
type DirectDocument struct {
	replica *Replica
	ctrl    *fallback.Controller
}

func NewDirectDocument(replica *Replica, ctrl *fallback.Controller) *DirectDocument {
	return &DirectDocument{replica: replica, ctrl: ctrl}
}

func (d *DirectDocument) Text() string {
	return d.replica.Text()
}

func (d *DirectDocument) Replace(_ context.Context, text string) error {
	d.replica.Edit(func(doc *crdt.Doc) crdt.Update { return doc.Replace(text) })
	return nil
}

// Commit writes the replica straight to durable storage. The summary is
// dropped since no version is recorded.
func (d *DirectDocument) Commit(ctx context.Context, _ string) (collab.CommitResult, error) {
	if err := d.ctrl.Save(ctx); err != nil {
		return collab.CommitResult{}, err
	}
	return collab.CommitResult{}, nil
}

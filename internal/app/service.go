package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"carenote/api/internal/collab"
	"carenote/api/internal/config"
	"carenote/api/internal/crdt"
	"carenote/api/internal/gate"
	"carenote/api/internal/persist"
	"carenote/api/internal/richtext"
	"carenote/api/internal/store"
	"carenote/api/internal/syncerr"
	"carenote/api/internal/versions"
)

type noteGate interface {
	Authenticate(ctx context.Context, token, session string) (gate.AuthContext, error)
	AuthorizeNote(ctx context.Context, token, noteID string) (gate.AuthContext, error)
}

type statePersister interface {
	Load(ctx context.Context, noteID string) (persist.LoadResult, error)
	Merge(ctx context.Context, noteID string, incoming []byte) ([]byte, error)
}

type noteHistory interface {
	List(ctx context.Context, noteID string) ([]store.Version, error)
	Get(ctx context.Context, noteID, versionID string) (store.Version, error)
}

type sessionManager interface {
	Open(ctx context.Context, authn collab.Authenticator, token, session string) (*collab.Conn, error)
	Edit(ctx context.Context, noteID string, author versions.Author, fn func(doc *crdt.Doc) crdt.Update, summary string) (collab.CommitResult, error)
	Rooms() int
}

type pinger interface {
	Ping(ctx context.Context) error
}

type Service struct {
	cfg      config.Config
	gate     noteGate
	persist  statePersister
	versions noteHistory
	sessions sessionManager
	db       pinger
	logger   *slog.Logger
}

type Deps struct {
	Gate     noteGate
	Persist  statePersister
	Versions noteHistory
	Sessions sessionManager
	DB       pinger
	Logger   *slog.Logger
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		gate:     deps.Gate,
		persist:  deps.Persist,
		versions: deps.Versions,
		sessions: deps.Sessions,
		db:       deps.DB,
		logger:   logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.Ping(ctx)
}

// OpenSession runs the live session handshake for a websocket client.
func (s *Service) OpenSession(ctx context.Context, token, session string) (*collab.Conn, error) {
	return s.sessions.Open(ctx, s.gate, token, session)
}

type NoteState struct {
	NoteID string `json:"noteId"`
	Status string `json:"status"`
	State  []byte `json:"state"`
}

// NoteState reads the durable state directly, bypassing the live session.
func (s *Service) NoteState(ctx context.Context, token, noteID string) (NoteState, error) {
	if _, err := s.gate.AuthorizeNote(ctx, token, noteID); err != nil {
		return NoteState{}, err
	}
	res, err := s.persist.Load(ctx, noteID)
	if err != nil {
		return NoteState{}, err
	}
	return NoteState{NoteID: noteID, Status: res.Status.String(), State: res.State}, nil
}

// SaveNoteState merges a client's full state into the durable state. It is
// the degraded path used when the live session is unavailable.
func (s *Service) SaveNoteState(ctx context.Context, token, noteID string, state []byte) (NoteState, error) {
	ac, err := s.gate.AuthorizeNote(ctx, token, noteID)
	if err != nil {
		return NoteState{}, err
	}
	if !ac.CanWrite() {
		return NoteState{}, domainError(syncerr.KindAccessDenied, "FORBIDDEN", "Role cannot edit notes", map[string]any{"role": ac.Role})
	}
	if len(state) == 0 {
		return NoteState{}, domainError(syncerr.KindProtocol, "VALIDATION_ERROR", "state is required", nil)
	}
	// A client that hangs up mid-save must not leave the merge half done.
	merged, err := s.persist.Merge(context.WithoutCancel(ctx), noteID, state)
	if err != nil {
		return NoteState{}, err
	}
	s.logger.Info("direct note save", "note_id", noteID, "user_id", ac.UserID, "bytes", len(merged))
	return NoteState{NoteID: noteID, Status: persist.Found.String(), State: merged}, nil
}

type VersionSummary struct {
	ID            string    `json:"id"`
	Number        int       `json:"number"`
	ChangedBy     string    `json:"changedBy"`
	ChangedByName string    `json:"changedByName"`
	ChangeSummary string    `json:"changeSummary"`
	CreatedAt     time.Time `json:"createdAt"`
}

type VersionDetail struct {
	VersionSummary
	Text    string          `json:"text"`
	Content json.RawMessage `json:"content,omitempty"`
	HTML    string          `json:"html"`
}

func summarize(v store.Version) VersionSummary {
	return VersionSummary{
		ID:            v.ID,
		Number:        v.Number,
		ChangedBy:     v.ChangedBy,
		ChangedByName: v.ChangedByName,
		ChangeSummary: v.ChangeSummary,
		CreatedAt:     v.CreatedAt,
	}
}

func (s *Service) ListVersions(ctx context.Context, token, noteID string) ([]VersionSummary, error) {
	if _, err := s.gate.AuthorizeNote(ctx, token, noteID); err != nil {
		return nil, err
	}
	items, err := s.versions.List(ctx, noteID)
	if err != nil {
		return nil, err
	}
	out := make([]VersionSummary, 0, len(items))
	for _, v := range items {
		out = append(out, summarize(v))
	}
	return out, nil
}

func (s *Service) GetVersion(ctx context.Context, token, noteID, versionID string) (VersionDetail, error) {
	if _, err := s.gate.AuthorizeNote(ctx, token, noteID); err != nil {
		return VersionDetail{}, err
	}
	v, err := s.versions.Get(ctx, noteID, versionID)
	if err != nil {
		return VersionDetail{}, err
	}
	detail := VersionDetail{VersionSummary: summarize(v), Text: v.ContentText, Content: v.ContentSnapshot}
	node, err := richtext.Parse(v.ContentSnapshot)
	if err != nil || len(v.ContentSnapshot) == 0 {
		node = richtext.FromText(v.ContentText)
	}
	detail.HTML = richtext.HTML(node)
	return detail, nil
}

// RevertVersion replaces the live note content with a stored version's text
// and records the result as a new version.
func (s *Service) RevertVersion(ctx context.Context, token, noteID, versionID string) (collab.CommitResult, error) {
	ac, err := s.gate.AuthorizeNote(ctx, token, noteID)
	if err != nil {
		return collab.CommitResult{}, err
	}
	if !ac.CanWrite() {
		return collab.CommitResult{}, domainError(syncerr.KindAccessDenied, "FORBIDDEN", "Role cannot edit notes", map[string]any{"role": ac.Role})
	}
	v, err := s.versions.Get(ctx, noteID, versionID)
	if err != nil {
		return collab.CommitResult{}, err
	}
	text := v.ContentText
	if doc, err := crdt.FromState("revert", v.DocSnapshot); err == nil {
		text = doc.Text()
	} else if text == versions.Placeholder {
		return collab.CommitResult{}, domainError(syncerr.KindCorruptedState, "VERSION_UNREADABLE", "Version content cannot be restored", map[string]any{"version": v.Number})
	}

	author := versions.Author{ID: ac.UserID, Name: ac.Name}
	res, err := s.sessions.Edit(context.WithoutCancel(ctx), noteID, author, func(doc *crdt.Doc) crdt.Update {
		return doc.Replace(text)
	}, fmt.Sprintf("Reverted to version %d", v.Number))
	if err != nil {
		return collab.CommitResult{}, err
	}
	s.logger.Info("note reverted", "note_id", noteID, "from_version", v.Number, "version", res.Version, "user_id", ac.UserID)
	return res, nil
}

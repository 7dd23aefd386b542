// Package gate authenticates session handshakes and confirms tenant scope.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"carenote/api/internal/auth"
	"carenote/api/internal/rbac"
	"carenote/api/internal/store"
	"carenote/api/internal/syncerr"
)

// TenantResolver is the read contract of the access-control store.
type TenantResolver interface {
	IdentityTenant(ctx context.Context, userID string) (string, error)
	NoteTenant(ctx context.Context, noteID string) (string, error)
}

// AuthContext is bound to one connection for its lifetime. It is returned by
// value and never mutated after the handshake.
type AuthContext struct {
	UserID   string
	Name     string
	Role     rbac.Role
	TenantID string
	NoteID   string
	Session  string
}

func (a AuthContext) CanWrite() bool {
	return rbac.Can(a.Role, rbac.ActionWrite)
}

type Gate struct {
	secret    []byte
	issuer    string
	namespace string
	tenants   TenantResolver
	timeout   time.Duration
}

func New(secret []byte, issuer, namespace string, tenants TenantResolver, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Gate{
		secret:    secret,
		issuer:    issuer,
		namespace: namespace,
		tenants:   tenants,
		timeout:   timeout,
	}
}

func (g *Gate) Namespace() string {
	return g.namespace
}

// SessionName returns the session identifier clients use for noteID.
func (g *Gate) SessionName(noteID string) string {
	return g.namespace + ":" + noteID
}

// ParseSessionName splits "<namespace>:<noteId>". The note id must be a
// non-empty token without separators or whitespace.
func ParseSessionName(name string) (namespace, noteID string, err error) {
	namespace, noteID, ok := strings.Cut(name, ":")
	if !ok || namespace == "" || noteID == "" {
		return "", "", syncerr.New(syncerr.KindProtocol, "parse session", "", fmt.Errorf("malformed session name %q", name))
	}
	if !validNoteID(noteID) {
		return "", "", syncerr.New(syncerr.KindProtocol, "parse session", "", fmt.Errorf("malformed note id %q", noteID))
	}
	return namespace, noteID, nil
}

func validNoteID(id string) bool {
	if len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// Authenticate verifies the bearer credential for a session handshake and
// checks that the caller belongs to the note's tenant.
func (g *Gate) Authenticate(ctx context.Context, token, session string) (AuthContext, error) {
	claims, err := g.verify(token)
	if err != nil {
		return AuthContext{}, err
	}
	namespace, noteID, err := ParseSessionName(session)
	if err != nil {
		return AuthContext{}, err
	}
	if namespace != g.namespace {
		return AuthContext{}, syncerr.New(syncerr.KindProtocol, "authenticate", noteID, fmt.Errorf("unknown namespace %q", namespace))
	}
	return g.scope(ctx, claims, noteID, session)
}

// AuthorizeNote applies the same checks to a direct REST call on noteID.
func (g *Gate) AuthorizeNote(ctx context.Context, token, noteID string) (AuthContext, error) {
	return g.Authenticate(ctx, token, g.SessionName(noteID))
}

func (g *Gate) verify(token string) (auth.Claims, error) {
	if strings.TrimSpace(token) == "" {
		return auth.Claims{}, syncerr.New(syncerr.KindAuth, "authenticate", "", errors.New("missing bearer credential"))
	}
	claims, err := auth.ParseToken(g.secret, g.issuer, token)
	if err != nil {
		return auth.Claims{}, syncerr.New(syncerr.KindAuth, "authenticate", "", err)
	}
	return claims, nil
}

func (g *Gate) scope(ctx context.Context, claims auth.Claims, noteID, session string) (AuthContext, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var identityTenant, noteTenant string
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		tenant, err := g.tenants.IdentityTenant(groupCtx, claims.Sub)
		if err != nil {
			return fmt.Errorf("resolve identity tenant: %w", err)
		}
		identityTenant = tenant
		return nil
	})
	group.Go(func() error {
		tenant, err := g.tenants.NoteTenant(groupCtx, noteID)
		if err != nil {
			return fmt.Errorf("resolve note tenant: %w", err)
		}
		noteTenant = tenant
		return nil
	})
	if err := group.Wait(); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return AuthContext{}, syncerr.New(syncerr.KindAccessDenied, "authenticate", noteID, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return AuthContext{}, syncerr.New(syncerr.KindAuth, "authenticate", noteID, fmt.Errorf("tenant resolution timed out: %w", err))
		}
		return AuthContext{}, syncerr.New(syncerr.KindPersistence, "authenticate", noteID, err)
	}
	if identityTenant == "" || identityTenant != noteTenant {
		return AuthContext{}, syncerr.New(syncerr.KindAccessDenied, "authenticate", noteID, errors.New("tenant mismatch"))
	}

	return AuthContext{
		UserID:   claims.Sub,
		Name:     claims.Name,
		Role:     rbac.Normalize(claims.Role),
		TenantID: identityTenant,
		NoteID:   noteID,
		Session:  session,
	}, nil
}

package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"carenote/api/internal/auth"
	"carenote/api/internal/rbac"
	"carenote/api/internal/store"
	"carenote/api/internal/syncerr"
)

var testSecret = []byte("gate-test-secret")

type fakeTenants struct {
	identityTenantFn func(ctx context.Context, userID string) (string, error)
	noteTenantFn     func(ctx context.Context, noteID string) (string, error)
}

func (f fakeTenants) IdentityTenant(ctx context.Context, userID string) (string, error) {
	return f.identityTenantFn(ctx, userID)
}

func (f fakeTenants) NoteTenant(ctx context.Context, noteID string) (string, error) {
	return f.noteTenantFn(ctx, noteID)
}

func sameClinic(clinic string) fakeTenants {
	return fakeTenants{
		identityTenantFn: func(context.Context, string) (string, error) { return clinic, nil },
		noteTenantFn:     func(context.Context, string) (string, error) { return clinic, nil },
	}
}

func issue(t *testing.T, role string, exp time.Time) string {
	t.Helper()
	token, err := auth.IssueToken(testSecret, "carenote", auth.Claims{Sub: "u-1", Name: "Dr Avery", Role: role, Exp: exp.Unix()})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}

func TestParseSessionName(t *testing.T) {
	ns, note, err := ParseSessionName("care-note:n1")
	if err != nil {
		t.Fatalf("ParseSessionName() error = %v", err)
	}
	if ns != "care-note" || note != "n1" {
		t.Fatalf("got %q %q", ns, note)
	}
	for _, bad := range []string{"", "care-note", "care-note:", ":n1", "care-note:n 1", "care-note:a:b"} {
		if _, _, err := ParseSessionName(bad); !errors.Is(err, syncerr.ErrProtocol) {
			t.Fatalf("ParseSessionName(%q) error = %v, want protocol error", bad, err)
		}
	}
}

func TestAuthenticateReturnsContext(t *testing.T) {
	g := New(testSecret, "carenote", "care-note", sameClinic("clinic-a"), time.Second)
	ac, err := g.Authenticate(context.Background(), issue(t, "clinician", time.Now().Add(time.Hour)), "care-note:n1")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if ac.UserID != "u-1" || ac.NoteID != "n1" || ac.TenantID != "clinic-a" || ac.Role != rbac.RoleClinician {
		t.Fatalf("unexpected context: %+v", ac)
	}
	if !ac.CanWrite() {
		t.Fatal("clinician should be able to write")
	}
}

func TestAuthenticateRejectsBadCredential(t *testing.T) {
	g := New(testSecret, "carenote", "care-note", sameClinic("clinic-a"), time.Second)
	cases := []string{"", "not-a-token", issue(t, "clinician", time.Now().Add(-time.Minute))}
	for _, token := range cases {
		if _, err := g.Authenticate(context.Background(), token, "care-note:n1"); !errors.Is(err, syncerr.ErrAuth) {
			t.Fatalf("Authenticate(%q) error = %v, want auth error", token, err)
		}
	}
}

func TestAuthenticateRejectsMalformedSession(t *testing.T) {
	g := New(testSecret, "carenote", "care-note", sameClinic("clinic-a"), time.Second)
	token := issue(t, "clinician", time.Now().Add(time.Hour))
	if _, err := g.Authenticate(context.Background(), token, "care-note"); !errors.Is(err, syncerr.ErrProtocol) {
		t.Fatalf("error = %v, want protocol error", err)
	}
	if _, err := g.Authenticate(context.Background(), token, "other:n1"); !errors.Is(err, syncerr.ErrProtocol) {
		t.Fatalf("error = %v, want protocol error", err)
	}
}

func TestAuthenticateRejectsTenantMismatch(t *testing.T) {
	tenants := fakeTenants{
		identityTenantFn: func(context.Context, string) (string, error) { return "clinic-a", nil },
		noteTenantFn:     func(context.Context, string) (string, error) { return "clinic-b", nil },
	}
	g := New(testSecret, "carenote", "care-note", tenants, time.Second)
	_, err := g.Authenticate(context.Background(), issue(t, "clinician", time.Now().Add(time.Hour)), "care-note:n1")
	if !errors.Is(err, syncerr.ErrAccessDenied) {
		t.Fatalf("error = %v, want access denied", err)
	}
}

func TestAuthenticateUnknownNoteIsAccessDenied(t *testing.T) {
	tenants := fakeTenants{
		identityTenantFn: func(context.Context, string) (string, error) { return "clinic-a", nil },
		noteTenantFn:     func(context.Context, string) (string, error) { return "", store.ErrNotFound },
	}
	g := New(testSecret, "carenote", "care-note", tenants, time.Second)
	_, err := g.Authenticate(context.Background(), issue(t, "staff", time.Now().Add(time.Hour)), "care-note:n1")
	if !errors.Is(err, syncerr.ErrAccessDenied) {
		t.Fatalf("error = %v, want access denied", err)
	}
}

func TestAuthenticateTimesOut(t *testing.T) {
	tenants := fakeTenants{
		identityTenantFn: func(ctx context.Context, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
		noteTenantFn: func(context.Context, string) (string, error) { return "clinic-a", nil },
	}
	g := New(testSecret, "carenote", "care-note", tenants, 20*time.Millisecond)
	_, err := g.Authenticate(context.Background(), issue(t, "clinician", time.Now().Add(time.Hour)), "care-note:n1")
	if !errors.Is(err, syncerr.ErrAuth) {
		t.Fatalf("error = %v, want auth error on timeout", err)
	}
}

func TestPatientContextIsReadOnly(t *testing.T) {
	g := New(testSecret, "carenote", "care-note", sameClinic("clinic-a"), time.Second)
	ac, err := g.Authenticate(context.Background(), issue(t, "patient", time.Now().Add(time.Hour)), "care-note:n1")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if ac.CanWrite() {
		t.Fatal("patient must not write")
	}
}

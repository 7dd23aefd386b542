package syncerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorsMatchSentinelByKind(t *testing.T) {
	err := fmt.Errorf("save: %w", New(KindPersistence, "save", "n1", context.DeadlineExceeded))
	if !errors.Is(err, ErrPersistence) {
		t.Fatal("expected ErrPersistence match")
	}
	if errors.Is(err, ErrAuth) {
		t.Fatal("unexpected ErrAuth match")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("expected wrapped cause to stay reachable")
	}
	kind, ok := KindOf(err)
	if !ok || kind != KindPersistence {
		t.Fatalf("KindOf() = %q, %v", kind, ok)
	}
}

func TestErrorMessage(t *testing.T) {
	err := New(KindAccessDenied, "handshake", "n1", errors.New("tenant mismatch"))
	if got, want := err.Error(), "ACCESS_DENIED handshake note=n1: tenant mismatch"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

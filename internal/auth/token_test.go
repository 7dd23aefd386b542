package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, "carenote", Claims{
		Sub:  "user-1",
		Name: "Dr. Sarah Chen",
		Role: "clinician",
		JTI:  "jti-1",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, "carenote", issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Sub != "user-1" || claims.Name != "Dr. Sarah Chen" || claims.Role != "clinician" || claims.JTI != "jti-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, "", Claims{
		Sub:  "user-1",
		Name: "Avery",
		Role: "staff",
		JTI:  "jti-1",
		Exp:  time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken(secret, "", issued); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("ParseToken() error = %v, want ErrExpiredToken", err)
	}
}

func TestParseTokenRejectsWrongSecretAndIssuer(t *testing.T) {
	issued, err := IssueToken([]byte("secret"), "carenote", Claims{
		Sub:  "user-1",
		Name: "Avery",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken([]byte("other"), "carenote", issued); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong secret: error = %v, want ErrInvalidToken", err)
	}
	if _, err := ParseToken([]byte("secret"), "someone-else", issued); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong issuer: error = %v, want ErrInvalidToken", err)
	}
	if _, err := ParseToken([]byte("secret"), "carenote", "garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("garbage: error = %v, want ErrInvalidToken", err)
	}
}

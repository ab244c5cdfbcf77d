package auth

import (
	"context"
	"testing"
	"time"
)

func newTestIssuer(clock func() time.Time) *TokenIssuer {
	return NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "taskmirror",
		Audience:      "taskmirror-api",
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(func() time.Time { return now })

	token, expiresIn, err := issuer.IssueToken(context.Background(), "sync-trigger")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds: %d", expiresIn)
	}

	subject, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("failed to validate token: %v", err)
	}
	if subject != "sync-trigger" {
		t.Fatalf("unexpected subject %q", subject)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := issued
	issuer := newTestIssuer(func() time.Time { return current })

	token, _, err := issuer.IssueToken(context.Background(), "sync-trigger")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	current = issued.Add(31 * time.Minute)
	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestValidateRejectsForeignAudience(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	other := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "taskmirror",
		Audience:      "another-service",
		Clock:         clock,
	})
	token, _, err := other.IssueToken(context.Background(), "sync-trigger")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	if _, err := newTestIssuer(clock).ValidateToken(token); err == nil {
		t.Fatal("expected token for another audience to be rejected")
	}
}

func TestValidateRejectsTamperedSignature(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	foreign := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("a-different-secret"),
		Issuer:        "taskmirror",
		Audience:      "taskmirror-api",
		Clock:         clock,
	})
	token, _, err := foreign.IssueToken(context.Background(), "sync-trigger")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	if _, err := newTestIssuer(clock).ValidateToken(token); err == nil {
		t.Fatal("expected token signed with another secret to be rejected")
	}
}

func TestIssueTokenRequiresSubject(t *testing.T) {
	issuer := newTestIssuer(nil)
	if _, _, err := issuer.IssueToken(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty subject")
	}
}

package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSigningSecret = "test-signing-secret"
	testIssuer        = "timberline"
)

func newTestIssuer(t *testing.T, ttl time.Duration, clock func() time.Time) *KeyIssuer {
	t.Helper()
	issuer, err := NewKeyIssuer(KeyIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		TTL:           ttl,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func TestKeyIssuerRoundTrip(t *testing.T) {
	issuer := newTestIssuer(t, 0, nil)

	issued, err := issuer.Issue(context.Background(), "acme", "u-1")
	if err != nil {
		t.Fatalf("unexpected error issuing key: %v", err)
	}
	if issued.KeyID == "" {
		t.Fatalf("expected key id")
	}
	if !issued.ExpiresAt.IsZero() {
		t.Fatalf("expected key without expiry, got %v", issued.ExpiresAt)
	}

	claims, err := issuer.Parse(issued.Token)
	if err != nil {
		t.Fatalf("expected parse success: %v", err)
	}
	if claims.TenantID != "acme" || claims.Subject != "u-1" || claims.ID != issued.KeyID {
		t.Fatalf("unexpected claims %+v", claims)
	}

	if _, err := issuer.Parse("invalid.token.value"); err == nil {
		t.Fatalf("expected parse to fail for malformed token")
	}
}

func TestKeyIssuerRejectsForeignSecretAndIssuer(t *testing.T) {
	issuer := newTestIssuer(t, 0, nil)
	other, err := NewKeyIssuer(KeyIssuerConfig{SigningSecret: []byte("other-secret"), Issuer: testIssuer})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	forged, err := other.Issue(context.Background(), "acme", "u-1")
	if err != nil {
		t.Fatalf("unexpected error issuing key: %v", err)
	}
	if _, err := issuer.Parse(forged.Token); err == nil {
		t.Fatalf("expected signature mismatch")
	}

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, KeyClaims{
		TenantID: "acme",
		RegisteredClaims: jwt.RegisteredClaims{
			ID:      "key-1",
			Subject: "u-1",
			Issuer:  "someone-else",
		},
	})
	signed, err := foreign.SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	if _, err := issuer.Parse(signed); err == nil {
		t.Fatalf("expected issuer mismatch")
	}
}

func TestKeyIssuerHonoursTTL(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	current := now
	issuer := newTestIssuer(t, time.Hour, func() time.Time { return current })

	issued, err := issuer.Issue(context.Background(), "acme", "u-1")
	if err != nil {
		t.Fatalf("unexpected error issuing key: %v", err)
	}
	if !issued.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", issued.ExpiresAt)
	}

	current = now.Add(2 * time.Hour)
	if _, err := issuer.Parse(issued.Token); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestNewKeyIssuerRequiresSecretAndIssuer(t *testing.T) {
	if _, err := NewKeyIssuer(KeyIssuerConfig{Issuer: testIssuer}); !errors.Is(err, ErrMissingSigningSecret) {
		t.Fatalf("expected missing secret error, got %v", err)
	}
	if _, err := NewKeyIssuer(KeyIssuerConfig{SigningSecret: []byte("secret"), Issuer: " "}); !errors.Is(err, ErrMissingIssuer) {
		t.Fatalf("expected missing issuer error, got %v", err)
	}
}

func TestIssueRequiresTenantAndUser(t *testing.T) {
	issuer := newTestIssuer(t, 0, nil)
	if _, err := issuer.Issue(context.Background(), "", "u-1"); err == nil {
		t.Fatalf("expected error for missing tenant")
	}
	if _, err := issuer.Issue(context.Background(), "acme", " "); err == nil {
		t.Fatalf("expected error for missing user")
	}
}

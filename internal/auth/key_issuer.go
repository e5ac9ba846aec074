package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrMissingSigningSecret = errors.New("key issuer: signing secret required")
	ErrMissingIssuer        = errors.New("key issuer: issuer required")
	errMissingTenantClaim   = errors.New("key issuer: tenant claim required")
	errMissingSubjectClaim  = errors.New("key issuer: subject claim required")
	errMissingKeyIDClaim    = errors.New("key issuer: key id claim required")
)

// KeyClaims is the payload of an API key. Subject is the user id and ID the key id.
type KeyClaims struct {
	TenantID string `json:"tid"`
	jwt.RegisteredClaims
}

// IssuedKey is a signed API key together with its bookkeeping fields.
type IssuedKey struct {
	Token     string
	KeyID     string
	TenantID  string
	UserID    string
	ExpiresAt time.Time
}

// KeyIssuerConfig configures the API key signer.
type KeyIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	// TTL bounds key lifetime; zero issues keys that only expire by revocation.
	TTL   time.Duration
	Clock func() time.Time
}

// KeyIssuer signs and parses HS256 API keys.
type KeyIssuer struct {
	signingSecret []byte
	issuer        string
	ttl           time.Duration
	clock         func() time.Time
}

// NewKeyIssuer validates the configuration.
func NewKeyIssuer(cfg KeyIssuerConfig) (*KeyIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &KeyIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		ttl:           cfg.TTL,
		clock:         clock,
	}, nil
}

// Issue signs a new key for the user of the tenant.
func (i *KeyIssuer) Issue(_ context.Context, tenantID, userID string) (IssuedKey, error) {
	tenantID = strings.TrimSpace(tenantID)
	userID = strings.TrimSpace(userID)
	if tenantID == "" {
		return IssuedKey{}, errMissingTenantClaim
	}
	if userID == "" {
		return IssuedKey{}, errMissingSubjectClaim
	}

	now := i.clock().UTC()
	keyID := uuid.NewString()
	registered := jwt.RegisteredClaims{
		ID:       keyID,
		Subject:  userID,
		Issuer:   i.issuer,
		IssuedAt: jwt.NewNumericDate(now),
	}
	var expiresAt time.Time
	if i.ttl > 0 {
		expiresAt = now.Add(i.ttl)
		registered.ExpiresAt = jwt.NewNumericDate(expiresAt)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, KeyClaims{TenantID: tenantID, RegisteredClaims: registered})
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return IssuedKey{}, err
	}
	return IssuedKey{
		Token:     signed,
		KeyID:     keyID,
		TenantID:  tenantID,
		UserID:    userID,
		ExpiresAt: expiresAt,
	}, nil
}

// Parse verifies the signature, issuer and expiry of the key and returns its claims.
func (i *KeyIssuer) Parse(tokenString string) (KeyClaims, error) {
	claims := &KeyClaims{}
	parsed, err := jwt.ParseWithClaims(
		strings.TrimSpace(tokenString),
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm %s", t.Method.Alg())
			}
			return i.signingSecret, nil
		},
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return KeyClaims{}, err
	}
	if parsed == nil || !parsed.Valid {
		return KeyClaims{}, jwt.ErrTokenInvalidClaims
	}
	switch {
	case strings.TrimSpace(claims.TenantID) == "":
		return KeyClaims{}, errMissingTenantClaim
	case strings.TrimSpace(claims.Subject) == "":
		return KeyClaims{}, errMissingSubjectClaim
	case strings.TrimSpace(claims.ID) == "":
		return KeyClaims{}, errMissingKeyIDClaim
	}
	return *claims, nil
}

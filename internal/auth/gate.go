package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/timberline/internal/database"
	"github.com/MarcoPoloResearchLab/timberline/internal/keys"
	"github.com/MarcoPoloResearchLab/timberline/internal/records"
	"go.uber.org/zap"
)

var (
	// ErrInvalidKey indicates a malformed, forged or unknown API key.
	ErrInvalidKey = errors.New("auth: invalid api key")
	// ErrRevokedKey indicates a revoked key or a key of a deleted user.
	ErrRevokedKey = errors.New("auth: api key revoked")
	// ErrTenantUnknown indicates the key names a tenant without a store.
	ErrTenantUnknown = errors.New("auth: tenant unknown")

	errMissingKeyIssuer  = errors.New("auth gate: key issuer required")
	errMissingDirectory  = errors.New("auth gate: tenant directory required")
	errMissingRevocation = errors.New("auth gate: revocation checker required")
)

// Identity is the authenticated principal of a session.
type Identity struct {
	TenantID string
	UserID   string
	Name     string
	Role     records.Role
	LastEdit int64
	KeyID    string
}

// TenantDirectory resolves tenants and their users.
type TenantDirectory interface {
	TenantExists(tenantID string) bool
	LookupUser(ctx context.Context, tenantID, userID string) (*records.User, error)
}

// RevocationChecker reports whether an issued key was revoked.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, keyID string) (bool, error)
}

// GateConfig describes the dependencies of a Gate.
type GateConfig struct {
	Issuer      *KeyIssuer
	Directory   TenantDirectory
	Revocations RevocationChecker
	// AllowLegacyKeys accepts the unsigned "tenant-userId" key format.
	AllowLegacyKeys bool
	Logger          *zap.Logger
}

// Gate turns an API key into an Identity.
type Gate struct {
	issuer      *KeyIssuer
	directory   TenantDirectory
	revocations RevocationChecker
	allowLegacy bool
	logger      *zap.Logger
}

// NewGate validates the dependencies.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Issuer == nil {
		return nil, errMissingKeyIssuer
	}
	if cfg.Directory == nil {
		return nil, errMissingDirectory
	}
	if cfg.Revocations == nil {
		return nil, errMissingRevocation
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		issuer:      cfg.Issuer,
		directory:   cfg.Directory,
		revocations: cfg.Revocations,
		allowLegacy: cfg.AllowLegacyKeys,
		logger:      logger,
	}, nil
}

// Authenticate validates the key and resolves the user it belongs to.
func (g *Gate) Authenticate(ctx context.Context, apiKey string) (Identity, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return Identity{}, fmt.Errorf("%w: empty key", ErrInvalidKey)
	}

	var identity Identity
	if strings.Count(apiKey, ".") == 2 {
		claims, err := g.issuer.Parse(apiKey)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		revoked, err := g.revocations.IsRevoked(ctx, claims.ID)
		switch {
		case errors.Is(err, keys.ErrKeyNotFound):
			return Identity{}, fmt.Errorf("%w: unregistered key %s", ErrInvalidKey, claims.ID)
		case err != nil:
			return Identity{}, fmt.Errorf("%w: revocation lookup: %v", database.ErrStoreUnavailable, err)
		case revoked:
			return Identity{}, fmt.Errorf("%w: key %s", ErrRevokedKey, claims.ID)
		}
		identity = Identity{TenantID: claims.TenantID, UserID: claims.Subject, KeyID: claims.ID}
	} else {
		if !g.allowLegacy {
			return Identity{}, fmt.Errorf("%w: unsigned key", ErrInvalidKey)
		}
		tenantID, userID, err := ParseLegacyKey(apiKey)
		if err != nil {
			return Identity{}, err
		}
		identity = Identity{TenantID: tenantID, UserID: userID}
	}

	if !g.directory.TenantExists(identity.TenantID) {
		return Identity{}, fmt.Errorf("%w: %s", ErrTenantUnknown, identity.TenantID)
	}
	user, err := g.directory.LookupUser(ctx, identity.TenantID, identity.UserID)
	switch {
	case errors.Is(err, records.ErrEntityNotFound):
		return Identity{}, fmt.Errorf("%w: user %s", ErrInvalidKey, identity.UserID)
	case errors.Is(err, database.ErrTenantUnknown):
		return Identity{}, fmt.Errorf("%w: %s", ErrTenantUnknown, identity.TenantID)
	case err != nil:
		return Identity{}, err
	case bool(user.Deleted):
		return Identity{}, fmt.Errorf("%w: user %s is deleted", ErrRevokedKey, identity.UserID)
	}
	identity.Name = user.Name
	identity.Role = user.Role
	identity.LastEdit = user.LastEdit

	g.logger.Debug("api key authenticated",
		zap.String("tenant_id", identity.TenantID),
		zap.String("user_id", identity.UserID),
		zap.String("key_id", identity.KeyID))
	return identity, nil
}

// ParseLegacyKey splits "tenant-userId" at the first dash.
func ParseLegacyKey(apiKey string) (string, string, error) {
	tenantID, userID, found := strings.Cut(strings.TrimSpace(apiKey), "-")
	if !found || tenantID == "" || userID == "" {
		return "", "", fmt.Errorf("%w: expected tenant-userId", ErrInvalidKey)
	}
	return tenantID, userID, nil
}

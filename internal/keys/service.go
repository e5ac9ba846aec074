package keys

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/timberline/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ControlDatabaseName is the file inside the store directory that holds issued keys.
const ControlDatabaseName = "_control.db"

var (
	// ErrInvalidKey indicates a key record without a usable identifier.
	ErrInvalidKey = errors.New("keys: invalid key")
	// ErrKeyNotFound indicates the key id was never registered.
	ErrKeyNotFound = errors.New("keys: key not found")
)

// ServiceConfig describes the dependencies required for key bookkeeping.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service registers, revokes and checks issued API keys.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	// revoked caches key ids known to be revoked; revocation is permanent.
	revoked sync.Map
}

// OpenControlDatabase opens the control database that lives next to the tenant stores.
func OpenControlDatabase(directory string, logger *zap.Logger) (*gorm.DB, error) {
	path := filepath.Join(directory, ControlDatabaseName)
	db, err := database.OpenSQLite(path, database.OpenOptions{
		Models: []any{&APIKey{}},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", database.ErrStoreUnavailable, err)
	}
	return db, nil
}

// NewService constructs the key service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("keys: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// Register stores a freshly issued key.
func (s *Service) Register(ctx context.Context, key APIKey) error {
	key.KeyID = normalize(key.KeyID)
	key.TenantID = normalize(key.TenantID)
	key.UserID = normalize(key.UserID)
	key.Label = normalize(key.Label)
	if key.KeyID == "" || key.TenantID == "" || key.UserID == "" {
		return ErrInvalidKey
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = s.now().UTC()
	}
	return s.db.WithContext(ctx).Create(&key).Error
}

// Revoke marks the key as revoked. Revoking twice keeps the first timestamp.
func (s *Service) Revoke(ctx context.Context, keyID string) error {
	keyID = normalize(keyID)
	if keyID == "" {
		return ErrInvalidKey
	}
	revokedAt := s.now().UTC()
	result := s.db.WithContext(ctx).
		Model(&APIKey{}).
		Where("key_id = ? AND revoked_at IS NULL", keyID).
		Update("revoked_at", revokedAt)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := s.Lookup(ctx, keyID); err != nil {
			return err
		}
	}
	s.revoked.Store(keyID, true)
	s.logger.Info("api key revoked", zap.String("key_id", keyID))
	return nil
}

// IsRevoked reports whether the key has been revoked. Unknown keys return ErrKeyNotFound.
func (s *Service) IsRevoked(ctx context.Context, keyID string) (bool, error) {
	keyID = normalize(keyID)
	if _, ok := s.revoked.Load(keyID); ok {
		return true, nil
	}
	key, err := s.Lookup(ctx, keyID)
	if err != nil {
		return false, err
	}
	if key.Revoked() {
		s.revoked.Store(keyID, true)
		return true, nil
	}
	return false, nil
}

// Lookup returns the stored key record.
func (s *Service) Lookup(ctx context.Context, keyID string) (APIKey, error) {
	var key APIKey
	err := s.db.WithContext(ctx).Where("key_id = ?", normalize(keyID)).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return APIKey{}, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	if err != nil {
		return APIKey{}, err
	}
	return key, nil
}

// List returns the keys of a tenant, newest first.
func (s *Service) List(ctx context.Context, tenantID string) ([]APIKey, error) {
	var keys []APIKey
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", normalize(tenantID)).
		Order("created_at DESC").
		Find(&keys).Error
	return keys, err
}

// Touch records that the key authenticated a session. Failures are logged only.
func (s *Service) Touch(ctx context.Context, keyID string) {
	err := s.db.WithContext(ctx).
		Model(&APIKey{}).
		Where("key_id = ?", normalize(keyID)).
		Update("last_used_at", s.now().UTC()).
		Error
	if err != nil {
		s.logger.Warn("api key touch failed", zap.String("key_id", keyID), zap.Error(err))
	}
}

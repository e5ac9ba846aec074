package records

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/timberline/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DirectoryConfig describes the shared dependencies of every tenant repository.
type DirectoryConfig struct {
	Registry   *database.Registry
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Directory resolves repositories and users across tenant stores.
type Directory struct {
	registry   *database.Registry
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger

	mu           sync.Mutex
	repositories map[string]cachedRepository
}

// cachedRepository is valid only while the registry hands out the same handle.
type cachedRepository struct {
	tenant     *database.Tenant
	repository *Repository
}

// NewDirectory constructs a directory backed by the tenant registry.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Registry == nil {
		return nil, newServiceError(opRepositoryNew, "missing_registry", errMissingTenant)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Directory{
		registry:     cfg.Registry,
		idProvider:   idProvider,
		clock:        cfg.Clock,
		logger:       logger,
		repositories: make(map[string]cachedRepository),
	}, nil
}

// Repository returns the cached repository of the tenant, rebuilding it when
// the store handle changed since the last call.
func (d *Directory) Repository(ctx context.Context, tenantID string) (*Repository, error) {
	tenant, err := d.registry.Open(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if cached, ok := d.repositories[tenantID]; ok && cached.tenant == tenant {
		return cached.repository, nil
	}
	repository, err := NewRepository(RepositoryConfig{
		Tenant:     tenant,
		IDProvider: d.idProvider,
		Clock:      d.clock,
		Logger:     d.logger,
	})
	if err != nil {
		return nil, err
	}
	d.repositories[tenantID] = cachedRepository{tenant: tenant, repository: repository}
	return repository, nil
}

// TenantExists reports whether a store exists for the tenant.
func (d *Directory) TenantExists(tenantID string) bool {
	return d.registry.Exists(tenantID)
}

// Evict drops the cached store handle of the tenant after a storage failure.
func (d *Directory) Evict(tenantID string) {
	d.mu.Lock()
	delete(d.repositories, tenantID)
	d.mu.Unlock()
	d.registry.Evict(tenantID)
}

// LookupUser returns the stored user row, tombstones included.
func (d *Directory) LookupUser(ctx context.Context, tenantID, userID string) (*User, error) {
	tenant, err := d.registry.Open(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var user *User
	err = tenant.Read(ctx, func(tx *gorm.DB) error {
		entity, err := loadEntity(tx, KindUser, userID)
		if err != nil || entity == nil {
			return err
		}
		user = entity.(*User)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("%w: user %s", ErrEntityNotFound, userID)
	}
	return user, nil
}

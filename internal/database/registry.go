package database

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const tenantFileExtension = ".db"

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidateTenantID ensures the identifier can safely name a file inside the store directory.
func ValidateTenantID(tenantID string) error {
	if !tenantIDPattern.MatchString(tenantID) {
		return fmt.Errorf("%w: %q", ErrInvalidTenantID, tenantID)
	}
	return nil
}

// RegistryConfig describes where tenant stores live and what schema they carry.
type RegistryConfig struct {
	Directory     string
	CreateMissing bool
	MaxOpenConns  int
	Models        []any
	Migrations    []Migration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Registry opens and caches one isolated store per tenant.
type Registry struct {
	dir           string
	createMissing bool
	openOptions   OpenOptions
	clock         func() time.Time
	logger        *zap.Logger

	mu      sync.RWMutex
	tenants map[string]*Tenant
	opening singleflight.Group
}

// NewRegistry validates the configuration and prepares the store directory.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Directory == "" {
		return nil, errors.New("database: directory is required")
	}
	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		dir:           cfg.Directory,
		createMissing: cfg.CreateMissing,
		openOptions: OpenOptions{
			Models:       append([]any{&tenantClock{}}, cfg.Models...),
			Migrations:   cfg.Migrations,
			MaxOpenConns: cfg.MaxOpenConns,
			Logger:       logger,
		},
		clock:   clock,
		logger:  logger,
		tenants: make(map[string]*Tenant),
	}, nil
}

// Open returns the store of an existing tenant.
func (r *Registry) Open(ctx context.Context, tenantID string) (*Tenant, error) {
	return r.open(ctx, tenantID, r.createMissing)
}

// Create opens the store of a tenant, creating its file when absent.
func (r *Registry) Create(ctx context.Context, tenantID string) (*Tenant, error) {
	return r.open(ctx, tenantID, true)
}

// Exists reports whether a store file exists for the tenant.
func (r *Registry) Exists(tenantID string) bool {
	if ValidateTenantID(tenantID) != nil {
		return false
	}
	r.mu.RLock()
	_, cached := r.tenants[tenantID]
	r.mu.RUnlock()
	if cached {
		return true
	}
	_, err := os.Stat(r.path(tenantID))
	return err == nil
}

// Evict closes and forgets a cached tenant so the next Open starts fresh.
func (r *Registry) Evict(tenantID string) {
	r.mu.Lock()
	tenant, ok := r.tenants[tenantID]
	delete(r.tenants, tenantID)
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := tenant.close(); err != nil {
		r.logger.Warn("tenant close failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

// OpenTenants lists the identifiers of the cached tenants.
func (r *Registry) OpenTenants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tenants))
	for id := range r.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close releases every open tenant store.
func (r *Registry) Close() error {
	r.mu.Lock()
	tenants := r.tenants
	r.tenants = make(map[string]*Tenant)
	r.mu.Unlock()

	var errs []error
	for id, tenant := range tenants {
		if err := tenant.close(); err != nil {
			errs = append(errs, fmt.Errorf("close tenant %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) open(ctx context.Context, tenantID string, create bool) (*Tenant, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	if tenant := r.cached(tenantID); tenant != nil {
		return tenant, nil
	}

	value, err, _ := r.opening.Do(tenantID, func() (any, error) {
		if tenant := r.cached(tenantID); tenant != nil {
			return tenant, nil
		}
		path := r.path(tenantID)
		if !create {
			if _, statErr := os.Stat(path); statErr != nil {
				if errors.Is(statErr, fs.ErrNotExist) {
					return nil, fmt.Errorf("%w: %s", ErrTenantUnknown, tenantID)
				}
				return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, statErr)
			}
		}

		db, openErr := OpenSQLite(path, r.openOptions)
		if openErr != nil {
			r.logger.Error("tenant store open failed", zap.String("tenant_id", tenantID), zap.Error(openErr))
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, openErr)
		}
		tenant, tenantErr := newTenant(ctx, tenantID, db, r.clock, r.openOptions.Models)
		if tenantErr != nil {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, tenantErr)
		}

		r.mu.Lock()
		r.tenants[tenantID] = tenant
		r.mu.Unlock()
		r.logger.Info("tenant store opened", zap.String("tenant_id", tenantID))
		return tenant, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*Tenant), nil
}

func (r *Registry) cached(tenantID string) *Tenant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tenants[tenantID]
}

func (r *Registry) path(tenantID string) string {
	return filepath.Join(r.dir, tenantID+tenantFileExtension)
}

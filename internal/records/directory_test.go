package records

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/timberline/internal/database"
)

func newTestDirectory(t *testing.T) *Directory {
	t.Helper()
	registry, err := database.NewRegistry(database.RegistryConfig{
		Directory:  t.TempDir(),
		Models:     Models(),
		Migrations: Migrations(),
		Clock:      frozenClock(1_000),
	})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	t.Cleanup(func() {
		_ = registry.Close()
	})
	if _, err := registry.Create(context.Background(), testTenantID); err != nil {
		t.Fatalf("failed to create tenant: %v", err)
	}
	directory, err := NewDirectory(DirectoryConfig{Registry: registry, Clock: frozenClock(1_000)})
	if err != nil {
		t.Fatalf("failed to construct directory: %v", err)
	}
	return directory
}

func TestDirectoryResolvesRepositoryAndUsers(t *testing.T) {
	directory := newTestDirectory(t)
	ctx := context.Background()

	repository, err := directory.Repository(ctx, testTenantID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seedParents(t, repository)

	user, err := directory.LookupUser(ctx, testTenantID, testDriverID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.Role != RoleDriver {
		t.Fatalf("expected driver role, got %s", user.Role)
	}

	if _, err := directory.LookupUser(ctx, testTenantID, "u-missing"); !errors.Is(err, ErrEntityNotFound) {
		t.Fatalf("expected ErrEntityNotFound, got %v", err)
	}
}

func TestDirectoryLookupIncludesTombstones(t *testing.T) {
	directory := newTestDirectory(t)
	ctx := context.Background()
	repository, err := directory.Repository(ctx, testTenantID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seedParents(t, repository)

	mustUpsert(t, repository, Mutation{
		Author: adminAuthor,
		Entity: &User{Envelope: Envelope{ID: testDriverID, LastEdit: 20}},
		Delete: true,
	})

	user, err := directory.LookupUser(ctx, testTenantID, testDriverID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bool(user.Deleted) {
		t.Fatalf("expected tombstoned user to be returned")
	}
}

func TestDirectoryUnknownTenant(t *testing.T) {
	directory := newTestDirectory(t)
	if directory.TenantExists("globex") {
		t.Fatalf("did not expect globex to exist")
	}

	if _, err := directory.Repository(context.Background(), "globex"); !errors.Is(err, database.ErrTenantUnknown) {
		t.Fatalf("expected ErrTenantUnknown, got %v", err)
	}
}

func TestDirectoryCachesRepositoryUntilEvicted(t *testing.T) {
	directory := newTestDirectory(t)
	ctx := context.Background()

	first, err := directory.Repository(ctx, testTenantID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := directory.Repository(ctx, testTenantID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("expected the cached repository to be reused")
	}

	directory.Evict(testTenantID)

	reopened, err := directory.Repository(ctx, testTenantID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reopened == first {
		t.Fatalf("expected a fresh repository after eviction")
	}
	if _, err := first.Get(ctx, KindUser, testAdminID); !errors.Is(err, database.ErrStoreUnavailable) {
		t.Fatalf("expected evicted repository to report store unavailable, got %v", err)
	}
}

func TestDirectoryRebuildsRepositoryAfterRegistryEviction(t *testing.T) {
	directory := newTestDirectory(t)
	ctx := context.Background()

	first, err := directory.Repository(ctx, testTenantID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	directory.registry.Evict(testTenantID)

	reopened, err := directory.Repository(ctx, testTenantID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reopened == first {
		t.Fatalf("expected a repository bound to the new store handle")
	}
}

func TestDirectoryEvictReopensStore(t *testing.T) {
	directory := newTestDirectory(t)
	ctx := context.Background()
	repository, err := directory.Repository(ctx, testTenantID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seedParents(t, repository)
	watermark := repository.ChangeLog().Watermark()

	directory.Evict(testTenantID)

	reopened, err := directory.Repository(ctx, testTenantID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := reopened.ChangeLog().Watermark(); got != watermark {
		t.Fatalf("expected watermark %d after reopen, got %d", watermark, got)
	}
}

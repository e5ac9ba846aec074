package records

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/timberline/internal/database"
)

const (
	testTenantID = "acme"
	testAdminID  = "u-admin"
	testDriverID = "u-driver"
)

var adminAuthor = Author{UserID: testAdminID, Role: RoleAdmin}

func frozenClock(millis int64) func() time.Time {
	return func() time.Time {
		return time.UnixMilli(millis)
	}
}

func newTestTenant(t *testing.T) *database.Tenant {
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
	tenant, err := registry.Create(context.Background(), testTenantID)
	if err != nil {
		t.Fatalf("failed to create tenant: %v", err)
	}
	return tenant
}

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	repository, err := NewRepository(RepositoryConfig{
		Tenant: newTestTenant(t),
		Clock:  frozenClock(1_000),
	})
	if err != nil {
		t.Fatalf("failed to construct repository: %v", err)
	}
	return repository
}

func mustUpsert(t *testing.T, repository *Repository, mutation Mutation) Outcome {
	t.Helper()
	outcome, err := repository.Upsert(context.Background(), mutation)
	if err != nil {
		t.Fatalf("upsert %s %s failed: %v", mutation.Entity.Kind(), mutation.Entity.Meta().ID, err)
	}
	return outcome
}

// seedParents stores an admin, a driver, a contract, three sawmills and a location.
func seedParents(t *testing.T, repository *Repository) {
	t.Helper()
	parents := []Entity{
		&User{Envelope: Envelope{ID: testAdminID, LastEdit: 10}, Name: "Admin", Role: RoleAdmin},
		&User{Envelope: Envelope{ID: testDriverID, LastEdit: 10}, Name: "Driver", Role: RoleDriver},
		&Contract{Envelope: Envelope{ID: "c-1", LastEdit: 10}, Title: "Spruce 2026", AvailableQuantity: 120},
		&Sawmill{Envelope: Envelope{ID: "s-1", LastEdit: 10}, Name: "North Mill"},
		&Sawmill{Envelope: Envelope{ID: "s-2", LastEdit: 10}, Name: "South Mill"},
		&Sawmill{Envelope: Envelope{ID: "s-3", LastEdit: 10}, Name: "East Mill"},
		&Location{Envelope: Envelope{ID: "l-1", LastEdit: 10}, ContractID: "c-1", PartieNr: "P-1"},
	}
	for _, parent := range parents {
		mustUpsert(t, repository, Mutation{Author: adminAuthor, Entity: parent})
	}
}

func testNote(id string, lastEdit int64, text string) *Note {
	return &Note{Envelope: Envelope{ID: id, LastEdit: lastEdit}, Text: text, UserID: testAdminID}
}

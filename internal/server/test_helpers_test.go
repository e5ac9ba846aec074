package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/timberline/internal/auth"
	"github.com/MarcoPoloResearchLab/timberline/internal/broadcast"
	"github.com/MarcoPoloResearchLab/timberline/internal/database"
	"github.com/MarcoPoloResearchLab/timberline/internal/keys"
	"github.com/MarcoPoloResearchLab/timberline/internal/records"
	"github.com/MarcoPoloResearchLab/timberline/internal/session"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const testTenantID = "acme"

type testStack struct {
	registry    *database.Registry
	directory   *records.Directory
	keys        *keys.Service
	issuer      *auth.KeyIssuer
	broadcaster *broadcast.Broadcaster
	handler     http.Handler
}

func newTestStack(t *testing.T, logger *zap.Logger) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	directoryPath := t.TempDir()

	registry, err := database.NewRegistry(database.RegistryConfig{
		Directory:  directoryPath,
		Models:     records.Models(),
		Migrations: records.Migrations(),
	})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	t.Cleanup(func() {
		_ = registry.Close()
	})
	directory, err := records.NewDirectory(records.DirectoryConfig{Registry: registry})
	if err != nil {
		t.Fatalf("failed to construct directory: %v", err)
	}

	controlDB, err := keys.OpenControlDatabase(directoryPath, nil)
	if err != nil {
		t.Fatalf("failed to open control database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := controlDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	keyService, err := keys.NewService(keys.ServiceConfig{Database: controlDB})
	if err != nil {
		t.Fatalf("failed to construct key service: %v", err)
	}

	issuer, err := auth.NewKeyIssuer(auth.KeyIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "timberline",
	})
	if err != nil {
		t.Fatalf("failed to construct key issuer: %v", err)
	}
	gate, err := auth.NewGate(auth.GateConfig{
		Issuer:      issuer,
		Directory:   directory,
		Revocations: keyService,
	})
	if err != nil {
		t.Fatalf("failed to construct gate: %v", err)
	}

	broadcaster := broadcast.NewBroadcaster(broadcast.Config{})
	t.Cleanup(broadcaster.Close)

	handler, err := NewHTTPHandler(Dependencies{
		Authenticator: gate,
		Repositories:  directory,
		Broadcaster:   broadcaster,
		KeyUsage:      keyService,
		Session: session.Config{
			AuthTimeout:       2 * time.Second,
			HeartbeatInterval: time.Minute,
			IdleTimeout:       time.Minute,
			PageSize:          50,
		},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	if _, err := registry.Create(ctx, testTenantID); err != nil {
		t.Fatalf("failed to create tenant: %v", err)
	}
	repository, err := directory.Repository(ctx, testTenantID)
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}
	seeds := []records.Entity{
		&records.User{Envelope: records.Envelope{ID: "u-admin", LastEdit: 10}, Name: "Admin", Role: records.RoleAdmin},
		&records.User{Envelope: records.Envelope{ID: "u-driver", LastEdit: 10}, Name: "Driver", Role: records.RoleDriver},
		&records.Contract{Envelope: records.Envelope{ID: "c-1", LastEdit: 10}, Title: "Spruce"},
		&records.Sawmill{Envelope: records.Envelope{ID: "s-1", LastEdit: 10}, Name: "North Mill"},
		&records.Location{Envelope: records.Envelope{ID: "l-1", LastEdit: 10}, ContractID: "c-1", SawmillIDs: []string{"s-1"}},
	}
	for _, seed := range seeds {
		if _, err := repository.Upsert(ctx, records.Mutation{
			Author: records.Author{UserID: "u-admin", Role: records.RoleAdmin},
			Entity: seed,
		}); err != nil {
			t.Fatalf("failed to seed %s: %v", seed.Meta().ID, err)
		}
	}

	return &testStack{
		registry:    registry,
		directory:   directory,
		keys:        keyService,
		issuer:      issuer,
		broadcaster: broadcaster,
		handler:     handler,
	}
}

// issueKey signs and registers a key for the user of the test tenant.
func (s *testStack) issueKey(t *testing.T, userID string) auth.IssuedKey {
	t.Helper()
	ctx := context.Background()
	issued, err := s.issuer.Issue(ctx, testTenantID, userID)
	if err != nil {
		t.Fatalf("failed to issue key: %v", err)
	}
	if err := s.keys.Register(ctx, keys.APIKey{KeyID: issued.KeyID, TenantID: issued.TenantID, UserID: issued.UserID}); err != nil {
		t.Fatalf("failed to register key: %v", err)
	}
	return issued
}

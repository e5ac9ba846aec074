package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/timberline/internal/auth"
	"github.com/MarcoPoloResearchLab/timberline/internal/database"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubAuthenticator struct {
	identity auth.Identity
	err      error
}

func (a stubAuthenticator) Authenticate(context.Context, string) (auth.Identity, error) {
	return a.identity, a.err
}

func runAuthorize(t *testing.T, handler *httpHandler, header string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/v1/changes", http.NoBody)
	if header != "" {
		request.Header.Set("Authorization", header)
	}
	ctx.Request = request
	handler.authorizeRequest(ctx)
	return recorder
}

func TestAuthorizeRequestRejectsMissingBearer(t *testing.T) {
	handler := &httpHandler{authenticator: stubAuthenticator{}, logger: zap.NewNop()}
	for _, header := range []string{"", "Basic abc", "Bearer   "} {
		recorder := runAuthorize(t, handler, header)
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for header %q, got %d", header, recorder.Code)
		}
	}
}

func TestAuthorizeRequestLogsRevokedKeyAtInfoLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		authenticator: stubAuthenticator{err: fmt.Errorf("%w: key k-1", auth.ErrRevokedKey)},
		logger:        zap.New(core),
	}

	recorder := runAuthorize(t, handler, "Bearer revoked-key")

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for revoked key, got %s", entry.Level)
	}
	hasRevoked := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrRevokedKey) {
			hasRevoked = true
			break
		}
	}
	if !hasRevoked {
		t.Fatalf("expected revoked key error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestReportsUnavailableStore(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		authenticator: stubAuthenticator{err: fmt.Errorf("%w: disk I/O error", database.ErrStoreUnavailable)},
		logger:        zap.New(core),
	}

	recorder := runAuthorize(t, handler, "Bearer some-key")

	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
	if logs.FilterLevelExact(zapcore.ErrorLevel).Len() != 1 {
		t.Fatalf("expected one error log entry, got %v", logs.All())
	}
}

func TestAuthorizeRequestStoresIdentity(t *testing.T) {
	handler := &httpHandler{
		authenticator: stubAuthenticator{identity: auth.Identity{TenantID: "acme", UserID: "u-1"}},
		logger:        zap.NewNop(),
	}
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/v1/changes", http.NoBody)
	ctx.Request.Header.Set("Authorization", "Bearer good-key")

	handler.authorizeRequest(ctx)

	if ctx.IsAborted() {
		t.Fatalf("did not expect request to be aborted")
	}
	identity, ok := ctx.Get(identityContextKey)
	if !ok || identity.(auth.Identity).UserID != "u-1" {
		t.Fatalf("expected identity in context, got %v", identity)
	}
}

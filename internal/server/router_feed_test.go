package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/timberline/internal/records"
	"go.uber.org/zap"
)

func getJSON(t *testing.T, handler http.Handler, path, apiKey string, target any) int {
	t.Helper()
	request := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	if apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+apiKey)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if target != nil && recorder.Code == http.StatusOK {
		if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
			t.Fatalf("failed to decode %s response: %v", path, err)
		}
	}
	return recorder.Code
}

func TestChangesFeedPagesThroughLog(t *testing.T) {
	stack := newTestStack(t, zap.NewNop())
	key := stack.issueKey(t, "u-driver")

	var page records.ChangePage
	if code := getJSON(t, stack.handler, "/v1/changes?limit=3", key.Token, &page); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(page.Entries) != 3 || !page.HasMore {
		t.Fatalf("expected first page of 3 with more, got %d entries hasMore=%v", len(page.Entries), page.HasMore)
	}
	if page.Entries[0].Kind != records.KindUser {
		t.Fatalf("expected user entry first, got %s", page.Entries[0].Kind)
	}

	var next records.ChangePage
	path := "/v1/changes?limit=3&cursor=" + jsonNumber(page.NextCursor)
	if code := getJSON(t, stack.handler, path, key.Token, &next); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(next.Entries) != 2 || next.HasMore {
		t.Fatalf("expected final page of 2, got %d entries hasMore=%v", len(next.Entries), next.HasMore)
	}
	if next.Entries[0].ArrivalAtServer <= page.NextCursor {
		t.Fatalf("expected entries after cursor %d", page.NextCursor)
	}

	if code := getJSON(t, stack.handler, "/v1/changes?cursor=abc", key.Token, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid cursor, got %d", code)
	}
	if code := getJSON(t, stack.handler, "/v1/changes", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", code)
	}
}

func TestEntityRoute(t *testing.T) {
	stack := newTestStack(t, zap.NewNop())
	key := stack.issueKey(t, "u-admin")

	var location records.Location
	if code := getJSON(t, stack.handler, "/v1/entities/location/l-1", key.Token, &location); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if location.ContractID != "c-1" || len(location.SawmillIDs) != 1 || location.SawmillIDs[0] != "s-1" {
		t.Fatalf("unexpected location %+v", location)
	}

	if code := getJSON(t, stack.handler, "/v1/entities/sawmill/missing", key.Token, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	if code := getJSON(t, stack.handler, "/v1/entities/tractor/t-1", key.Token, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}

func TestEntitiesRouteListsKindSinceCursor(t *testing.T) {
	stack := newTestStack(t, zap.NewNop())
	key := stack.issueKey(t, "u-driver")

	type listing struct {
		Kind       records.Kind      `json:"kind"`
		Rows       []json.RawMessage `json:"rows"`
		NextCursor int64             `json:"nextCursor"`
	}

	var sawmills listing
	if code := getJSON(t, stack.handler, "/v1/entities/sawmill", key.Token, &sawmills); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if sawmills.Kind != records.KindSawmill || len(sawmills.Rows) != 1 {
		t.Fatalf("expected one sawmill, got %+v", sawmills)
	}
	var sawmill records.Sawmill
	if err := json.Unmarshal(sawmills.Rows[0], &sawmill); err != nil {
		t.Fatalf("failed to decode sawmill: %v", err)
	}
	if sawmill.ID != "s-1" || sawmills.NextCursor != sawmill.ArrivalAtServer {
		t.Fatalf("unexpected sawmill %+v with cursor %d", sawmill, sawmills.NextCursor)
	}

	var drained listing
	path := "/v1/entities/sawmill?cursor=" + jsonNumber(sawmills.NextCursor)
	if code := getJSON(t, stack.handler, path, key.Token, &drained); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(drained.Rows) != 0 || drained.NextCursor != sawmills.NextCursor {
		t.Fatalf("expected nothing after the cursor, got %+v", drained)
	}

	var locations listing
	if code := getJSON(t, stack.handler, "/v1/entities/location?limit=10", key.Token, &locations); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(locations.Rows) != 1 {
		t.Fatalf("expected one location, got %d", len(locations.Rows))
	}
	var location records.Location
	if err := json.Unmarshal(locations.Rows[0], &location); err != nil {
		t.Fatalf("failed to decode location: %v", err)
	}
	if len(location.SawmillIDs) != 1 || location.SawmillIDs[0] != "s-1" {
		t.Fatalf("expected hydrated sawmill ids, got %v", location.SawmillIDs)
	}

	if code := getJSON(t, stack.handler, "/v1/entities/tractor", key.Token, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d", code)
	}
	if code := getJSON(t, stack.handler, "/v1/entities/sawmill?cursor=-1", key.Token, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative cursor, got %d", code)
	}
}

func TestRevokedKeyIsRefused(t *testing.T) {
	stack := newTestStack(t, zap.NewNop())
	key := stack.issueKey(t, "u-admin")
	if err := stack.keys.Revoke(context.Background(), key.KeyID); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if code := getJSON(t, stack.handler, "/v1/changes", key.Token, nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for revoked key, got %d", code)
	}

	unregistered, err := stack.issuer.Issue(context.Background(), testTenantID, "u-admin")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if code := getJSON(t, stack.handler, "/v1/changes", unregistered.Token, nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unregistered key, got %d", code)
	}
}

func TestHealthReportsSessionCounts(t *testing.T) {
	stack := newTestStack(t, zap.NewNop())
	stack.broadcaster.Subscribe(testTenantID, "s-1")
	stack.broadcaster.Subscribe(testTenantID, "s-2")

	var health struct {
		Status   string         `json:"status"`
		Sessions int            `json:"sessions"`
		Tenants  map[string]int `json:"tenants"`
	}
	if code := getJSON(t, stack.handler, "/healthz", "", &health); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if health.Status != "ok" || health.Sessions != 2 || health.Tenants[testTenantID] != 2 {
		t.Fatalf("unexpected health payload %+v", health)
	}
}

func jsonNumber(value int64) string {
	raw, _ := json.Marshal(value)
	return string(raw)
}

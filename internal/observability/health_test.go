package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleHealth_returnsOK(t *testing.T) {
	// Set build-time variables for test.
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	handler := HandleHealth()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", resp.Version)
	}
	if resp.Commit != "abc1234" {
		t.Errorf("commit = %q, want abc1234", resp.Commit)
	}
}

func TestHandleReady_allHealthy(t *testing.T) {
	checks := ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
	}

	handler := HandleReady(checks)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp ReadinessResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	if resp.Checks["definitions"].Status != "ok" {
		t.Errorf("definitions = %q, want ok", resp.Checks["definitions"].Status)
	}
}

func TestHandleReady_definitionsNotLoaded(t *testing.T) {
	checks := ReadinessChecks{
		DefinitionsLoaded: func() bool { return false },
	}

	handler := HandleReady(checks)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var resp ReadinessResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", resp.Status)
	}
	if resp.Checks["definitions"].Status != "error" {
		t.Errorf("definitions = %q, want error", resp.Checks["definitions"].Status)
	}
	if resp.Checks["definitions"].Error == "" {
		t.Error("definitions error should have a message")
	}
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) HealthCheck(_ context.Context) error {
	return m.err
}

func TestHandleReady_withOptionalChecks_allHealthy(t *testing.T) {
	checks := ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		StateStore:        &mockHealthChecker{},
		DurableBackend:    &mockHealthChecker{},
	}

	handler := HandleReady(checks)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp ReadinessResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	if len(resp.Checks) != 3 {
		t.Errorf("checks count = %d, want 3", len(resp.Checks))
	}
	for name, check := range resp.Checks {
		if check.Status != "ok" {
			t.Errorf("%s = %q, want ok", name, check.Status)
		}
	}
}

func TestHandleReady_stateStoreDown(t *testing.T) {
	checks := ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		StateStore:        &mockHealthChecker{err: errors.New("connection refused")},
	}

	handler := HandleReady(checks)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var resp ReadinessResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Checks["state_store"].Status != "error" {
		t.Errorf("state_store = %q, want error", resp.Checks["state_store"].Status)
	}
	if resp.Checks["state_store"].Error != "connection refused" {
		t.Errorf("state_store error = %q, want 'connection refused'", resp.Checks["state_store"].Error)
	}
}

func TestHandleReady_withoutOptionalChecks(t *testing.T) {
	// When optional checkers are nil, only required checks should appear.
	checks := ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
	}

	handler := HandleReady(checks)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	var resp ReadinessResponse
	json.NewDecoder(rec.Body).Decode(&resp)

	if len(resp.Checks) != 1 {
		t.Errorf("checks count = %d, want 1 (only required check)", len(resp.Checks))
	}
	if _, ok := resp.Checks["state_store"]; ok {
		t.Error("state_store should not be in checks when nil")
	}
	if _, ok := resp.Checks["durable_backend"]; ok {
		t.Error("durable_backend should not be in checks when nil")
	}
}

func TestHandleReady_multipleFailures(t *testing.T) {
	checks := ReadinessChecks{
		DefinitionsLoaded: func() bool { return false },
		StateStore:        &mockHealthChecker{err: errors.New("pg down")},
	}

	handler := HandleReady(checks)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var resp ReadinessResponse
	json.NewDecoder(rec.Body).Decode(&resp)

	failCount := 0
	for _, check := range resp.Checks {
		if check.Status == "error" {
			failCount++
		}
	}
	if failCount != 2 {
		t.Errorf("failed checks = %d, want 2", failCount)
	}
}

// Package integration provides a reusable harness for end-to-end testing of
// the orchestration server. It wires a full HTTP server with the lite
// execution backend, an in-memory state store, and one mock backend serving
// both operations and entity CRUD.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mazwell/conduct/internal/config"
	"github.com/mazwell/conduct/internal/definition"
	"github.com/mazwell/conduct/internal/engine"
	"github.com/mazwell/conduct/internal/invoker"
	"github.com/mazwell/conduct/internal/observability"
	"github.com/mazwell/conduct/internal/store"
	"github.com/mazwell/conduct/internal/transport"
	"github.com/mazwell/conduct/internal/trigger"
	"github.com/mazwell/conduct/model"
)

// TestHarness encapsulates a fully wired server instance with a mock backend.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	Backend  *MockBackend
	Store    *store.MemoryStore
	Registry *definition.Registry
	Adapter  engine.ProcessAdapter
}

// NewTestHarness creates and starts a full test instance. Everything is torn
// down when the test completes.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	mb := newMockBackend(t)
	mb.AddCollection("shipment")
	mb.AddCollection("order")

	defs, err := definition.NewLoader().LoadAll([]string{filepath.Join(testdataDir(), "definitions")})
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	if verrs := definition.NewValidator().Validate(defs); len(verrs) > 0 {
		t.Fatalf("definition validation: %v", verrs)
	}
	registry := definition.NewRegistry(defs)

	st := store.NewMemoryStore()

	opts := invoker.ServiceOptions{BaseURL: mb.URL(), Timeout: 5 * time.Second}
	endpoints := map[string]invoker.ServiceOptions{
		"inventory": opts,
		"billing":   opts,
		"audit":     opts,
	}
	operations := invoker.NewHTTPOperationInvoker(endpoints, zap.NewNop())

	entities := invoker.NewRegistry()
	entities.Register("Shipment", invoker.NewHTTPEntityService("Shipment", opts, nil))
	entities.Register("Order", invoker.NewHTTPEntityService("Order", opts, nil))

	ctx := context.Background()
	adapter, err := engine.New(ctx, engine.Options{
		Backend:    engine.BackendLite,
		Store:      st,
		Services:   entities,
		Operations: operations,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("build adapter: %v", err)
	}
	for _, spec := range registry.AllProcesses() {
		if err := adapter.RegisterProcess(ctx, &spec); err != nil {
			t.Fatalf("register process %s: %v", spec.Name, err)
		}
	}

	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = 10 * time.Second

	router := transport.NewRouter(transport.Dependencies{
		Config:   cfg,
		Adapter:  adapter,
		Store:    st,
		Registry: registry,
		Triggers: trigger.NewManager(registry, adapter, zap.NewNop(), nil),
		Logger:   zap.NewNop(),
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return true },
			StateStore:        st,
		},
	})

	h := &TestHarness{
		t:        t,
		server:   httptest.NewServer(router),
		Backend:  mb,
		Store:    st,
		Registry: registry,
		Adapter:  adapter,
	}
	t.Cleanup(func() {
		h.server.Close()
		if s, ok := adapter.(interface{ Shutdown(context.Context) error }); ok {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.Shutdown(shutdownCtx)
		}
	})
	return h
}

// POST sends a JSON request and returns the response status and decoded body.
func (h *TestHarness) POST(path string, body any) (int, map[string]any) {
	h.t.Helper()
	return h.do(http.MethodPost, path, body, nil)
}

// GET sends a request and returns the response status and decoded body.
func (h *TestHarness) GET(path string) (int, map[string]any) {
	h.t.Helper()
	return h.do(http.MethodGet, path, nil, nil)
}

// POSTWithHeaders sends a JSON request with extra headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, headers map[string]string) (int, map[string]any) {
	h.t.Helper()
	return h.do(http.MethodPost, path, body, headers)
}

func (h *TestHarness) do(method, path string, body any, headers map[string]string) (int, map[string]any) {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			h.t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, h.server.URL+path, &buf)
	if err != nil {
		h.t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

// WaitForRunStatus polls until the run reaches the given status.
func (h *TestHarness) WaitForRunStatus(runID, status string) *model.ProcessRun {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := h.Store.GetRun(context.Background(), runID)
		if err == nil && run.Status == status {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	run, err := h.Store.GetRun(context.Background(), runID)
	if err != nil {
		h.t.Fatalf("run %s never appeared: %v", runID, err)
	}
	h.t.Fatalf("run %s status = %q, want %q (error: %s)", runID, run.Status, status, run.Error)
	return nil
}

// WaitForTask polls until the run has a pending task.
func (h *TestHarness) WaitForTask(runID string) *model.ProcessTask {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		tasks, err := h.Store.ListTasksByRun(context.Background(), runID)
		if err == nil && len(tasks) > 0 {
			return &tasks[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.t.Fatalf("run %s never produced a task", runID)
	return nil
}

func testdataDir() string {
	_, thisFile, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(thisFile), "testdata")
}

func runIDFrom(t *testing.T, body map[string]any) string {
	t.Helper()
	id, _ := body["run_id"].(string)
	if id == "" {
		t.Fatalf("response carries no run_id: %v", body)
	}
	return id
}

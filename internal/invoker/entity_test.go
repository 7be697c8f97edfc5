package invoker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mazwell/conduct/model"
)

func newTestService(t *testing.T, handler http.HandlerFunc) *HTTPEntityService {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPEntityService("Order", ServiceOptions{BaseURL: srv.URL}, nil)
}

func TestHTTPEntityServiceCreate(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/order" {
			t.Errorf("request = %s %s, want POST /order", r.Method, r.URL.Path)
		}
		var data map[string]any
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		data["id"] = "ord-1"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(data)
	})

	entity, err := svc.Create(context.Background(), map[string]any{"total": 42})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if model.EntityID(entity) != "ord-1" {
		t.Errorf("created id = %q, want ord-1", model.EntityID(entity))
	}
}

func TestHTTPEntityServiceListEnvelope(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("status"); got != "open" {
			t.Errorf("status query = %q, want open", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{{"id": "o1"}, {"id": "o2"}},
			"total": 2,
		})
	})

	result, err := svc.List(context.Background(), map[string]any{"status": "open"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(result.Items) != 2 || result.Total != 2 {
		t.Errorf("List() = %d items total %d, want 2/2", len(result.Items), result.Total)
	}
}

func TestHTTPEntityServiceListBareArray(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]map[string]any{{"id": "o1"}})
	})

	result, err := svc.List(context.Background(), nil)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(result.Items) != 1 || result.Total != 1 {
		t.Errorf("List() = %d items total %d, want 1/1", len(result.Items), result.Total)
	}
}

func TestHTTPEntityServiceUpdate(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/order/ord-1" {
			t.Errorf("request = %s %s, want PATCH /order/ord-1", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "ord-1", "status": "shipped"})
	})

	entity, err := svc.Update(context.Background(), "ord-1", map[string]any{"status": "shipped"})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if entity["status"] != "shipped" {
		t.Errorf("updated status = %v, want shipped", entity["status"])
	}

	if _, err := svc.Update(context.Background(), "", nil); model.CodeOf(err) != model.ErrBadRequest {
		t.Errorf("Update(empty id) code = %q, want %q", model.CodeOf(err), model.ErrBadRequest)
	}
}

func TestHTTPEntityServiceServerErrorTripsBreaker(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	svc.breaker = NewCircuitBreaker(2, 1, 0)

	for i := 0; i < 2; i++ {
		_, err := svc.Create(context.Background(), map[string]any{})
		if model.CodeOf(err) != model.ErrBackendUnavailable {
			t.Fatalf("Create() attempt %d code = %q, want %q", i+1, model.CodeOf(err), model.ErrBackendUnavailable)
		}
	}
	if s := svc.breaker.State(); s != BreakerOpen {
		t.Errorf("breaker state after repeated 5xx = %v, want Open", s)
	}
}

func TestHTTPEntityServiceClientErrorEnvelope(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(model.ErrorEnvelope{
			Code:    model.ErrConflict,
			Message: "version conflict",
		})
	})

	_, err := svc.Create(context.Background(), map[string]any{})
	if model.CodeOf(err) != model.ErrConflict {
		t.Errorf("Create() code = %q, want %q", model.CodeOf(err), model.ErrConflict)
	}
	// 4xx must not count against the breaker.
	if s := svc.breaker.State(); s != BreakerClosed {
		t.Errorf("breaker state after 4xx = %v, want Closed", s)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	if _, ok := reg.Entity("Order"); ok {
		t.Error("Entity() on empty registry should miss")
	}

	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {})
	reg.Register("Order", svc)
	reg.Register("Invoice", svc)

	if _, ok := reg.Entity("Order"); !ok {
		t.Error("Entity(Order) should hit after Register")
	}
	names := reg.EntityNames()
	if len(names) != 2 || names[0] != "Invoice" || names[1] != "Order" {
		t.Errorf("EntityNames() = %v, want [Invoice Order]", names)
	}
}

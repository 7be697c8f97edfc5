package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockBackend simulates the external domain services behind one HTTP test
// server. Operation endpoints (POST /{service}/{op}) record calls and return
// configurable responses; registered entity collections get a conventional
// JSON CRUD surface (POST /{path}, GET /{path}, PATCH /{path}/{id}).
type MockBackend struct {
	t      *testing.T
	server *httptest.Server

	mu          sync.Mutex
	collections map[string][]map[string]any
	opCalls     []string
	opFailures  map[string]*opFailure
	nextID      int
}

type opFailure struct {
	status    int
	remaining int // negative means fail forever
}

func newMockBackend(t *testing.T) *MockBackend {
	t.Helper()
	mb := &MockBackend{
		t:           t,
		collections: make(map[string][]map[string]any),
		opFailures:  make(map[string]*opFailure),
	}
	mb.server = httptest.NewServer(http.HandlerFunc(mb.handle))
	t.Cleanup(mb.server.Close)
	return mb
}

// URL returns the backend's base URL.
func (mb *MockBackend) URL() string {
	return mb.server.URL
}

// AddCollection registers an entity collection path.
func (mb *MockBackend) AddCollection(path string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if _, ok := mb.collections[path]; !ok {
		mb.collections[path] = []map[string]any{}
	}
}

// FailOperation makes an operation return the given status. times < 0 fails
// every call; otherwise the failure clears after that many calls.
func (mb *MockBackend) FailOperation(op string, status, times int) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.opFailures[op] = &opFailure{status: status, remaining: times}
}

// OperationCalls returns the operations invoked so far, in order.
func (mb *MockBackend) OperationCalls() []string {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	out := make([]string, len(mb.opCalls))
	copy(out, mb.opCalls)
	return out
}

// Entities returns the current contents of a collection.
func (mb *MockBackend) Entities(path string) []map[string]any {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	out := make([]map[string]any, len(mb.collections[path]))
	copy(out, mb.collections[path])
	return out
}

func (mb *MockBackend) handle(w http.ResponseWriter, r *http.Request) {
	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		http.NotFound(w, r)
		return
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()

	if _, ok := mb.collections[segments[0]]; ok {
		mb.handleCollection(w, r, segments)
		return
	}
	mb.handleOperation(w, r, segments)
}

func (mb *MockBackend) handleOperation(w http.ResponseWriter, r *http.Request, segments []string) {
	if r.Method != http.MethodPost || len(segments) < 2 {
		http.NotFound(w, r)
		return
	}
	op := segments[0] + "." + strings.Join(segments[1:], ".")
	mb.opCalls = append(mb.opCalls, op)

	if f, ok := mb.opFailures[op]; ok && f.remaining != 0 {
		if f.remaining > 0 {
			f.remaining--
		}
		w.WriteHeader(f.status)
		json.NewEncoder(w).Encode(map[string]string{"message": "induced failure"})
		return
	}

	var input map[string]any
	json.NewDecoder(r.Body).Decode(&input)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"op": op, "ok": true})
}

func (mb *MockBackend) handleCollection(w http.ResponseWriter, r *http.Request, segments []string) {
	path := segments[0]
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodPost && len(segments) == 1:
		var data map[string]any
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mb.nextID++
		data["id"] = fmt.Sprintf("%s-%d", path, mb.nextID)
		mb.collections[path] = append(mb.collections[path], data)
		json.NewEncoder(w).Encode(data)

	case r.Method == http.MethodGet && len(segments) == 1:
		matched := []map[string]any{}
		query := r.URL.Query()
		for _, item := range mb.collections[path] {
			keep := true
			for key, vals := range query {
				if len(vals) == 0 {
					continue
				}
				if fmt.Sprintf("%v", item[key]) != vals[0] {
					keep = false
					break
				}
			}
			if keep {
				matched = append(matched, item)
			}
		}
		json.NewEncoder(w).Encode(matched)

	case r.Method == http.MethodPatch && len(segments) == 2:
		var data map[string]any
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, item := range mb.collections[path] {
			if item["id"] == segments[1] {
				for k, v := range data {
					item[k] = v
				}
				json.NewEncoder(w).Encode(item)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)

	default:
		http.NotFound(w, r)
	}
}

package invoker

import (
	"sort"
	"sync"

	"github.com/mazwell/conduct/model"
)

// Registry maps entity names to their services. It satisfies the resolver
// interfaces consumed by the effect executor and the engine.
type Registry struct {
	mu       sync.RWMutex
	services map[string]model.EntityService
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]model.EntityService)}
}

// Register binds an entity name to a service, replacing any previous binding.
func (r *Registry) Register(entityName string, svc model.EntityService) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[entityName] = svc
}

// Entity returns the service bound to an entity name.
func (r *Registry) Entity(entityName string) (model.EntityService, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[entityName]
	return svc, ok
}

// EntityNames returns registered entity names in sorted order.
func (r *Registry) EntityNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

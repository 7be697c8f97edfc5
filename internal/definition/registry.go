package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/mazwell/conduct/model"
)

// snapshot is an immutable index over all loaded bundles.
type snapshot struct {
	processes map[string]model.ProcessSpec
	machines  map[string]model.StateMachineSpec
	checksum  string
}

// Registry is a read-optimized, thread-safe store of loaded definitions. It
// uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given bundles.
func NewRegistry(bundles []Bundle) *Registry {
	r := &Registry{}
	r.Replace(bundles)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given bundles.
func (r *Registry) Replace(bundles []Bundle) {
	s := &snapshot{
		processes: make(map[string]model.ProcessSpec),
		machines:  make(map[string]model.StateMachineSpec),
	}

	var checksumParts []string
	for _, bundle := range bundles {
		checksumParts = append(checksumParts, bundle.Checksum)
		for _, p := range bundle.Processes {
			s.processes[p.Name] = p
		}
		for _, sm := range bundle.StateMachines {
			s.machines[sm.EntityName] = sm
		}
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// GetProcess returns the process spec with the given name.
func (r *Registry) GetProcess(name string) (model.ProcessSpec, bool) {
	p, ok := r.current().processes[name]
	return p, ok
}

// GetStateMachine returns the state machine attached to an entity.
func (r *Registry) GetStateMachine(entityName string) (model.StateMachineSpec, bool) {
	sm, ok := r.current().machines[entityName]
	return sm, ok
}

// AllProcesses returns all process specs sorted by name.
func (r *Registry) AllProcesses() []model.ProcessSpec {
	s := r.current()
	specs := make([]model.ProcessSpec, 0, len(s.processes))
	for _, p := range s.processes {
		specs = append(specs, p)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// AllStateMachines returns all state machines sorted by entity name.
func (r *Registry) AllStateMachines() []model.StateMachineSpec {
	s := r.current()
	machines := make([]model.StateMachineSpec, 0, len(s.machines))
	for _, sm := range s.machines {
		machines = append(machines, sm)
	}
	sort.Slice(machines, func(i, j int) bool { return machines[i].EntityName < machines[j].EntityName })
	return machines
}

// Checksum returns the combined checksum of all loaded bundles.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

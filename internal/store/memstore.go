package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mazwell/conduct/model"
)

type memEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e memEntry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is an in-process StateStore used by the embedded backend and in
// tests. Expired entries are dropped lazily on read.
type MemoryStore struct {
	mu        sync.RWMutex
	specs     map[string]model.ProcessSpec
	runs      map[string]memEntry[model.ProcessRun]
	tasks     map[string]memEntry[model.ProcessTask]
	schedules map[string]time.Time
	machines  map[string]model.StateMachineSpec

	now func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		specs:     make(map[string]model.ProcessSpec),
		runs:      make(map[string]memEntry[model.ProcessRun]),
		tasks:     make(map[string]memEntry[model.ProcessTask]),
		schedules: make(map[string]time.Time),
		machines:  make(map[string]model.StateMachineSpec),
		now:       time.Now,
	}
}

func (s *MemoryStore) SaveProcessSpec(_ context.Context, spec *model.ProcessSpec) error {
	if spec == nil || spec.Name == "" {
		return model.NewBadRequestError("process spec requires a name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs[spec.Name] = *spec
	return nil
}

func (s *MemoryStore) GetProcessSpec(_ context.Context, name string) (*model.ProcessSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.specs[name]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("process %s is not registered", name))
	}
	return &spec, nil
}

func (s *MemoryStore) ListProcessSpecs(_ context.Context) ([]model.ProcessSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ProcessSpec, 0, len(s.specs))
	for _, spec := range s.specs {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run *model.ProcessRun) error {
	if run == nil || run.RunID == "" {
		return model.NewBadRequestError("run requires a run_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.RunID] = memEntry[model.ProcessRun]{
		value:     *run,
		expiresAt: s.now().Add(TTLForRunStatus(run.Status)),
	}
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (*model.ProcessRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.runs[runID]
	if !ok {
		return nil, model.NewRunNotFoundError(runID)
	}
	if entry.expired(s.now()) {
		delete(s.runs, runID)
		return nil, model.NewRunNotFoundError(runID)
	}
	run := entry.value
	return &run, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, filters model.RunFilters) ([]model.ProcessRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	ids := make([]string, 0, len(s.runs))
	for id, entry := range s.runs {
		if entry.expired(now) {
			delete(s.runs, id)
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]model.ProcessRun, 0)
	skipped := 0
	for _, id := range ids {
		run := s.runs[id].value
		if filters.ProcessName != "" && run.ProcessName != filters.ProcessName {
			continue
		}
		if filters.Status != "" && run.Status != filters.Status {
			continue
		}
		if skipped < filters.Offset {
			skipped++
			continue
		}
		out = append(out, run)
		if filters.Limit > 0 && len(out) >= filters.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) FindActiveRun(_ context.Context, processName, idempotencyKey string) (*model.ProcessRun, error) {
	if idempotencyKey == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	for _, entry := range s.runs {
		if entry.expired(now) {
			continue
		}
		run := entry.value
		if run.ProcessName == processName && run.IdempotencyKey == idempotencyKey && !run.Terminal() {
			return &run, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) SaveTask(_ context.Context, task *model.ProcessTask) error {
	if task == nil || task.TaskID == "" {
		return model.NewBadRequestError("task requires a task_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.TaskID] = memEntry[model.ProcessTask]{
		value:     *task,
		expiresAt: s.now().Add(TTLForTaskStatus(task.Status)),
	}
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (*model.ProcessTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.tasks[taskID]
	if !ok || entry.expired(s.now()) {
		delete(s.tasks, taskID)
		return nil, model.NewTaskNotFoundError(taskID)
	}
	task := entry.value
	return &task, nil
}

func (s *MemoryStore) ListTasksByRun(_ context.Context, runID string) ([]model.ProcessTask, error) {
	return s.filterTasks(func(t model.ProcessTask) bool { return t.RunID == runID })
}

func (s *MemoryStore) ListTasksByAssignee(_ context.Context, assigneeID string) ([]model.ProcessTask, error) {
	return s.filterTasks(func(t model.ProcessTask) bool { return t.AssigneeID == assigneeID })
}

func (s *MemoryStore) ListDueTasks(_ context.Context, cutoff time.Time) ([]model.ProcessTask, error) {
	return s.filterTasks(func(t model.ProcessTask) bool {
		return t.Status == model.TaskStatusPending && !t.DueAt.IsZero() && t.DueAt.Before(cutoff)
	})
}

func (s *MemoryStore) filterTasks(keep func(model.ProcessTask) bool) ([]model.ProcessTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]model.ProcessTask, 0)
	for id, entry := range s.tasks {
		if entry.expired(now) {
			delete(s.tasks, id)
			continue
		}
		if keep(entry.value) {
			out = append(out, entry.value)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].TaskID, out[j].TaskID) < 0
	})
	return out, nil
}

func (s *MemoryStore) SaveScheduleLastRun(_ context.Context, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[name] = at
	return nil
}

func (s *MemoryStore) GetScheduleLastRun(_ context.Context, name string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schedules[name], nil
}

func (s *MemoryStore) SaveStateMachine(_ context.Context, sm *model.StateMachineSpec) error {
	if sm == nil || sm.EntityName == "" {
		return model.NewBadRequestError("state machine requires an entity name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machines[sm.EntityName] = *sm
	return nil
}

func (s *MemoryStore) GetStateMachine(_ context.Context, entityName string) (*model.StateMachineSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sm, ok := s.machines[entityName]
	if !ok {
		return nil, nil
	}
	return &sm, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// runTTL reports the remaining retention for a run. Test hook.
func (s *MemoryStore) runTTL(runID string) (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.runs[runID]
	if !ok {
		return 0, false
	}
	return entry.expiresAt.Sub(s.now()), true
}

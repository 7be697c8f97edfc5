package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mazwell/conduct/model"
)

// Key layout. Every record is a JSON value under a typed key; membership
// indexes are plain sets whose TTL is refreshed on each write so they outlive
// every member they reference.
func processSpecKey(name string) string    { return "process:spec:" + name }
func scheduleSpecKey(name string) string   { return "schedule:spec:" + name }
func scheduleLastKey(name string) string   { return "schedule:lastrun:" + name }
func runKey(runID string) string           { return "run:" + runID }
func runProcessIndexKey(name string) string { return "run:idx:process:" + name }
func runStatusIndexKey(status string) string { return "run:idx:status:" + status }
func taskKey(taskID string) string         { return "task:" + taskID }
func taskRunIndexKey(runID string) string  { return "task:idx:run:" + runID }
func taskAssigneeIndexKey(id string) string { return "task:idx:assignee:" + id }
func entityMetaKey(name string) string     { return "entity:meta:" + name }

const processSpecIndexKey = "process:spec:idx"

// RedisStore is a Redis-backed StateStore.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed state store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %q: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return model.NewBackendUnavailableError(fmt.Sprintf("redis set %q: %v", key, err))
	}
	return nil
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, model.NewBackendUnavailableError(fmt.Sprintf("redis get %q: %v", key, err))
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("unmarshal %q: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) touchIndex(ctx context.Context, key, member string) error {
	if err := s.client.SAdd(ctx, key, member).Err(); err != nil {
		return model.NewBackendUnavailableError(fmt.Sprintf("redis sadd %q: %v", key, err))
	}
	if err := s.client.Expire(ctx, key, IndexTTL).Err(); err != nil {
		return model.NewBackendUnavailableError(fmt.Sprintf("redis expire %q: %v", key, err))
	}
	return nil
}

func (s *RedisStore) SaveProcessSpec(ctx context.Context, spec *model.ProcessSpec) error {
	if spec == nil || spec.Name == "" {
		return model.NewBadRequestError("process spec requires a name")
	}
	if err := s.setJSON(ctx, processSpecKey(spec.Name), spec, 0); err != nil {
		return err
	}
	if spec.Trigger.Kind == model.TriggerSchedule && spec.Schedule != nil {
		if err := s.setJSON(ctx, scheduleSpecKey(spec.Name), spec.Schedule, 0); err != nil {
			return err
		}
	}
	if err := s.client.SAdd(ctx, processSpecIndexKey, spec.Name).Err(); err != nil {
		return model.NewBackendUnavailableError(fmt.Sprintf("redis sadd %q: %v", processSpecIndexKey, err))
	}
	return nil
}

func (s *RedisStore) GetProcessSpec(ctx context.Context, name string) (*model.ProcessSpec, error) {
	var spec model.ProcessSpec
	ok, err := s.getJSON(ctx, processSpecKey(name), &spec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("process %s is not registered", name))
	}
	return &spec, nil
}

func (s *RedisStore) ListProcessSpecs(ctx context.Context) ([]model.ProcessSpec, error) {
	names, err := s.client.SMembers(ctx, processSpecIndexKey).Result()
	if err != nil {
		return nil, model.NewBackendUnavailableError(fmt.Sprintf("redis smembers %q: %v", processSpecIndexKey, err))
	}
	sort.Strings(names)
	out := make([]model.ProcessSpec, 0, len(names))
	for _, name := range names {
		var spec model.ProcessSpec
		ok, err := s.getJSON(ctx, processSpecKey(name), &spec)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, spec)
		}
	}
	return out, nil
}

func (s *RedisStore) SaveRun(ctx context.Context, run *model.ProcessRun) error {
	if run == nil || run.RunID == "" {
		return model.NewBadRequestError("run requires a run_id")
	}
	if err := s.setJSON(ctx, runKey(run.RunID), run, TTLForRunStatus(run.Status)); err != nil {
		return err
	}
	if err := s.touchIndex(ctx, runProcessIndexKey(run.ProcessName), run.RunID); err != nil {
		return err
	}
	// The run stays a member of every status index it ever passed through.
	// Readers filter on the record's own status field, so stale membership
	// only costs an extra fetch.
	return s.touchIndex(ctx, runStatusIndexKey(run.Status), run.RunID)
}

func (s *RedisStore) GetRun(ctx context.Context, runID string) (*model.ProcessRun, error) {
	var run model.ProcessRun
	ok, err := s.getJSON(ctx, runKey(runID), &run)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.NewRunNotFoundError(runID)
	}
	return &run, nil
}

func (s *RedisStore) ListRuns(ctx context.Context, filters model.RunFilters) ([]model.ProcessRun, error) {
	ids, err := s.candidateRunIDs(ctx, filters)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	out := make([]model.ProcessRun, 0)
	skipped := 0
	for _, id := range ids {
		var run model.ProcessRun
		ok, err := s.getJSON(ctx, runKey(id), &run)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
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

func (s *RedisStore) candidateRunIDs(ctx context.Context, filters model.RunFilters) ([]string, error) {
	switch {
	case filters.ProcessName != "":
		return s.setMembers(ctx, runProcessIndexKey(filters.ProcessName))
	case filters.Status != "":
		return s.setMembers(ctx, runStatusIndexKey(filters.Status))
	}
	// Unfiltered listing walks the per-process indexes rather than the
	// keyspace.
	names, err := s.client.SMembers(ctx, processSpecIndexKey).Result()
	if err != nil {
		return nil, model.NewBackendUnavailableError(fmt.Sprintf("redis smembers %q: %v", processSpecIndexKey, err))
	}
	ids := make([]string, 0)
	for _, name := range names {
		members, err := s.setMembers(ctx, runProcessIndexKey(name))
		if err != nil {
			return nil, err
		}
		ids = append(ids, members...)
	}
	return ids, nil
}

func (s *RedisStore) setMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, model.NewBackendUnavailableError(fmt.Sprintf("redis smembers %q: %v", key, err))
	}
	return members, nil
}

func (s *RedisStore) FindActiveRun(ctx context.Context, processName, idempotencyKey string) (*model.ProcessRun, error) {
	if idempotencyKey == "" {
		return nil, nil
	}
	ids, err := s.setMembers(ctx, runProcessIndexKey(processName))
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	for _, id := range ids {
		var run model.ProcessRun
		ok, err := s.getJSON(ctx, runKey(id), &run)
		if err != nil {
			return nil, err
		}
		if ok && run.IdempotencyKey == idempotencyKey && !run.Terminal() {
			return &run, nil
		}
	}
	return nil, nil
}

func (s *RedisStore) SaveTask(ctx context.Context, task *model.ProcessTask) error {
	if task == nil || task.TaskID == "" {
		return model.NewBadRequestError("task requires a task_id")
	}
	if err := s.setJSON(ctx, taskKey(task.TaskID), task, TTLForTaskStatus(task.Status)); err != nil {
		return err
	}
	if err := s.touchIndex(ctx, taskRunIndexKey(task.RunID), task.TaskID); err != nil {
		return err
	}
	if task.AssigneeID != "" {
		return s.touchIndex(ctx, taskAssigneeIndexKey(task.AssigneeID), task.TaskID)
	}
	return nil
}

func (s *RedisStore) GetTask(ctx context.Context, taskID string) (*model.ProcessTask, error) {
	var task model.ProcessTask
	ok, err := s.getJSON(ctx, taskKey(taskID), &task)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.NewTaskNotFoundError(taskID)
	}
	return &task, nil
}

func (s *RedisStore) ListTasksByRun(ctx context.Context, runID string) ([]model.ProcessTask, error) {
	return s.tasksFromIndex(ctx, taskRunIndexKey(runID), nil)
}

func (s *RedisStore) ListTasksByAssignee(ctx context.Context, assigneeID string) ([]model.ProcessTask, error) {
	return s.tasksFromIndex(ctx, taskAssigneeIndexKey(assigneeID), nil)
}

func (s *RedisStore) ListDueTasks(ctx context.Context, cutoff time.Time) ([]model.ProcessTask, error) {
	// Due-task sweeping has no dedicated index; walk pending tasks through
	// the per-run indexes of active runs.
	runs, err := s.ListRuns(ctx, model.RunFilters{Status: model.RunStatusWaiting})
	if err != nil {
		return nil, err
	}
	out := make([]model.ProcessTask, 0)
	for _, run := range runs {
		tasks, err := s.tasksFromIndex(ctx, taskRunIndexKey(run.RunID), func(t model.ProcessTask) bool {
			return t.Status == model.TaskStatusPending && !t.DueAt.IsZero() && t.DueAt.Before(cutoff)
		})
		if err != nil {
			return nil, err
		}
		out = append(out, tasks...)
	}
	return out, nil
}

func (s *RedisStore) tasksFromIndex(ctx context.Context, key string, keep func(model.ProcessTask) bool) ([]model.ProcessTask, error) {
	ids, err := s.setMembers(ctx, key)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]model.ProcessTask, 0, len(ids))
	for _, id := range ids {
		var task model.ProcessTask
		ok, err := s.getJSON(ctx, taskKey(id), &task)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if keep == nil || keep(task) {
			out = append(out, task)
		}
	}
	return out, nil
}

func (s *RedisStore) SaveScheduleLastRun(ctx context.Context, name string, at time.Time) error {
	if err := s.client.Set(ctx, scheduleLastKey(name), at.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
		return model.NewBackendUnavailableError(fmt.Sprintf("redis set %q: %v", scheduleLastKey(name), err))
	}
	return nil
}

func (s *RedisStore) GetScheduleLastRun(ctx context.Context, name string) (time.Time, error) {
	raw, err := s.client.Get(ctx, scheduleLastKey(name)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, model.NewBackendUnavailableError(fmt.Sprintf("redis get %q: %v", scheduleLastKey(name), err))
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse schedule lastrun for %q: %w", name, err)
	}
	return at, nil
}

func (s *RedisStore) SaveStateMachine(ctx context.Context, sm *model.StateMachineSpec) error {
	if sm == nil || sm.EntityName == "" {
		return model.NewBadRequestError("state machine requires an entity name")
	}
	return s.setJSON(ctx, entityMetaKey(sm.EntityName), sm, 0)
}

func (s *RedisStore) GetStateMachine(ctx context.Context, entityName string) (*model.StateMachineSpec, error) {
	var sm model.StateMachineSpec
	ok, err := s.getJSON(ctx, entityMetaKey(entityName), &sm)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &sm, nil
}

// HealthCheck verifies the Redis connection.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return model.NewBackendUnavailableError(fmt.Sprintf("redis ping: %v", err))
	}
	return nil
}

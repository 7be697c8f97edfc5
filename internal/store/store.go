// Package store provides durable persistence for process runs, human tasks,
// schedules, and registered specs, with interchangeable backends.
package store

import (
	"context"
	"time"

	"github.com/mazwell/conduct/model"
)

// Retention windows. Non-terminal records are kept for the active window;
// records entering a terminal status are re-saved with the shorter terminal
// window on that same write.
const (
	RetentionActive   = 30 * 24 * time.Hour
	RetentionTerminal = 7 * 24 * time.Hour

	// IndexTTL is re-applied to every index set on each touch so an index
	// never expires ahead of live data it references.
	IndexTTL = RetentionActive
)

// TTLForRunStatus returns the retention window for a run in the given status.
func TTLForRunStatus(status string) time.Duration {
	if model.TerminalRunStatus(status) {
		return RetentionTerminal
	}
	return RetentionActive
}

// TTLForTaskStatus returns the retention window for a task in the given status.
func TTLForTaskStatus(status string) time.Duration {
	if status == model.TaskStatusCompleted || status == model.TaskStatusCancelled {
		return RetentionTerminal
	}
	return RetentionActive
}

// StateStore persists all durable engine state. Implementations must apply
// the retention windows above on every write.
type StateStore interface {
	// SaveProcessSpec registers or replaces a process definition.
	SaveProcessSpec(ctx context.Context, spec *model.ProcessSpec) error

	// GetProcessSpec returns a registered process definition.
	GetProcessSpec(ctx context.Context, name string) (*model.ProcessSpec, error)

	// ListProcessSpecs returns all registered process definitions.
	ListProcessSpecs(ctx context.Context) ([]model.ProcessSpec, error)

	// SaveRun persists a run after a step boundary. Implementations refresh
	// run indexes and apply the status-appropriate TTL.
	SaveRun(ctx context.Context, run *model.ProcessRun) error

	// GetRun returns a run by id, or RUN_NOT_FOUND.
	GetRun(ctx context.Context, runID string) (*model.ProcessRun, error)

	// ListRuns filters by process name or status (primary filter; the other
	// is applied client-side when both are set), paginated over a sorted id
	// list. The ordering is best-effort, not a cross-writer total order.
	ListRuns(ctx context.Context, filters model.RunFilters) ([]model.ProcessRun, error)

	// FindActiveRun returns the non-terminal run for the given process and
	// idempotency key, or nil when none exists.
	FindActiveRun(ctx context.Context, processName, idempotencyKey string) (*model.ProcessRun, error)

	// SaveTask persists a human task.
	SaveTask(ctx context.Context, task *model.ProcessTask) error

	// GetTask returns a task by id, or TASK_NOT_FOUND.
	GetTask(ctx context.Context, taskID string) (*model.ProcessTask, error)

	// ListTasksByRun returns all tasks belonging to a run.
	ListTasksByRun(ctx context.Context, runID string) ([]model.ProcessTask, error)

	// ListTasksByAssignee returns all tasks assigned to a user.
	ListTasksByAssignee(ctx context.Context, assigneeID string) ([]model.ProcessTask, error)

	// ListDueTasks returns pending tasks whose due_at is before the cutoff.
	ListDueTasks(ctx context.Context, cutoff time.Time) ([]model.ProcessTask, error)

	// SaveScheduleLastRun records when a scheduled process last fired.
	SaveScheduleLastRun(ctx context.Context, name string, at time.Time) error

	// GetScheduleLastRun returns the last firing time, or the zero time when
	// the schedule has never fired.
	GetScheduleLastRun(ctx context.Context, name string) (time.Time, error)

	// SaveStateMachine stores the state machine attached to an entity.
	SaveStateMachine(ctx context.Context, sm *model.StateMachineSpec) error

	// GetStateMachine returns the state machine for an entity, or nil.
	GetStateMachine(ctx context.Context, entityName string) (*model.StateMachineSpec, error)
}

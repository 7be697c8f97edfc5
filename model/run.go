package model

import "time"

// Process run status constants.
const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusWaiting   = "waiting"
	RunStatusSuspended = "suspended"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// Human task status constants.
const (
	TaskStatusPending    = "pending"
	TaskStatusInProgress = "in_progress"
	TaskStatusCompleted  = "completed"
	TaskStatusCancelled  = "cancelled"
)

// ContextKeyTriggerEntity is the run-context key holding the triggering
// entity's data.
const ContextKeyTriggerEntity = "trigger_entity"

// ContextKeyCompensationErrors is the run-context key collecting compensation
// failures. Compensation errors never mask the original step error.
const ContextKeyCompensationErrors = "compensation_errors"

// SignalTaskCompleted resumes a run suspended on a HUMAN_TASK step.
type SignalName = string

const SignalTaskCompleted SignalName = "task_completed"

// ProcessRun is the persisted state of one process execution. It is created
// at start, mutated by the executing adapter on every step boundary, and
// immutable once terminal.
type ProcessRun struct {
	RunID          string         `json:"run_id"`
	ProcessName    string         `json:"process_name"`
	ProcessVersion string         `json:"process_version,omitempty"`
	Status         string         `json:"status"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	Outputs        map[string]any `json:"outputs,omitempty"`
	CurrentStep    string         `json:"current_step,omitempty"`
	Error          string         `json:"error,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// Terminal reports whether the run has reached a final status.
func (r *ProcessRun) Terminal() bool {
	return TerminalRunStatus(r.Status)
}

// TerminalRunStatus reports whether a run status is final.
func TerminalRunStatus(status string) bool {
	switch status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// ProcessTask is a persisted human task. DueAt is always set.
type ProcessTask struct {
	TaskID       string         `json:"task_id"`
	RunID        string         `json:"run_id"`
	StepName     string         `json:"step_name"`
	SurfaceName  string         `json:"surface_name,omitempty"`
	EntityName   string         `json:"entity_name,omitempty"`
	EntityID     string         `json:"entity_id,omitempty"`
	AssigneeRole string         `json:"assignee_role,omitempty"`
	AssigneeID   string         `json:"assignee_id,omitempty"`
	Status       string         `json:"status"`
	Outcome      string         `json:"outcome,omitempty"`
	OutcomeData  map[string]any `json:"outcome_data,omitempty"`
	DueAt        time.Time      `json:"due_at"`
	CreatedAt    time.Time      `json:"created_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	EscalatedAt  *time.Time     `json:"escalated_at,omitempty"`
}

// Terminal reports whether the task has reached a final status.
func (t *ProcessTask) Terminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusCancelled
}

// TaskCompletion is the payload of a task_completed signal.
type TaskCompletion struct {
	StepName    string         `json:"step_name"`
	Outcome     string         `json:"outcome"`
	OutcomeData map[string]any `json:"outcome_data,omitempty"`
}

// RunFilters are optional filters for listing process runs. ProcessName and
// Status are mutually exclusive as the primary filter; when both are given
// the second is applied client-side.
type RunFilters struct {
	ProcessName string `json:"process_name,omitempty"`
	Status      string `json:"status,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	Offset      int    `json:"offset,omitempty"`
}

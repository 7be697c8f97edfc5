package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
)

// Process-engine error codes.
const (
	ErrGuardNotSatisfied  = "GUARD_NOT_SATISFIED"
	ErrUnknownTransition  = "UNKNOWN_TRANSITION"
	ErrStepExecution      = "STEP_EXECUTION_FAILED"
	ErrProcessConfig      = "PROCESS_CONFIG"
	ErrTimeout            = "TIMEOUT"
	ErrRunNotFound        = "RUN_NOT_FOUND"
	ErrRunNotActive       = "RUN_NOT_ACTIVE"
	ErrTaskNotFound       = "TASK_NOT_FOUND"
)

// ErrorEnvelope is the standard error value returned by the engine. It
// implements the error interface.
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf returns the envelope code carried by err, or INTERNAL_ERROR for any
// other error type.
func CodeOf(err error) string {
	if env, ok := err.(*ErrorEnvelope); ok {
		return env.Code
	}
	return ErrInternalError
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewGuardNotSatisfiedError returns a GUARD_NOT_SATISFIED error. Guard
// failures are surfaced synchronously and never retried.
func NewGuardNotSatisfiedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrGuardNotSatisfied, Message: msg}
}

// NewUnknownTransitionError returns an UNKNOWN_TRANSITION error for a
// transition with no matching edge in the state machine.
func NewUnknownTransitionError(from, to string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnknownTransition,
		Message: fmt.Sprintf("no transition from %q to %q", from, to),
	}
}

// NewStepExecutionError returns a STEP_EXECUTION_FAILED error.
func NewStepExecutionError(step string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStepExecution,
		Message: fmt.Sprintf("step %q failed: %v", step, cause),
	}
}

// NewProcessConfigError returns a PROCESS_CONFIG error for an unknown or
// misconfigured backend, store, or process definition.
func NewProcessConfigError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrProcessConfig, Message: msg}
}

// NewTimeoutError returns a TIMEOUT error.
func NewTimeoutError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrTimeout, Message: msg}
}

// NewRunNotFoundError returns a RUN_NOT_FOUND error.
func NewRunNotFoundError(runID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRunNotFound,
		Message: fmt.Sprintf("process run %q not found", runID),
	}
}

// NewRunNotActiveError returns a RUN_NOT_ACTIVE error for an operation that
// requires a non-terminal run.
func NewRunNotActiveError(runID, status string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRunNotActive,
		Message: fmt.Sprintf("process run %q is %s", runID, status),
	}
}

// NewTaskNotFoundError returns a TASK_NOT_FOUND error.
func NewTaskNotFoundError(taskID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTaskNotFound,
		Message: fmt.Sprintf("task %q not found", taskID),
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBackendUnavailable, Message: msg}
}

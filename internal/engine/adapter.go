// Package engine executes process runs. Two adapters share one observable
// contract: lite runs processes in-process on goroutines, durable delegates
// execution to a Temporal cluster. Callers cannot tell them apart through the
// ProcessAdapter interface.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/mazwell/conduct/internal/effect"
	"github.com/mazwell/conduct/internal/observability"
	"github.com/mazwell/conduct/internal/store"
	"github.com/mazwell/conduct/model"
)

// StartRequest carries everything needed to start one process run.
type StartRequest struct {
	ProcessName string `json:"process_name"`
	// Inputs are caller-provided start parameters.
	Inputs map[string]any `json:"inputs,omitempty"`
	// TriggerEntity is the entity snapshot that matched the trigger, if any.
	TriggerEntity map[string]any `json:"trigger_entity,omitempty"`
	// IdempotencyKey deduplicates starts: while a run with this key is
	// active for the same process, StartProcess returns it instead of
	// starting another.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// OperationInvoker calls a named backend operation. SERVICE steps and
// compensations go through it.
type OperationInvoker interface {
	InvokeOperation(ctx context.Context, operation string, input map[string]any) (map[string]any, error)
}

// ServiceResolver resolves entity names to their services, for QUERY steps
// and side effects.
type ServiceResolver = effect.ServiceResolver

// ProcessAdapter is the execution backend contract.
type ProcessAdapter interface {
	// RegisterProcess makes a process definition startable.
	RegisterProcess(ctx context.Context, spec *model.ProcessSpec) error

	// StartProcess starts a run, or returns the active run holding the
	// request's idempotency key.
	StartProcess(ctx context.Context, req StartRequest) (*model.ProcessRun, error)

	// GetRun returns a run by id.
	GetRun(ctx context.Context, runID string) (*model.ProcessRun, error)

	// ListRuns lists runs matching the filters.
	ListRuns(ctx context.Context, filters model.RunFilters) ([]model.ProcessRun, error)

	// CancelProcess stops an active run without compensation and cancels
	// its pending tasks.
	CancelProcess(ctx context.Context, runID, reason string) error

	// SignalProcess delivers a signal to a waiting run. The only defined
	// signal is task_completed.
	SignalProcess(ctx context.Context, runID string, signal model.SignalName, completion model.TaskCompletion) error
}

// Backend names accepted by New.
const (
	BackendLite    = "lite"
	BackendDurable = "durable"
	BackendAuto    = "auto"
)

// TemporalOptions configure the durable backend connection.
type TemporalOptions struct {
	HostPort  string
	Namespace string
	TaskQueue string
}

// Options configure an adapter.
type Options struct {
	Backend    string
	Store      store.StateStore
	Services   ServiceResolver
	Operations OperationInvoker
	Logger     *zap.Logger
	Metrics    *observability.Metrics

	// DefaultTaskTimeout is the due window for human tasks whose spec has
	// no timeout. Defaults to 72h.
	DefaultTaskTimeout time.Duration

	Temporal TemporalOptions
}

// New creates the adapter selected by opts.Backend. The auto backend tries
// the Temporal cluster and falls back to lite when it is unreachable.
func New(ctx context.Context, opts Options) (ProcessAdapter, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DefaultTaskTimeout <= 0 {
		opts.DefaultTaskTimeout = 72 * time.Hour
	}

	switch opts.Backend {
	case BackendLite, "":
		return NewLiteAdapter(opts), nil
	case BackendDurable:
		c, err := dialTemporal(ctx, opts.Temporal)
		if err != nil {
			return nil, model.NewBackendUnavailableError(
				fmt.Sprintf("durable backend unreachable at %s: %v", opts.Temporal.HostPort, err),
			)
		}
		return NewDurableAdapter(c, opts)
	case BackendAuto:
		c, err := dialTemporal(ctx, opts.Temporal)
		if err != nil {
			opts.Logger.Warn("durable backend unreachable, falling back to lite",
				zap.String("host_port", opts.Temporal.HostPort),
				zap.Error(err))
			return NewLiteAdapter(opts), nil
		}
		return NewDurableAdapter(c, opts)
	default:
		return nil, model.NewProcessConfigError(
			fmt.Sprintf("unknown engine backend %q (supported: lite, durable, auto)", opts.Backend),
		)
	}
}

func dialTemporal(ctx context.Context, t TemporalOptions) (client.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return client.DialContext(dialCtx, client.Options{
		HostPort:  t.HostPort,
		Namespace: t.Namespace,
	})
}

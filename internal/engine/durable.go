package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/mazwell/conduct/internal/effect"
	"github.com/mazwell/conduct/internal/observability"
	"github.com/mazwell/conduct/internal/store"
	"github.com/mazwell/conduct/model"
)

const (
	workflowIDPrefix = "conduct-run-"

	defaultTaskQueue = "conduct-processes"

	serviceActivityTimeout = 2 * time.Minute
	systemActivityTimeout  = 30 * time.Second
)

// DurableAdapter executes process runs as Temporal workflows. A single
// generic interpreter workflow walks any process definition, so deploying a
// new definition never requires new workflow code. The state store mirrors
// workflow progress so queries stay identical to the lite adapter.
type DurableAdapter struct {
	client    client.Client
	worker    worker.Worker
	store     store.StateStore
	logger    *zap.Logger
	metrics   *observability.Metrics
	taskQueue string
	timeout   time.Duration

	mu    sync.Mutex
	specs map[string]*model.ProcessSpec
}

// NewDurableAdapter builds the adapter and starts its worker on the
// configured task queue.
func NewDurableAdapter(c client.Client, opts Options) (*DurableAdapter, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	taskQueue := opts.Temporal.TaskQueue
	if taskQueue == "" {
		taskQueue = defaultTaskQueue
	}
	timeout := opts.DefaultTaskTimeout
	if timeout <= 0 {
		timeout = 72 * time.Hour
	}

	a := &DurableAdapter{
		client:    c,
		store:     opts.Store,
		logger:    logger.Named("engine.durable"),
		metrics:   opts.Metrics,
		taskQueue: taskQueue,
		timeout:   timeout,
		specs:     make(map[string]*model.ProcessSpec),
	}

	acts := &runActivities{
		store:       opts.Store,
		ops:         opts.Operations,
		services:    opts.Services,
		effects:     effect.NewExecutor(opts.Services),
		metrics:     opts.Metrics,
		logger:      a.logger,
		taskTimeout: timeout,
	}

	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflow(ProcessWorkflow)
	w.RegisterActivity(acts)
	if err := w.Start(); err != nil {
		return nil, model.NewBackendUnavailableError(
			fmt.Sprintf("start temporal worker: %v", err),
		)
	}
	a.worker = w
	return a, nil
}

// RegisterProcess makes a process startable and persists its definition.
func (a *DurableAdapter) RegisterProcess(ctx context.Context, spec *model.ProcessSpec) error {
	if spec == nil || spec.Name == "" {
		return model.NewProcessConfigError("process spec requires a name")
	}
	a.mu.Lock()
	a.specs[spec.Name] = spec
	a.mu.Unlock()
	return a.store.SaveProcessSpec(ctx, spec)
}

// StartProcess persists the run and starts an interpreter workflow for it.
func (a *DurableAdapter) StartProcess(ctx context.Context, req StartRequest) (*model.ProcessRun, error) {
	// 1. Look up the process definition.
	spec := a.spec(req.ProcessName)
	if spec == nil {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("process %q is not registered", req.ProcessName),
		)
	}

	// 2. Idempotent start: an active run holding the key wins. The check is
	// not atomic; two concurrent starts with the same key can both pass it.
	// TODO: close the window with a store-level atomic find-or-create.
	if req.IdempotencyKey != "" {
		existing, err := a.store.FindActiveRun(ctx, req.ProcessName, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	// 3. Create and persist the run.
	now := time.Now().UTC()
	run := &model.ProcessRun{
		RunID:          uuid.New().String(),
		ProcessName:    spec.Name,
		ProcessVersion: spec.Version,
		Status:         model.RunStatusPending,
		Inputs:         req.Inputs,
		Context:        map[string]any{},
		IdempotencyKey: req.IdempotencyKey,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	if req.TriggerEntity != nil {
		run.Context[model.ContextKeyTriggerEntity] = req.TriggerEntity
	}
	if err := a.store.SaveRun(ctx, run); err != nil {
		return nil, err
	}
	if a.metrics != nil {
		a.metrics.RecordRunStart(spec.Name)
	}

	// 4. Start the workflow. The workflow id is derived from the run id so
	// signals and cancellation address it directly.
	_, err := a.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        workflowIDFor(run.RunID),
		TaskQueue: a.taskQueue,
	}, ProcessWorkflow, workflowInput{
		Spec:               spec,
		Run:                run,
		DefaultTaskTimeout: a.timeout,
	})
	if err != nil {
		// The run is already persisted. Left PENDING it would hold the
		// idempotency key for the whole retention window and swallow every
		// redelivery of the trigger, so mark it failed before reporting.
		failedAt := time.Now().UTC()
		run.Status = model.RunStatusFailed
		run.Error = fmt.Sprintf("start workflow: %v", err)
		run.UpdatedAt = failedAt
		run.CompletedAt = &failedAt
		if saveErr := a.store.SaveRun(ctx, run); saveErr != nil {
			a.logger.Warn("mark run failed after workflow start error",
				zap.String("run_id", run.RunID),
				zap.Error(saveErr))
		}
		if a.metrics != nil {
			a.metrics.RecordRunCompletion(spec.Name, model.RunStatusFailed)
		}
		return nil, model.NewBackendUnavailableError(
			fmt.Sprintf("start workflow for run %s: %v", run.RunID, err),
		)
	}
	return run, nil
}

// GetRun returns a run by id.
func (a *DurableAdapter) GetRun(ctx context.Context, runID string) (*model.ProcessRun, error) {
	return a.store.GetRun(ctx, runID)
}

// ListRuns lists runs matching the filters.
func (a *DurableAdapter) ListRuns(ctx context.Context, filters model.RunFilters) ([]model.ProcessRun, error) {
	return a.store.ListRuns(ctx, filters)
}

// CancelProcess cancels the workflow and marks the run cancelled. No
// compensation runs; pending tasks are cancelled with it.
func (a *DurableAdapter) CancelProcess(ctx context.Context, runID, reason string) error {
	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Terminal() {
		return model.NewRunNotActiveError(runID, run.Status)
	}

	if err := a.client.CancelWorkflow(ctx, workflowIDFor(runID), ""); err != nil {
		a.logger.Warn("cancel workflow", zap.String("run_id", runID), zap.Error(err))
	}

	now := time.Now().UTC()
	run.Status = model.RunStatusCancelled
	run.Error = reason
	run.UpdatedAt = now
	run.CompletedAt = &now
	if err := a.store.SaveRun(ctx, run); err != nil {
		return err
	}
	if err := cancelRunTasks(ctx, a.store, runID); err != nil {
		a.logger.Warn("cancel pending tasks", zap.String("run_id", runID), zap.Error(err))
	}
	if a.metrics != nil {
		a.metrics.RecordRunCompletion(run.ProcessName, model.RunStatusCancelled)
	}
	return nil
}

// SignalProcess completes the human task a run is waiting on and delivers the
// completion to its workflow.
func (a *DurableAdapter) SignalProcess(ctx context.Context, runID string, signal model.SignalName, completion model.TaskCompletion) error {
	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	stepName, err := validateTaskSignal(run, a.spec(run.ProcessName), signal, completion)
	if err != nil {
		return err
	}
	if err := completeTaskRecord(ctx, a.store, runID, stepName, completion); err != nil {
		return err
	}

	completion.StepName = stepName
	err = a.client.SignalWorkflow(ctx, workflowIDFor(runID), "", string(model.SignalTaskCompleted), completion)
	if err != nil {
		return model.NewBackendUnavailableError(
			fmt.Sprintf("signal workflow for run %s: %v", runID, err),
		)
	}
	if a.metrics != nil {
		a.metrics.RecordTaskCompleted(run.ProcessName, completion.Outcome)
	}
	return nil
}

// HealthCheck reports whether the Temporal frontend is reachable.
func (a *DurableAdapter) HealthCheck(ctx context.Context) error {
	if _, err := a.client.CheckHealth(ctx, &client.CheckHealthRequest{}); err != nil {
		return model.NewBackendUnavailableError(fmt.Sprintf("temporal: %v", err))
	}
	return nil
}

// Shutdown stops the worker and closes the client connection.
func (a *DurableAdapter) Shutdown(ctx context.Context) error {
	a.worker.Stop()
	a.client.Close()
	return nil
}

func (a *DurableAdapter) spec(name string) *model.ProcessSpec {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.specs[name]
}

func workflowIDFor(runID string) string {
	return workflowIDPrefix + runID
}

// --- interpreter workflow ---

// workflowInput carries everything the interpreter needs, so the workflow
// code itself stays independent of any particular process.
type workflowInput struct {
	Spec               *model.ProcessSpec `json:"spec"`
	Run                *model.ProcessRun  `json:"run"`
	DefaultTaskTimeout time.Duration      `json:"default_task_timeout"`
}

type stepCall struct {
	Run  *model.ProcessRun     `json:"run"`
	Step model.ProcessStepSpec `json:"step"`
}

type compensationCall struct {
	Run          *model.ProcessRun      `json:"run"`
	StepName     string                 `json:"step_name"`
	Compensation model.CompensationSpec `json:"compensation"`
}

type taskResolution struct {
	Run     *model.ProcessRun `json:"run"`
	Step    string            `json:"step"`
	Outcome string            `json:"outcome"`
}

// ProcessWorkflow interprets a process definition step by step. All effects
// happen in activities; the workflow only sequences them, so history replay
// stays deterministic.
func ProcessWorkflow(ctx workflow.Context, input workflowInput) error {
	var acts *runActivities
	spec := input.Spec
	run := input.Run

	var completed []*model.ProcessStepSpec
	for i := range spec.Steps {
		step := &spec.Steps[i]

		run.Status = model.RunStatusRunning
		run.CurrentStep = step.Name
		if err := persistRun(ctx, run); err != nil {
			return err
		}

		var err error
		switch step.Kind {
		case model.StepService:
			var out map[string]any
			err = executeStepActivity(ctx, step, acts.InvokeService, stepCall{Run: run, Step: *step}, &out)
			if err == nil && out != nil {
				run.Context[step.Name] = out
			}
		case model.StepSideEffect:
			var results []any
			err = executeStepActivity(ctx, step, acts.ApplyEffects, stepCall{Run: run, Step: *step}, &results)
			if err == nil {
				run.Context[step.Name] = results
			}
		case model.StepForEach:
			var count int64
			err = executeStepActivity(ctx, step, acts.ApplyForEach, stepCall{Run: run, Step: *step}, &count)
			if err == nil {
				run.Context[step.Name] = map[string]any{"count": count}
			}
		case model.StepQuery:
			var items []any
			err = executeStepActivity(ctx, step, acts.QueryEntities, stepCall{Run: run, Step: *step}, &items)
			if err == nil {
				resultVar := step.Query.ResultVar
				if resultVar == "" {
					resultVar = step.Name
				}
				run.Context[resultVar] = items
			}
		case model.StepWait:
			err = executeWorkflowWait(ctx, run, step)
		case model.StepHumanTask:
			err = executeWorkflowHumanTask(ctx, input, run, step)
		default:
			err = model.NewProcessConfigError(
				fmt.Sprintf("unknown step kind %q on step %q", step.Kind, step.Name),
			)
		}

		if err != nil {
			if temporal.IsCanceledError(err) || ctx.Err() != nil {
				return finalizeCancelled(ctx, run)
			}
			cause := err
			if model.CodeOf(err) != model.ErrStepExecution {
				cause = model.NewStepExecutionError(step.Name, err)
			}
			return finalizeFailed(ctx, spec, run, completed, cause)
		}
		completed = append(completed, step)
	}

	run.Status = model.RunStatusCompleted
	run.Outputs = cloneMap(run.Context)
	return persistRun(ctx, run)
}

func executeWorkflowWait(ctx workflow.Context, run *model.ProcessRun, step *model.ProcessStepSpec) error {
	run.Status = model.RunStatusWaiting
	if err := persistRun(ctx, run); err != nil {
		return err
	}
	return workflow.Sleep(ctx, time.Duration(step.WaitDurationSeconds)*time.Second)
}

func executeWorkflowHumanTask(ctx workflow.Context, input workflowInput, run *model.ProcessRun, step *model.ProcessStepSpec) error {
	var acts *runActivities
	ht := step.HumanTask

	sctx := workflow.WithActivityOptions(ctx, systemActivityOptions())
	var task model.ProcessTask
	if err := workflow.ExecuteActivity(sctx, acts.CreateTask, stepCall{Run: run, Step: *step}).Get(sctx, &task); err != nil {
		return err
	}

	run.Status = model.RunStatusWaiting
	if err := persistRun(ctx, run); err != nil {
		return err
	}

	timeout := input.DefaultTaskTimeout
	if ht.TimeoutSeconds > 0 {
		timeout = time.Duration(ht.TimeoutSeconds) * time.Second
	}

	signals := workflow.GetSignalChannel(ctx, string(model.SignalTaskCompleted))
	var completion model.TaskCompletion
	received := false

	timerCtx, cancelTimer := workflow.WithCancel(ctx)
	defer cancelTimer()

	selector := workflow.NewSelector(ctx)
	selector.AddReceive(signals, func(c workflow.ReceiveChannel, _ bool) {
		c.Receive(ctx, &completion)
		received = true
	})
	selector.AddFuture(workflow.NewTimer(timerCtx, timeout), func(workflow.Future) {})
	selector.Select(ctx)
	if ctx.Err() != nil {
		return temporal.NewCanceledError()
	}

	if !received {
		if ht.OnTimeoutOutcome != "" {
			res := taskResolution{Run: run, Step: step.Name, Outcome: ht.OnTimeoutOutcome}
			if err := workflow.ExecuteActivity(sctx, acts.ResolveTaskTimeout, res).Get(sctx, nil); err != nil {
				return err
			}
			completion = model.TaskCompletion{StepName: step.Name, Outcome: ht.OnTimeoutOutcome}
		} else {
			// No timeout outcome declared: escalate and keep waiting.
			esc := taskResolution{Run: run, Step: step.Name}
			if err := workflow.ExecuteActivity(sctx, acts.EscalateTask, esc).Get(sctx, nil); err != nil {
				return err
			}
			signals.Receive(ctx, &completion)
			if ctx.Err() != nil {
				return temporal.NewCanceledError()
			}
		}
	}

	run.Context[step.Name] = map[string]any{
		"outcome":      completion.Outcome,
		"outcome_data": completion.OutcomeData,
	}
	return nil
}

// finalizeFailed compensates completed steps in reverse order on a
// disconnected context, then persists the failed run. Compensation failures
// land in the run context and never mask the original error.
func finalizeFailed(ctx workflow.Context, spec *model.ProcessSpec, run *model.ProcessRun, completed []*model.ProcessStepSpec, cause error) error {
	var acts *runActivities
	dctx, cancel := workflow.NewDisconnectedContext(ctx)
	defer cancel()
	actx := workflow.WithActivityOptions(dctx, systemActivityOptions())

	var compErrors []any
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.CompensateWith == "" {
			continue
		}
		comp := spec.FindCompensation(step.CompensateWith)
		if comp == nil {
			compErrors = append(compErrors,
				fmt.Sprintf("%s: compensation %q not declared", step.Name, step.CompensateWith))
			continue
		}
		call := compensationCall{Run: run, StepName: step.Name, Compensation: *comp}
		if err := workflow.ExecuteActivity(actx, acts.Compensate, call).Get(actx, nil); err != nil {
			compErrors = append(compErrors, fmt.Sprintf("%s: %v", comp.Name, err))
		}
	}
	if len(compErrors) > 0 {
		run.Context[model.ContextKeyCompensationErrors] = compErrors
	}

	run.Status = model.RunStatusFailed
	run.Error = cause.Error()
	if err := workflow.ExecuteActivity(actx, acts.PersistRun, run).Get(actx, nil); err != nil {
		return err
	}
	return cause
}

func finalizeCancelled(ctx workflow.Context, run *model.ProcessRun) error {
	var acts *runActivities
	dctx, cancel := workflow.NewDisconnectedContext(ctx)
	defer cancel()
	actx := workflow.WithActivityOptions(dctx, systemActivityOptions())

	run.Status = model.RunStatusCancelled
	if err := workflow.ExecuteActivity(actx, acts.PersistRun, run).Get(actx, nil); err != nil {
		return err
	}
	return temporal.NewCanceledError()
}

func persistRun(ctx workflow.Context, run *model.ProcessRun) error {
	var acts *runActivities
	pctx := workflow.WithActivityOptions(ctx, systemActivityOptions())
	return workflow.ExecuteActivity(pctx, acts.PersistRun, run).Get(pctx, nil)
}

func executeStepActivity(ctx workflow.Context, step *model.ProcessStepSpec, fn any, call stepCall, out any) error {
	actx := workflow.WithActivityOptions(ctx, stepActivityOptions(step))
	return workflow.ExecuteActivity(actx, fn, call).Get(actx, out)
}

// stepActivityOptions maps a step's retry configuration onto Temporal's
// retry policy. Steps without one get a single attempt, matching the lite
// adapter.
func stepActivityOptions(step *model.ProcessStepSpec) workflow.ActivityOptions {
	policy := &temporal.RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    60 * time.Second,
		MaximumAttempts:    1,
	}
	if rc := step.Retry; rc != nil && rc.MaxAttempts > 1 {
		policy.MaximumAttempts = int32(rc.MaxAttempts)
		if rc.InitialIntervalSeconds > 0 {
			policy.InitialInterval = time.Duration(rc.InitialIntervalSeconds * float64(time.Second))
		}
		if rc.MaxIntervalSeconds > 0 {
			policy.MaximumInterval = time.Duration(rc.MaxIntervalSeconds * float64(time.Second))
		}
		if rc.BackoffCoefficient > 0 {
			policy.BackoffCoefficient = rc.BackoffCoefficient
		}
	}
	return workflow.ActivityOptions{
		StartToCloseTimeout: serviceActivityTimeout,
		RetryPolicy:         policy,
	}
}

func systemActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: systemActivityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    5,
		},
	}
}

// --- activities ---

type runActivities struct {
	store       store.StateStore
	ops         OperationInvoker
	services    ServiceResolver
	effects     *effect.Executor
	metrics     *observability.Metrics
	logger      *zap.Logger
	taskTimeout time.Duration
}

// PersistRun saves the run, stamping timestamps here so the workflow stays
// deterministic. Terminal transitions record completion metrics exactly once.
func (ra *runActivities) PersistRun(ctx context.Context, run *model.ProcessRun) error {
	now := time.Now().UTC()
	run.UpdatedAt = now
	if run.Terminal() && run.CompletedAt == nil {
		run.CompletedAt = &now
	}

	existing, err := ra.store.GetRun(ctx, run.RunID)
	if err == nil && existing.Terminal() && !run.Terminal() {
		// A cancellation raced us. Never resurrect a terminal run.
		return nil
	}
	if err := ra.store.SaveRun(ctx, run); err != nil {
		return classifyActivityError(err)
	}
	if ra.metrics != nil && run.Terminal() && (existing == nil || !existing.Terminal()) {
		ra.metrics.RecordRunCompletion(run.ProcessName, run.Status)
	}
	return nil
}

// InvokeService calls the step's backend operation.
func (ra *runActivities) InvokeService(ctx context.Context, call stepCall) (map[string]any, error) {
	ra.recordRetry(ctx, call)
	input := map[string]any{
		"run_id":  call.Run.RunID,
		"inputs":  call.Run.Inputs,
		"context": call.Run.Context,
	}
	out, err := ra.ops.InvokeOperation(ctx, call.Step.Service, input)
	if err != nil {
		return nil, classifyActivityError(err)
	}
	return out, nil
}

// ApplyEffects applies the step's declarative side effects.
func (ra *runActivities) ApplyEffects(ctx context.Context, call stepCall) ([]any, error) {
	ra.recordRetry(ctx, call)
	results, err := ra.effects.ExecuteEffects(ctx, call.Step.Effects, evalContextFor(call.Run))
	if err != nil {
		return nil, classifyActivityError(err)
	}
	return effectResultsValue(results), nil
}

// ApplyForEach applies the step's effects once per resolved item.
func (ra *runActivities) ApplyForEach(ctx context.Context, call stepCall) (int64, error) {
	ec := evalContextFor(call.Run)
	items, err := resolveItems(call.Step.ForEach.ItemsExpr, ec)
	if err != nil {
		return 0, classifyActivityError(err)
	}
	itemVar := call.Step.ForEach.ItemVar
	if itemVar == "" {
		itemVar = "item"
	}
	for i, item := range items {
		ec.Vars[itemVar] = item
		if _, err := ra.effects.ExecuteEffects(ctx, call.Step.Effects, ec); err != nil {
			return 0, classifyActivityError(fmt.Errorf("item %d: %w", i, err))
		}
	}
	return int64(len(items)), nil
}

// QueryEntities lists entities matching the step's where clause.
func (ra *runActivities) QueryEntities(ctx context.Context, call stepCall) ([]any, error) {
	q := call.Step.Query
	svc, ok := ra.services.Entity(q.EntityName)
	if !ok {
		return nil, classifyActivityError(model.NewProcessConfigError(
			fmt.Sprintf("no service registered for entity %q", q.EntityName),
		))
	}
	ec := evalContextFor(call.Run)
	filter, err := effect.ParseWhere(q.Where, ec)
	if err != nil {
		return nil, classifyActivityError(err)
	}
	list, err := svc.List(ctx, filter)
	if err != nil {
		return nil, classifyActivityError(err)
	}
	items := make([]any, 0, len(list.Items))
	for _, item := range list.Items {
		items = append(items, item)
	}
	return items, nil
}

// CreateTask creates the pending task for a human task step, reusing an
// existing pending task on workflow replay or retry.
func (ra *runActivities) CreateTask(ctx context.Context, call stepCall) (*model.ProcessTask, error) {
	task, err := findPendingTask(ctx, ra.store, call.Run.RunID, call.Step.Name)
	if err != nil {
		return nil, classifyActivityError(err)
	}
	if task != nil {
		return task, nil
	}

	spec, err := ra.store.GetProcessSpec(ctx, call.Run.ProcessName)
	if err != nil {
		return nil, classifyActivityError(err)
	}
	task = newTaskForStep(call.Run, spec, &call.Step, ra.taskTimeout)
	if err := ra.store.SaveTask(ctx, task); err != nil {
		return nil, classifyActivityError(err)
	}
	if ra.metrics != nil {
		ra.metrics.RecordTaskCreated(call.Run.ProcessName, call.Step.HumanTask.Surface)
	}
	return task, nil
}

// ResolveTaskTimeout completes an overdue task with its declared timeout
// outcome.
func (ra *runActivities) ResolveTaskTimeout(ctx context.Context, res taskResolution) error {
	completion := model.TaskCompletion{StepName: res.Step, Outcome: res.Outcome}
	if err := completeTaskRecord(ctx, ra.store, res.Run.RunID, res.Step, completion); err != nil {
		if model.CodeOf(err) == model.ErrTaskNotFound {
			return nil
		}
		return classifyActivityError(err)
	}
	if ra.metrics != nil {
		ra.metrics.RecordTaskTimeout(res.Run.ProcessName)
	}
	return nil
}

// EscalateTask marks an overdue task escalated without resolving it.
func (ra *runActivities) EscalateTask(ctx context.Context, res taskResolution) error {
	task, err := findPendingTask(ctx, ra.store, res.Run.RunID, res.Step)
	if err != nil {
		return classifyActivityError(err)
	}
	if task == nil || task.EscalatedAt != nil {
		return nil
	}
	now := time.Now().UTC()
	task.EscalatedAt = &now
	if err := ra.store.SaveTask(ctx, task); err != nil {
		return classifyActivityError(err)
	}
	return nil
}

// Compensate invokes a compensation operation for a completed step.
func (ra *runActivities) Compensate(ctx context.Context, call compensationCall) error {
	input := map[string]any{
		"run_id":  call.Run.RunID,
		"step":    call.StepName,
		"inputs":  call.Run.Inputs,
		"context": call.Run.Context,
	}
	_, err := ra.ops.InvokeOperation(ctx, call.Compensation.Service, input)
	if err != nil {
		ra.logger.Warn("compensation failed",
			zap.String("run_id", call.Run.RunID),
			zap.String("step", call.StepName),
			zap.String("compensation", call.Compensation.Name),
			zap.Error(err))
		if ra.metrics != nil {
			ra.metrics.RecordCompensation(call.Run.ProcessName, "failure")
		}
		return classifyActivityError(err)
	}
	if ra.metrics != nil {
		ra.metrics.RecordCompensation(call.Run.ProcessName, "success")
	}
	return nil
}

func (ra *runActivities) recordRetry(ctx context.Context, call stepCall) {
	if ra.metrics == nil {
		return
	}
	if info := activity.GetInfo(ctx); info.Attempt > 1 {
		ra.metrics.RecordStepRetry(call.Run.ProcessName, call.Step.Name)
	}
}

// classifyActivityError stops Temporal from retrying errors the caller could
// never fix by waiting.
func classifyActivityError(err error) error {
	if err == nil {
		return nil
	}
	if retryableError(err) {
		return err
	}
	return temporal.NewNonRetryableApplicationError(err.Error(), model.CodeOf(err), err)
}

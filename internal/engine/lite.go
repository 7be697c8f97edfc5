package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mazwell/conduct/internal/effect"
	"github.com/mazwell/conduct/internal/observability"
	"github.com/mazwell/conduct/internal/store"
	"github.com/mazwell/conduct/model"
)

// LiteAdapter executes process runs on goroutines in the server process. Run
// state is persisted at every step boundary so interrupted runs can be
// resumed after a restart.
type LiteAdapter struct {
	store       store.StateStore
	services    ServiceResolver
	ops         OperationInvoker
	effects     *effect.Executor
	logger      *zap.Logger
	metrics     *observability.Metrics
	taskTimeout time.Duration

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	specs   map[string]*model.ProcessSpec
	signals map[string]chan model.TaskCompletion
	cancels map[string]context.CancelFunc
}

// NewLiteAdapter creates the in-process adapter.
func NewLiteAdapter(opts Options) *LiteAdapter {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	taskTimeout := opts.DefaultTaskTimeout
	if taskTimeout <= 0 {
		taskTimeout = 72 * time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LiteAdapter{
		store:       opts.Store,
		services:    opts.Services,
		ops:         opts.Operations,
		effects:     effect.NewExecutor(opts.Services),
		logger:      logger.Named("engine.lite"),
		metrics:     opts.Metrics,
		taskTimeout: taskTimeout,
		baseCtx:     ctx,
		baseCancel:  cancel,
		specs:       make(map[string]*model.ProcessSpec),
		signals:     make(map[string]chan model.TaskCompletion),
		cancels:     make(map[string]context.CancelFunc),
	}
}

// RegisterProcess makes a process startable and persists its definition.
func (a *LiteAdapter) RegisterProcess(ctx context.Context, spec *model.ProcessSpec) error {
	if spec == nil || spec.Name == "" {
		return model.NewProcessConfigError("process spec requires a name")
	}
	a.mu.Lock()
	a.specs[spec.Name] = spec
	a.mu.Unlock()
	return a.store.SaveProcessSpec(ctx, spec)
}

// StartProcess starts a run on a new goroutine and returns its initial state.
func (a *LiteAdapter) StartProcess(ctx context.Context, req StartRequest) (*model.ProcessRun, error) {
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

	// 4. Launch the executor goroutine.
	a.launch(spec, cloneRun(run))

	return run, nil
}

// GetRun returns a run by id.
func (a *LiteAdapter) GetRun(ctx context.Context, runID string) (*model.ProcessRun, error) {
	return a.store.GetRun(ctx, runID)
}

// ListRuns lists runs matching the filters.
func (a *LiteAdapter) ListRuns(ctx context.Context, filters model.RunFilters) ([]model.ProcessRun, error) {
	return a.store.ListRuns(ctx, filters)
}

// CancelProcess stops an active run. No compensation runs; pending tasks are
// cancelled with it.
func (a *LiteAdapter) CancelProcess(ctx context.Context, runID, reason string) error {
	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Terminal() {
		return model.NewRunNotActiveError(runID, run.Status)
	}

	a.mu.Lock()
	cancel := a.cancels[runID]
	a.mu.Unlock()
	if cancel != nil {
		cancel()
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

// SignalProcess completes the human task a run is waiting on.
func (a *LiteAdapter) SignalProcess(ctx context.Context, runID string, signal model.SignalName, completion model.TaskCompletion) error {
	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	stepName, err := validateTaskSignal(run, a.spec(run.ProcessName), signal, completion)
	if err != nil {
		return err
	}

	// The task record is only consumed once an executor is there to receive
	// the completion; a waiting run without one must keep its pending task.
	a.mu.Lock()
	ch := a.signals[runID]
	a.mu.Unlock()
	if ch == nil {
		return model.NewRunNotActiveError(runID, run.Status)
	}

	if err := completeTaskRecord(ctx, a.store, runID, stepName, completion); err != nil {
		return err
	}

	completion.StepName = stepName
	select {
	case ch <- completion:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResumeInterrupted relaunches executors for runs left non-terminal by a
// previous process. Waiting runs re-enter their human task step and reuse the
// existing pending task.
func (a *LiteAdapter) ResumeInterrupted(ctx context.Context) error {
	for _, status := range []string{model.RunStatusPending, model.RunStatusRunning, model.RunStatusWaiting} {
		runs, err := a.store.ListRuns(ctx, model.RunFilters{Status: status})
		if err != nil {
			return err
		}
		for i := range runs {
			run := runs[i]
			a.mu.Lock()
			_, live := a.cancels[run.RunID]
			a.mu.Unlock()
			if live {
				continue
			}
			spec := a.spec(run.ProcessName)
			if spec == nil {
				a.logger.Warn("cannot resume run of unregistered process",
					zap.String("run_id", run.RunID),
					zap.String("process_name", run.ProcessName))
				continue
			}
			a.logger.Info("resuming interrupted run",
				zap.String("run_id", run.RunID),
				zap.String("process_name", run.ProcessName),
				zap.String("step", run.CurrentStep))
			a.launch(spec, &run)
		}
	}
	return nil
}

// RunTaskSweeper applies timeout outcomes to overdue human tasks until the
// context is cancelled.
func (a *LiteAdapter) RunTaskSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.SweepDueTasks(ctx); err != nil {
				a.logger.Warn("task sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepDueTasks resolves every overdue pending task once. Tasks whose step
// declares on_timeout_outcome are completed with it; the rest are marked
// escalated and stay open.
func (a *LiteAdapter) SweepDueTasks(ctx context.Context) error {
	now := time.Now().UTC()
	tasks, err := a.store.ListDueTasks(ctx, now)
	if err != nil {
		return err
	}
	for i := range tasks {
		task := &tasks[i]
		run, err := a.store.GetRun(ctx, task.RunID)
		if err != nil {
			a.logger.Warn("sweep: load run", zap.String("task_id", task.TaskID), zap.Error(err))
			continue
		}
		spec := a.spec(run.ProcessName)
		if spec == nil {
			continue
		}
		step := spec.FindStep(task.StepName)
		if step == nil || step.HumanTask == nil {
			continue
		}

		if outcome := step.HumanTask.OnTimeoutOutcome; outcome != "" {
			err := a.SignalProcess(ctx, task.RunID, model.SignalTaskCompleted, model.TaskCompletion{
				StepName: task.StepName,
				Outcome:  outcome,
			})
			if err != nil {
				a.logger.Warn("sweep: apply timeout outcome",
					zap.String("task_id", task.TaskID),
					zap.String("outcome", outcome),
					zap.Error(err))
				continue
			}
			if a.metrics != nil {
				a.metrics.RecordTaskTimeout(run.ProcessName)
			}
			continue
		}

		if task.EscalatedAt == nil {
			at := now
			task.EscalatedAt = &at
			if err := a.store.SaveTask(ctx, task); err != nil {
				a.logger.Warn("sweep: mark escalated", zap.String("task_id", task.TaskID), zap.Error(err))
			}
		}
	}
	return nil
}

// Shutdown stops accepting work and waits for in-flight executors.
func (a *LiteAdapter) Shutdown(ctx context.Context) error {
	a.baseCancel()
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- executor ---

func (a *LiteAdapter) spec(name string) *model.ProcessSpec {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.specs[name]
}

func (a *LiteAdapter) launch(spec *model.ProcessSpec, run *model.ProcessRun) {
	runCtx, cancel := context.WithCancel(a.baseCtx)
	ch := make(chan model.TaskCompletion, 1)

	a.mu.Lock()
	a.signals[run.RunID] = ch
	a.cancels[run.RunID] = cancel
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			cancel()
			a.mu.Lock()
			delete(a.signals, run.RunID)
			delete(a.cancels, run.RunID)
			a.mu.Unlock()
		}()
		a.execute(runCtx, spec, run, ch)
	}()
}

// execute drives a run to a terminal status, persisting at each boundary.
func (a *LiteAdapter) execute(ctx context.Context, spec *model.ProcessSpec, run *model.ProcessRun, signals <-chan model.TaskCompletion) {
	logger := observability.RunLogger(ctx, a.logger, run)

	start := 0
	if run.CurrentStep != "" {
		for i := range spec.Steps {
			if spec.Steps[i].Name == run.CurrentStep {
				start = i
				break
			}
		}
	}

	var completed []*model.ProcessStepSpec
	for i := start; i < len(spec.Steps); i++ {
		step := &spec.Steps[i]

		run.Status = model.RunStatusRunning
		run.CurrentStep = step.Name
		run.UpdatedAt = time.Now().UTC()
		cancelled, err := a.persistRun(ctx, run)
		if err != nil {
			logger.Error("persist run before step", zap.String("step", step.Name), zap.Error(err))
			return
		}
		if cancelled {
			logger.Info("run cancelled", zap.String("step", step.Name))
			return
		}

		stepStart := time.Now()
		err = a.executeStep(ctx, spec, run, step, signals)
		if a.metrics != nil {
			a.metrics.RecordStepDuration(spec.Name, step.Name, step.Kind, time.Since(stepStart))
		}
		if err != nil {
			if a.runWasCancelled(run.RunID) {
				logger.Info("run cancelled", zap.String("step", step.Name))
				return
			}
			logger.Warn("step failed", zap.String("step", step.Name), zap.Error(err))
			a.failRun(spec, run, completed, err)
			return
		}
		completed = append(completed, step)
	}

	now := time.Now().UTC()
	run.Status = model.RunStatusCompleted
	run.Outputs = cloneMap(run.Context)
	run.UpdatedAt = now
	run.CompletedAt = &now
	cancelled, err := a.persistRun(context.WithoutCancel(ctx), run)
	if err != nil {
		logger.Error("persist completed run", zap.Error(err))
		return
	}
	if cancelled {
		logger.Info("run cancelled")
		return
	}
	if a.metrics != nil {
		a.metrics.RecordRunCompletion(spec.Name, model.RunStatusCompleted)
	}
	logger.Info("run completed")
}

func (a *LiteAdapter) executeStep(ctx context.Context, spec *model.ProcessSpec, run *model.ProcessRun, step *model.ProcessStepSpec, signals <-chan model.TaskCompletion) error {
	switch step.Kind {
	case model.StepService:
		return a.executeService(ctx, spec, run, step)
	case model.StepSideEffect:
		return a.executeSideEffect(ctx, spec, run, step)
	case model.StepForEach:
		return a.executeForEach(ctx, run, step)
	case model.StepQuery:
		return a.executeQuery(ctx, run, step)
	case model.StepWait:
		return a.executeWait(ctx, run, step)
	case model.StepHumanTask:
		return a.executeHumanTask(ctx, spec, run, step, signals)
	default:
		return model.NewProcessConfigError(
			fmt.Sprintf("unknown step kind %q on step %q", step.Kind, step.Name),
		)
	}
}

func (a *LiteAdapter) executeService(ctx context.Context, spec *model.ProcessSpec, run *model.ProcessRun, step *model.ProcessStepSpec) error {
	input := map[string]any{
		"run_id":  run.RunID,
		"inputs":  run.Inputs,
		"context": run.Context,
	}
	var out map[string]any
	err := withRetry(ctx, step.Retry, a.retryHook(spec.Name, step.Name), func() error {
		var callErr error
		out, callErr = a.ops.InvokeOperation(ctx, step.Service, input)
		return callErr
	})
	if err != nil {
		return model.NewStepExecutionError(step.Name, err)
	}
	if out != nil {
		run.Context[step.Name] = out
	}
	return nil
}

func (a *LiteAdapter) executeSideEffect(ctx context.Context, spec *model.ProcessSpec, run *model.ProcessRun, step *model.ProcessStepSpec) error {
	ec := evalContextFor(run)
	var results []effect.EffectResult
	err := withRetry(ctx, step.Retry, a.retryHook(spec.Name, step.Name), func() error {
		var execErr error
		results, execErr = a.effects.ExecuteEffects(ctx, step.Effects, ec)
		return execErr
	})
	if err != nil {
		return model.NewStepExecutionError(step.Name, err)
	}
	run.Context[step.Name] = effectResultsValue(results)
	return nil
}

func (a *LiteAdapter) executeForEach(ctx context.Context, run *model.ProcessRun, step *model.ProcessStepSpec) error {
	ec := evalContextFor(run)
	items, err := resolveItems(step.ForEach.ItemsExpr, ec)
	if err != nil {
		return model.NewStepExecutionError(step.Name, err)
	}
	itemVar := step.ForEach.ItemVar
	if itemVar == "" {
		itemVar = "item"
	}
	for i, item := range items {
		ec.Vars[itemVar] = item
		if _, err := a.effects.ExecuteEffects(ctx, step.Effects, ec); err != nil {
			delete(ec.Vars, itemVar)
			return model.NewStepExecutionError(step.Name, fmt.Errorf("item %d: %w", i, err))
		}
	}
	delete(ec.Vars, itemVar)
	run.Context[step.Name] = map[string]any{"count": int64(len(items))}
	return nil
}

func (a *LiteAdapter) executeQuery(ctx context.Context, run *model.ProcessRun, step *model.ProcessStepSpec) error {
	q := step.Query
	svc, ok := a.services.Entity(q.EntityName)
	if !ok {
		return model.NewProcessConfigError(
			fmt.Sprintf("no service registered for entity %q", q.EntityName),
		)
	}
	ec := evalContextFor(run)
	filter, err := effect.ParseWhere(q.Where, ec)
	if err != nil {
		return model.NewStepExecutionError(step.Name, err)
	}
	list, err := svc.List(ctx, filter)
	if err != nil {
		return model.NewStepExecutionError(step.Name, err)
	}
	resultVar := q.ResultVar
	if resultVar == "" {
		resultVar = step.Name
	}
	items := make([]any, 0, len(list.Items))
	for _, item := range list.Items {
		items = append(items, item)
	}
	run.Context[resultVar] = items
	return nil
}

func (a *LiteAdapter) executeWait(ctx context.Context, run *model.ProcessRun, step *model.ProcessStepSpec) error {
	run.Status = model.RunStatusWaiting
	run.UpdatedAt = time.Now().UTC()
	cancelled, err := a.persistRun(ctx, run)
	if err != nil {
		return err
	}
	if cancelled {
		return context.Canceled
	}
	select {
	case <-time.After(time.Duration(step.WaitDurationSeconds) * time.Second):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *LiteAdapter) executeHumanTask(ctx context.Context, spec *model.ProcessSpec, run *model.ProcessRun, step *model.ProcessStepSpec, signals <-chan model.TaskCompletion) error {
	ht := step.HumanTask

	// Reuse the pending task when resuming an interrupted run.
	task, err := findPendingTask(ctx, a.store, run.RunID, step.Name)
	if err != nil {
		return err
	}
	if task == nil {
		task = newTaskForStep(run, spec, step, a.taskTimeout)
		if err := a.store.SaveTask(ctx, task); err != nil {
			return err
		}
		if a.metrics != nil {
			a.metrics.RecordTaskCreated(spec.Name, ht.Surface)
		}
	}

	run.Status = model.RunStatusWaiting
	run.UpdatedAt = time.Now().UTC()
	cancelled, err := a.persistRun(ctx, run)
	if err != nil {
		return err
	}
	if cancelled {
		return context.Canceled
	}

	select {
	case completion := <-signals:
		run.Context[step.Name] = map[string]any{
			"outcome":      completion.Outcome,
			"outcome_data": completion.OutcomeData,
		}
		if a.metrics != nil {
			a.metrics.RecordTaskCompleted(spec.Name, completion.Outcome)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// failRun compensates completed steps in reverse order, then marks the run
// failed. Compensation failures are recorded in the run context and never
// mask the original error.
func (a *LiteAdapter) failRun(spec *model.ProcessSpec, run *model.ProcessRun, completed []*model.ProcessStepSpec, cause error) {
	ctx := context.WithoutCancel(a.baseCtx)
	logger := observability.RunLogger(ctx, a.logger, run)

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
		input := map[string]any{
			"run_id":  run.RunID,
			"step":    step.Name,
			"inputs":  run.Inputs,
			"context": run.Context,
		}
		if _, err := a.ops.InvokeOperation(ctx, comp.Service, input); err != nil {
			logger.Warn("compensation failed",
				zap.String("step", step.Name),
				zap.String("compensation", comp.Name),
				zap.Error(err))
			compErrors = append(compErrors, fmt.Sprintf("%s: %v", comp.Name, err))
			if a.metrics != nil {
				a.metrics.RecordCompensation(spec.Name, "failure")
			}
			continue
		}
		if a.metrics != nil {
			a.metrics.RecordCompensation(spec.Name, "success")
		}
	}
	if len(compErrors) > 0 {
		run.Context[model.ContextKeyCompensationErrors] = compErrors
	}

	now := time.Now().UTC()
	run.Status = model.RunStatusFailed
	run.Error = cause.Error()
	run.UpdatedAt = now
	run.CompletedAt = &now
	cancelled, err := a.persistRun(ctx, run)
	if err != nil {
		logger.Error("persist failed run", zap.Error(err))
	}
	if cancelled {
		return
	}
	if a.metrics != nil {
		a.metrics.RecordRunCompletion(spec.Name, model.RunStatusFailed)
	}
}

// --- helpers ---

func evalContextFor(run *model.ProcessRun) *effect.EvalContext {
	trigger, _ := run.Context[model.ContextKeyTriggerEntity].(map[string]any)
	return &effect.EvalContext{
		TriggerEntity: trigger,
		Inputs:        run.Inputs,
		Vars:          run.Context,
	}
}

func (a *LiteAdapter) retryHook(processName, stepName string) func(error) {
	return func(err error) {
		a.logger.Warn("retrying step",
			zap.String("process_name", processName),
			zap.String("step", stepName),
			zap.Error(err))
		if a.metrics != nil {
			a.metrics.RecordStepRetry(processName, stepName)
		}
	}
}

// persistRun saves executor-side run state unless the stored record is
// already terminal. CancelProcess owns the terminal write in that race and
// the executor must never resurrect it, so a skipped save reports true.
// The store calls outlive the run context: the check must still read the
// cancellation record after the run context is torn down.
func (a *LiteAdapter) persistRun(ctx context.Context, run *model.ProcessRun) (alreadyTerminal bool, err error) {
	ctx = context.WithoutCancel(ctx)
	existing, getErr := a.store.GetRun(ctx, run.RunID)
	if getErr == nil && existing.Terminal() {
		return true, nil
	}
	return false, a.store.SaveRun(ctx, run)
}

func (a *LiteAdapter) runWasCancelled(runID string) bool {
	run, err := a.store.GetRun(context.Background(), runID)
	return err == nil && run.Status == model.RunStatusCancelled
}

func findPendingTask(ctx context.Context, st store.StateStore, runID, stepName string) (*model.ProcessTask, error) {
	tasks, err := st.ListTasksByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		if tasks[i].StepName == stepName && tasks[i].Status == model.TaskStatusPending {
			return &tasks[i], nil
		}
	}
	return nil, nil
}

func completeTaskRecord(ctx context.Context, st store.StateStore, runID, stepName string, completion model.TaskCompletion) error {
	task, err := findPendingTask(ctx, st, runID, stepName)
	if err != nil {
		return err
	}
	if task == nil {
		return model.NewTaskNotFoundError(fmt.Sprintf("%s/%s", runID, stepName))
	}
	now := time.Now().UTC()
	task.Status = model.TaskStatusCompleted
	task.Outcome = completion.Outcome
	task.OutcomeData = completion.OutcomeData
	task.CompletedAt = &now
	return st.SaveTask(ctx, task)
}

func cancelRunTasks(ctx context.Context, st store.StateStore, runID string) error {
	tasks, err := st.ListTasksByRun(ctx, runID)
	if err != nil {
		return err
	}
	for i := range tasks {
		task := &tasks[i]
		if task.Terminal() {
			continue
		}
		task.Status = model.TaskStatusCancelled
		if err := st.SaveTask(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

// newTaskForStep builds the pending task record for a human task step.
func newTaskForStep(run *model.ProcessRun, spec *model.ProcessSpec, step *model.ProcessStepSpec, defaultTimeout time.Duration) *model.ProcessTask {
	ht := step.HumanTask
	ec := evalContextFor(run)
	task := &model.ProcessTask{
		TaskID:      uuid.New().String(),
		RunID:       run.RunID,
		StepName:    step.Name,
		SurfaceName: ht.Surface,
		EntityName:  spec.Trigger.EntityName,
		Status:      model.TaskStatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if ht.EntityPath != "" {
		if v, err := effect.ResolveValue(ht.EntityPath, ec); err == nil && v != nil {
			task.EntityID = fmt.Sprintf("%v", v)
		}
	}
	if ht.AssigneeExpression != "" {
		task.AssigneeRole, task.AssigneeID = resolveAssignee(ht.AssigneeExpression, ec)
	}
	timeout := defaultTimeout
	if ht.TimeoutSeconds > 0 {
		timeout = time.Duration(ht.TimeoutSeconds) * time.Second
	}
	task.DueAt = task.CreatedAt.Add(timeout)
	return task
}

// validateTaskSignal checks a task completion signal against the run's state
// and the step's declared outcomes, returning the resolved step name.
func validateTaskSignal(run *model.ProcessRun, spec *model.ProcessSpec, signal model.SignalName, completion model.TaskCompletion) (string, error) {
	if signal != model.SignalTaskCompleted {
		return "", model.NewBadRequestError(fmt.Sprintf("unknown signal %q", signal))
	}
	if run.Status != model.RunStatusWaiting {
		return "", model.NewRunNotActiveError(run.RunID, run.Status)
	}

	stepName := completion.StepName
	if stepName == "" {
		stepName = run.CurrentStep
	}
	if stepName != run.CurrentStep {
		return "", model.NewBadRequestError(
			fmt.Sprintf("run %s is waiting on step %q, not %q", run.RunID, run.CurrentStep, stepName),
		)
	}

	if spec == nil {
		return "", model.NewProcessConfigError(
			fmt.Sprintf("process %q is no longer registered", run.ProcessName),
		)
	}
	step := spec.FindStep(stepName)
	if step == nil || step.Kind != model.StepHumanTask || step.HumanTask == nil {
		return "", model.NewBadRequestError(
			fmt.Sprintf("step %q of process %q is not a human task", stepName, run.ProcessName),
		)
	}
	if !outcomeDeclared(step.HumanTask.Outcomes, completion.Outcome) {
		return "", model.NewBadRequestError(
			fmt.Sprintf("outcome %q is not declared on step %q", completion.Outcome, stepName),
		)
	}
	return stepName, nil
}

func outcomeDeclared(outcomes []string, outcome string) bool {
	for _, o := range outcomes {
		if o == outcome {
			return true
		}
	}
	return false
}

func resolveAssignee(expr string, ec *effect.EvalContext) (role, id string) {
	v, err := effect.ResolveValue(expr, ec)
	if err != nil || v == nil {
		return "", ""
	}
	s := fmt.Sprintf("%v", v)
	if after, ok := strings.CutPrefix(s, "role:"); ok {
		return after, ""
	}
	return "", s
}

func resolveItems(expr string, ec *effect.EvalContext) ([]any, error) {
	v, err := effect.ResolveValue(expr, ec)
	if err != nil {
		return nil, err
	}
	switch items := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return items, nil
	case []map[string]any:
		out := make([]any, 0, len(items))
		for _, item := range items {
			out = append(out, item)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expression %q resolved to %T, want a list", expr, v)
	}
}

func effectResultsValue(results []effect.EffectResult) []any {
	out := make([]any, 0, len(results))
	for i := range results {
		entry := map[string]any{
			"action":         results[i].Action,
			"entity_name":    results[i].EntityName,
			"affected_count": results[i].AffectedCount,
		}
		if results[i].EntityID != "" {
			entry["entity_id"] = results[i].EntityID
		}
		out = append(out, entry)
	}
	return out
}

func cloneRun(run *model.ProcessRun) *model.ProcessRun {
	out := *run
	out.Inputs = cloneMap(run.Inputs)
	out.Context = cloneMap(run.Context)
	out.Outputs = cloneMap(run.Outputs)
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

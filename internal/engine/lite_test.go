package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mazwell/conduct/internal/store"
	"github.com/mazwell/conduct/model"
)

// --- Test helpers ---

// mockOps records operation invocations and returns a configurable result.
type mockOps struct {
	mu    sync.Mutex
	calls []string
	fn    func(operation string, input map[string]any) (map[string]any, error)
}

func (m *mockOps) InvokeOperation(_ context.Context, operation string, input map[string]any) (map[string]any, error) {
	m.mu.Lock()
	m.calls = append(m.calls, operation)
	m.mu.Unlock()
	if m.fn != nil {
		return m.fn(operation, input)
	}
	return map[string]any{"ok": true}, nil
}

func (m *mockOps) operations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// mockEntityService is an in-memory entity backend for effect and query steps.
type mockEntityService struct {
	mu      sync.Mutex
	items   []map[string]any
	created []map[string]any
	nextID  int
}

func (m *mockEntityService) Create(_ context.Context, data map[string]any) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	out := map[string]any{"id": fmt.Sprintf("ent-%d", m.nextID)}
	for k, v := range data {
		out[k] = v
	}
	m.created = append(m.created, out)
	m.items = append(m.items, out)
	return out, nil
}

func (m *mockEntityService) List(_ context.Context, filter map[string]any) (model.ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []map[string]any
	for _, item := range m.items {
		ok := true
		for k, v := range filter {
			if item[k] != v {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, item)
		}
	}
	return model.ListResult{Items: matched, Total: len(matched)}, nil
}

func (m *mockEntityService) Update(_ context.Context, id string, data map[string]any) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.items {
		if item["id"] == id {
			for k, v := range data {
				item[k] = v
			}
			return item, nil
		}
	}
	return nil, model.NewNotFoundError("entity " + id + " not found")
}

func (m *mockEntityService) createdCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.created)
}

type mockResolver struct {
	entities map[string]model.EntityService
}

func (m *mockResolver) Entity(name string) (model.EntityService, bool) {
	svc, ok := m.entities[name]
	return svc, ok
}

func fulfillmentSpec() *model.ProcessSpec {
	return &model.ProcessSpec{
		Name:    "order_fulfillment",
		Version: "1",
		Trigger: model.TriggerSpec{
			Kind:       model.TriggerEntityEvent,
			EntityName: "order",
			EventType:  "created",
		},
		Steps: []model.ProcessStepSpec{
			{Name: "reserve", Kind: model.StepService, Service: "inventory.reserve", CompensateWith: "release_stock"},
			{Name: "charge", Kind: model.StepService, Service: "billing.charge", CompensateWith: "refund"},
			{Name: "ship", Kind: model.StepService, Service: "shipping.dispatch"},
		},
		Compensations: []model.CompensationSpec{
			{Name: "release_stock", Service: "inventory.release"},
			{Name: "refund", Service: "billing.refund"},
		},
	}
}

func approvalSpec(onTimeout string) *model.ProcessSpec {
	return &model.ProcessSpec{
		Name: "expense_approval",
		Trigger: model.TriggerSpec{
			Kind:       model.TriggerEntityEvent,
			EntityName: "expense",
			EventType:  "created",
		},
		Steps: []model.ProcessStepSpec{
			{
				Name: "approve",
				Kind: model.StepHumanTask,
				HumanTask: &model.HumanTaskSpec{
					Surface:            "approvals",
					AssigneeExpression: "'role:manager'",
					TimeoutSeconds:     3600,
					Outcomes:           []string{"approved", "rejected", "expired"},
					OnTimeoutOutcome:   onTimeout,
				},
			},
			{Name: "settle", Kind: model.StepService, Service: "billing.settle"},
		},
	}
}

func newTestLite(t *testing.T, ops *mockOps, services *mockResolver) (*LiteAdapter, *store.MemoryStore) {
	t.Helper()
	if ops == nil {
		ops = &mockOps{}
	}
	if services == nil {
		services = &mockResolver{entities: map[string]model.EntityService{}}
	}
	st := store.NewMemoryStore()
	a := NewLiteAdapter(Options{
		Store:      st,
		Services:   services,
		Operations: ops,
		Logger:     zap.NewNop(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a, st
}

func waitForRunStatus(t *testing.T, st store.StateStore, runID, status string) *model.ProcessRun {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		run, err := st.GetRun(context.Background(), runID)
		if err == nil && run.Status == status {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	run, err := st.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("run %s never reached %q: %v", runID, status, err)
	}
	t.Fatalf("run %s stuck in %q, want %q (error %q)", runID, run.Status, status, run.Error)
	return nil
}

func waitForTask(t *testing.T, st store.StateStore, runID string) *model.ProcessTask {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		tasks, err := st.ListTasksByRun(context.Background(), runID)
		if err == nil && len(tasks) > 0 {
			return &tasks[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no task created for run %s", runID)
	return nil
}

// --- Start tests ---

func TestLiteAdapter_StartProcess_success(t *testing.T) {
	ops := &mockOps{fn: func(op string, _ map[string]any) (map[string]any, error) {
		return map[string]any{"op": op}, nil
	}}
	a, st := newTestLite(t, ops, nil)
	ctx := context.Background()
	if err := a.RegisterProcess(ctx, fulfillmentSpec()); err != nil {
		t.Fatalf("RegisterProcess error: %v", err)
	}

	run, err := a.StartProcess(ctx, StartRequest{
		ProcessName:   "order_fulfillment",
		Inputs:        map[string]any{"order_id": "ord-1"},
		TriggerEntity: map[string]any{"id": "ord-1", "total": float64(40)},
	})
	if err != nil {
		t.Fatalf("StartProcess error: %v", err)
	}
	if run.RunID == "" {
		t.Error("expected non-empty run id")
	}
	if run.ProcessName != "order_fulfillment" {
		t.Errorf("ProcessName = %q", run.ProcessName)
	}

	final := waitForRunStatus(t, st, run.RunID, model.RunStatusCompleted)
	if final.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
	if got := ops.operations(); len(got) != 3 {
		t.Fatalf("operations = %v, want 3 calls", got)
	}
	step, ok := final.Context["reserve"].(map[string]any)
	if !ok || step["op"] != "inventory.reserve" {
		t.Errorf("Context[reserve] = %v", final.Context["reserve"])
	}
	if final.Outputs == nil {
		t.Error("expected Outputs snapshot on completion")
	}
}

func TestLiteAdapter_StartProcess_unknownProcess(t *testing.T) {
	a, _ := newTestLite(t, nil, nil)
	_, err := a.StartProcess(context.Background(), StartRequest{ProcessName: "nope"})
	if model.CodeOf(err) != model.ErrNotFound {
		t.Errorf("CodeOf = %q, want %q", model.CodeOf(err), model.ErrNotFound)
	}
}

func TestLiteAdapter_StartProcess_idempotent(t *testing.T) {
	a, st := newTestLite(t, nil, nil)
	ctx := context.Background()
	if err := a.RegisterProcess(ctx, approvalSpec("")); err != nil {
		t.Fatalf("RegisterProcess error: %v", err)
	}

	first, err := a.StartProcess(ctx, StartRequest{
		ProcessName:    "expense_approval",
		IdempotencyKey: "expense-7",
	})
	if err != nil {
		t.Fatalf("first StartProcess error: %v", err)
	}
	waitForRunStatus(t, st, first.RunID, model.RunStatusWaiting)

	second, err := a.StartProcess(ctx, StartRequest{
		ProcessName:    "expense_approval",
		IdempotencyKey: "expense-7",
	})
	if err != nil {
		t.Fatalf("second StartProcess error: %v", err)
	}
	if second.RunID != first.RunID {
		t.Errorf("RunID = %q, want existing run %q", second.RunID, first.RunID)
	}
}

// --- Retry tests ---

func TestLiteAdapter_serviceStepRetries(t *testing.T) {
	var mu sync.Mutex
	failures := 2
	ops := &mockOps{fn: func(op string, _ map[string]any) (map[string]any, error) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return nil, model.NewBackendUnavailableError("inventory down")
		}
		return map[string]any{"reserved": true}, nil
	}}
	a, st := newTestLite(t, ops, nil)
	ctx := context.Background()

	spec := &model.ProcessSpec{
		Name:    "retrying",
		Trigger: model.TriggerSpec{Kind: model.TriggerManual},
		Steps: []model.ProcessStepSpec{
			{Name: "reserve", Kind: model.StepService, Service: "inventory.reserve", Retry: fastRetry(3)},
		},
	}
	if err := a.RegisterProcess(ctx, spec); err != nil {
		t.Fatalf("RegisterProcess error: %v", err)
	}

	run, err := a.StartProcess(ctx, StartRequest{ProcessName: "retrying"})
	if err != nil {
		t.Fatalf("StartProcess error: %v", err)
	}
	waitForRunStatus(t, st, run.RunID, model.RunStatusCompleted)
	if got := len(ops.operations()); got != 3 {
		t.Errorf("operation calls = %d, want 3", got)
	}
}

func TestLiteAdapter_guardLikeFailureNotRetried(t *testing.T) {
	ops := &mockOps{fn: func(string, map[string]any) (map[string]any, error) {
		return nil, model.NewBadRequestError("invalid order")
	}}
	a, st := newTestLite(t, ops, nil)
	ctx := context.Background()

	spec := &model.ProcessSpec{
		Name:    "strict",
		Trigger: model.TriggerSpec{Kind: model.TriggerManual},
		Steps: []model.ProcessStepSpec{
			{Name: "validate", Kind: model.StepService, Service: "orders.validate", Retry: fastRetry(5)},
		},
	}
	if err := a.RegisterProcess(ctx, spec); err != nil {
		t.Fatalf("RegisterProcess error: %v", err)
	}

	run, err := a.StartProcess(ctx, StartRequest{ProcessName: "strict"})
	if err != nil {
		t.Fatalf("StartProcess error: %v", err)
	}
	final := waitForRunStatus(t, st, run.RunID, model.RunStatusFailed)
	if got := len(ops.operations()); got != 1 {
		t.Errorf("operation calls = %d, want 1", got)
	}
	if final.Error == "" {
		t.Error("expected Error to be recorded")
	}
}

// --- Compensation tests ---

func TestLiteAdapter_compensationReverseOrder(t *testing.T) {
	ops := &mockOps{fn: func(op string, _ map[string]any) (map[string]any, error) {
		if op == "shipping.dispatch" {
			return nil, model.NewBackendUnavailableError("no carriers")
		}
		return map[string]any{}, nil
	}}
	a, st := newTestLite(t, ops, nil)
	ctx := context.Background()
	if err := a.RegisterProcess(ctx, fulfillmentSpec()); err != nil {
		t.Fatalf("RegisterProcess error: %v", err)
	}

	run, err := a.StartProcess(ctx, StartRequest{ProcessName: "order_fulfillment"})
	if err != nil {
		t.Fatalf("StartProcess error: %v", err)
	}
	final := waitForRunStatus(t, st, run.RunID, model.RunStatusFailed)

	got := ops.operations()
	want := []string{"inventory.reserve", "billing.charge", "shipping.dispatch", "billing.refund", "inventory.release"}
	if len(got) != len(want) {
		t.Fatalf("operations = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("operations[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if final.Error == "" {
		t.Error("expected original step error on run")
	}
	if _, ok := final.Context[model.ContextKeyCompensationErrors]; ok {
		t.Error("unexpected compensation errors for successful compensation")
	}
}

func TestLiteAdapter_compensationFailureRecorded(t *testing.T) {
	ops := &mockOps{fn: func(op string, _ map[string]any) (map[string]any, error) {
		switch op {
		case "shipping.dispatch":
			return nil, model.NewBackendUnavailableError("no carriers")
		case "billing.refund":
			return nil, model.NewBackendUnavailableError("billing down")
		}
		return map[string]any{}, nil
	}}
	a, st := newTestLite(t, ops, nil)
	ctx := context.Background()
	if err := a.RegisterProcess(ctx, fulfillmentSpec()); err != nil {
		t.Fatalf("RegisterProcess error: %v", err)
	}

	run, err := a.StartProcess(ctx, StartRequest{ProcessName: "order_fulfillment"})
	if err != nil {
		t.Fatalf("StartProcess error: %v", err)
	}
	final := waitForRunStatus(t, st, run.RunID, model.RunStatusFailed)

	compErrs, ok := final.Context[model.ContextKeyCompensationErrors].([]any)
	if !ok || len(compErrs) != 1 {
		t.Fatalf("compensation errors = %v, want one entry", final.Context[model.ContextKeyCompensationErrors])
	}
	// The failed compensation never masks the step error, and the remaining
	// compensation still runs.
	got := ops.operations()
	if got[len(got)-1] != "inventory.release" {
		t.Errorf("last operation = %q, want inventory.release", got[len(got)-1])
	}
}

// --- Human task tests ---

func TestLiteAdapter_humanTask_signalCompletes(t *testing.T) {
	a, st := newTestLite(t, nil, nil)
	ctx := context.Background()
	if err := a.RegisterProcess(ctx, approvalSpec("")); err != nil {
		t.Fatalf("RegisterProcess error: %v", err)
	}

	run, err := a.StartProcess(ctx, StartRequest{ProcessName: "expense_approval"})
	if err != nil {
		t.Fatalf("StartProcess error: %v", err)
	}
	waitForRunStatus(t, st, run.RunID, model.RunStatusWaiting)

	task := waitForTask(t, st, run.RunID)
	if task.SurfaceName != "approvals" {
		t.Errorf("SurfaceName = %q", task.SurfaceName)
	}
	if task.AssigneeRole != "manager" {
		t.Errorf("AssigneeRole = %q, want manager", task.AssigneeRole)
	}
	if task.DueAt.IsZero() {
		t.Error("expected DueAt to be set")
	}

	err = a.SignalProcess(ctx, run.RunID, model.SignalTaskCompleted, model.TaskCompletion{
		Outcome:     "approved",
		OutcomeData: map[string]any{"note": "ok"},
	})
	if err != nil {
		t.Fatalf("SignalProcess error: %v", err)
	}

	final := waitForRunStatus(t, st, run.RunID, model.RunStatusCompleted)
	stepResult, ok := final.Context["approve"].(map[string]any)
	if !ok || stepResult["outcome"] != "approved" {
		t.Errorf("Context[approve] = %v", final.Context["approve"])
	}

	tasks, err := st.ListTasksByRun(ctx, run.RunID)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("ListTasksByRun = %v, %v", tasks, err)
	}
	if tasks[0].Status != model.TaskStatusCompleted {
		t.Errorf("task Status = %q, want completed", tasks[0].Status)
	}
	if tasks[0].Outcome != "approved" {
		t.Errorf("task Outcome = %q", tasks[0].Outcome)
	}
}

func TestLiteAdapter_humanTask_undeclaredOutcome(t *testing.T) {
	a, st := newTestLite(t, nil, nil)
	ctx := context.Background()
	if err := a.RegisterProcess(ctx, approvalSpec("")); err != nil {
		t.Fatalf("RegisterProcess error: %v", err)
	}

	run, err := a.StartProcess(ctx, StartRequest{ProcessName: "expense_approval"})
	if err != nil {
		t.Fatalf("StartProcess error: %v", err)
	}
	waitForRunStatus(t, st, run.RunID, model.RunStatusWaiting)
	waitForTask(t, st, run.RunID)

	err = a.SignalProcess(ctx, run.RunID, model.SignalTaskCompleted, model.TaskCompletion{Outcome: "maybe"})
	if model.CodeOf(err) != model.ErrBadRequest {
		t.Errorf("CodeOf = %q, want %q", model.CodeOf(err), model.ErrBadRequest)
	}
}

func TestLiteAdapter_signal_notWaiting(t *testing.T) {
	a, st := newTestLite(t, nil, nil)
	ctx := context.Background()
	if err := a.RegisterProcess(ctx, fulfillmentSpec()); err != nil {
		t.Fatalf("RegisterProcess error: %v", err)
	}

	run, err := a.StartProcess(ctx, StartRequest{ProcessName: "order_fulfillment"})
	if err != nil {
		t.Fatalf("StartProcess error: %v", err)
	}
	waitForRunStatus(t, st, run.RunID, model.RunStatusCompleted)

	err = a.SignalProcess(ctx, run.RunID, model.SignalTaskCompleted, model.TaskCompletion{Outcome: "approved"})
	if model.CodeOf(err) != model.ErrRunNotActive {
		t.Errorf("CodeOf = %q, want %q", model.CodeOf(err), model.ErrRunNotActive)
	}
}

func TestLiteAdapter_signal_noLiveExecutorKeepsTaskPending(t *testing.T) {
	a, st := newTestLite(t, nil, nil)
	ctx := context.Background()
	if err := a.RegisterProcess(ctx, approvalSpec("")); err != nil {
		t.Fatalf("RegisterProcess error: %v", err)
	}

	// A waiting run whose executor died before ResumeInterrupted ran.
	now := time.Now().UTC()
	run := &model.ProcessRun{
		RunID:       "run-orphan-1",
		ProcessName: "expense_approval",
		Status:      model.RunStatusWaiting,
		CurrentStep: "approve",
		StartedAt:   now,
		UpdatedAt:   now,
	}
	if err := st.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun error: %v", err)
	}
	task := &model.ProcessTask{
		TaskID:    "task-orphan-1",
		RunID:     run.RunID,
		StepName:  "approve",
		Status:    model.TaskStatusPending,
		CreatedAt: now,
		DueAt:     now.Add(time.Hour),
	}
	if err := st.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask error: %v", err)
	}

	err := a.SignalProcess(ctx, run.RunID, model.SignalTaskCompleted, model.TaskCompletion{Outcome: "approved"})
	if model.CodeOf(err) != model.ErrRunNotActive {
		t.Fatalf("CodeOf = %q, want %q", model.CodeOf(err), model.ErrRunNotActive)
	}

	// The rejected signal must not consume the task record.
	tasks, err := st.ListTasksByRun(ctx, run.RunID)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("ListTasksByRun = %v, %v", tasks, err)
	}
	if tasks[0].Status != model.TaskStatusPending {
		t.Errorf("task Status = %q, want still pending", tasks[0].Status)
	}
	if tasks[0].Outcome != "" {
		t.Errorf("task Outcome = %q, want empty", tasks[0].Outcome)
	}
}

// --- Cancellation tests ---

func TestLiteAdapter_cancelWaitingRun(t *testing.T) {
	ops := &mockOps{}
	a, st := newTestLite(t, ops, nil)
	ctx := context.Background()
	if err := a.RegisterProcess(ctx, approvalSpec("")); err != nil {
		t.Fatalf("RegisterProcess error: %v", err)
	}

	run, err := a.StartProcess(ctx, StartRequest{ProcessName: "expense_approval"})
	if err != nil {
		t.Fatalf("StartProcess error: %v", err)
	}
	waitForRunStatus(t, st, run.RunID, model.RunStatusWaiting)
	waitForTask(t, st, run.RunID)

	if err := a.CancelProcess(ctx, run.RunID, "requester withdrew"); err != nil {
		t.Fatalf("CancelProcess error: %v", err)
	}

	final := waitForRunStatus(t, st, run.RunID, model.RunStatusCancelled)
	if final.CompletedAt == nil {
		t.Error("expected CompletedAt on cancelled run")
	}
	if final.Error != "requester withdrew" {
		t.Errorf("Error = %q, want cancel reason", final.Error)
	}
	// Cancellation never runs compensations.
	if got := ops.operations(); len(got) != 0 {
		t.Errorf("operations = %v, want none", got)
	}

	tasks, _ := st.ListTasksByRun(ctx, run.RunID)
	if len(tasks) != 1 || tasks[0].Status != model.TaskStatusCancelled {
		t.Errorf("task status = %v, want cancelled", tasks)
	}
}

func TestLiteAdapter_cancelDuringInFlightStep(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	ops := &mockOps{fn: func(op string, _ map[string]any) (map[string]any, error) {
		if op == "inventory.reserve" {
			once.Do(func() { close(entered) })
			// Hold the call past the cancellation, then return success, like
			// a backend request that already left the process.
			<-release
		}
		return map[string]any{}, nil
	}}
	a, st := newTestLite(t, ops, nil)
	ctx := context.Background()
	if err := a.RegisterProcess(ctx, fulfillmentSpec()); err != nil {
		t.Fatalf("RegisterProcess error: %v", err)
	}

	run, err := a.StartProcess(ctx, StartRequest{ProcessName: "order_fulfillment"})
	if err != nil {
		t.Fatalf("StartProcess error: %v", err)
	}
	<-entered

	if err := a.CancelProcess(ctx, run.RunID, "operator abort"); err != nil {
		t.Fatalf("CancelProcess error: %v", err)
	}
	close(release)

	// Wait for the executor goroutine to observe the cancellation and exit.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		a.mu.Lock()
		_, live := a.cancels[run.RunID]
		a.mu.Unlock()
		if !live {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	final, err := st.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetRun error: %v", err)
	}
	if final.Status != model.RunStatusCancelled {
		t.Errorf("Status = %q, want cancelled (terminal record must not be overwritten)", final.Status)
	}
	if final.Error != "operator abort" {
		t.Errorf("Error = %q, want cancel reason", final.Error)
	}
	// The in-flight step's success must not advance the run or compensate it.
	got := ops.operations()
	if len(got) != 1 || got[0] != "inventory.reserve" {
		t.Errorf("operations = %v, want only the in-flight call", got)
	}
}

func TestLiteAdapter_cancelTerminalRun(t *testing.T) {
	a, st := newTestLite(t, nil, nil)
	ctx := context.Background()
	if err := a.RegisterProcess(ctx, fulfillmentSpec()); err != nil {
		t.Fatalf("RegisterProcess error: %v", err)
	}

	run, err := a.StartProcess(ctx, StartRequest{ProcessName: "order_fulfillment"})
	if err != nil {
		t.Fatalf("StartProcess error: %v", err)
	}
	waitForRunStatus(t, st, run.RunID, model.RunStatusCompleted)

	err = a.CancelProcess(ctx, run.RunID, "")
	if model.CodeOf(err) != model.ErrRunNotActive {
		t.Errorf("CodeOf = %q, want %q", model.CodeOf(err), model.ErrRunNotActive)
	}
}

// --- Sweeper tests ---

func TestLiteAdapter_sweepAppliesTimeoutOutcome(t *testing.T) {
	a, st := newTestLite(t, nil, nil)
	ctx := context.Background()
	if err := a.RegisterProcess(ctx, approvalSpec("expired")); err != nil {
		t.Fatalf("RegisterProcess error: %v", err)
	}

	run, err := a.StartProcess(ctx, StartRequest{ProcessName: "expense_approval"})
	if err != nil {
		t.Fatalf("StartProcess error: %v", err)
	}
	waitForRunStatus(t, st, run.RunID, model.RunStatusWaiting)
	task := waitForTask(t, st, run.RunID)

	// Age the task past its deadline, then sweep.
	task.DueAt = time.Now().Add(-time.Minute)
	if err := st.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask error: %v", err)
	}
	if err := a.SweepDueTasks(ctx); err != nil {
		t.Fatalf("SweepDueTasks error: %v", err)
	}

	final := waitForRunStatus(t, st, run.RunID, model.RunStatusCompleted)
	stepResult, ok := final.Context["approve"].(map[string]any)
	if !ok || stepResult["outcome"] != "expired" {
		t.Errorf("Context[approve] = %v, want outcome expired", final.Context["approve"])
	}
}

func TestLiteAdapter_sweepEscalatesWithoutTimeoutOutcome(t *testing.T) {
	a, st := newTestLite(t, nil, nil)
	ctx := context.Background()
	if err := a.RegisterProcess(ctx, approvalSpec("")); err != nil {
		t.Fatalf("RegisterProcess error: %v", err)
	}

	run, err := a.StartProcess(ctx, StartRequest{ProcessName: "expense_approval"})
	if err != nil {
		t.Fatalf("StartProcess error: %v", err)
	}
	waitForRunStatus(t, st, run.RunID, model.RunStatusWaiting)
	task := waitForTask(t, st, run.RunID)

	task.DueAt = time.Now().Add(-time.Minute)
	if err := st.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask error: %v", err)
	}
	if err := a.SweepDueTasks(ctx); err != nil {
		t.Fatalf("SweepDueTasks error: %v", err)
	}

	tasks, _ := st.ListTasksByRun(ctx, run.RunID)
	if len(tasks) != 1 {
		t.Fatalf("tasks = %v", tasks)
	}
	if tasks[0].Status != model.TaskStatusPending {
		t.Errorf("task Status = %q, want still pending", tasks[0].Status)
	}
	if tasks[0].EscalatedAt == nil {
		t.Error("expected EscalatedAt to be set")
	}

	// A second sweep keeps the original escalation time.
	first := *tasks[0].EscalatedAt
	if err := a.SweepDueTasks(ctx); err != nil {
		t.Fatalf("second SweepDueTasks error: %v", err)
	}
	tasks, _ = st.ListTasksByRun(ctx, run.RunID)
	if !tasks[0].EscalatedAt.Equal(first) {
		t.Errorf("EscalatedAt changed on re-sweep: %v -> %v", first, tasks[0].EscalatedAt)
	}
}

// --- Effect, foreach, and query steps ---

func TestLiteAdapter_sideEffectAndQuerySteps(t *testing.T) {
	notes := &mockEntityService{}
	services := &mockResolver{entities: map[string]model.EntityService{"note": notes}}
	a, st := newTestLite(t, nil, services)
	ctx := context.Background()

	spec := &model.ProcessSpec{
		Name:    "note_taker",
		Trigger: model.TriggerSpec{Kind: model.TriggerManual},
		Steps: []model.ProcessStepSpec{
			{
				Name: "record",
				Kind: model.StepSideEffect,
				Effects: []model.StepEffect{
					{
						Action:     model.EffectCreate,
						EntityName: "note",
						Assignments: []model.Assignment{
							{FieldPath: "body", Value: "'first note'"},
							{FieldPath: "kind", Value: "'audit'"},
						},
					},
				},
			},
			{
				Name: "collect",
				Kind: model.StepQuery,
				Query: &model.QuerySpec{
					EntityName: "note",
					Where:      "kind = 'audit'",
					ResultVar:  "audit_notes",
				},
			},
		},
	}
	if err := a.RegisterProcess(ctx, spec); err != nil {
		t.Fatalf("RegisterProcess error: %v", err)
	}

	run, err := a.StartProcess(ctx, StartRequest{ProcessName: "note_taker"})
	if err != nil {
		t.Fatalf("StartProcess error: %v", err)
	}
	final := waitForRunStatus(t, st, run.RunID, model.RunStatusCompleted)

	if notes.createdCount() != 1 {
		t.Errorf("created notes = %d, want 1", notes.createdCount())
	}
	found, ok := final.Context["audit_notes"].([]any)
	if !ok || len(found) != 1 {
		t.Errorf("Context[audit_notes] = %v, want one match", final.Context["audit_notes"])
	}
}

func TestLiteAdapter_forEachStep(t *testing.T) {
	lines := &mockEntityService{}
	services := &mockResolver{entities: map[string]model.EntityService{"shipment_line": lines}}
	a, st := newTestLite(t, nil, services)
	ctx := context.Background()

	spec := &model.ProcessSpec{
		Name:    "split_shipment",
		Trigger: model.TriggerSpec{Kind: model.TriggerManual},
		Steps: []model.ProcessStepSpec{
			{
				Name:    "fan_out",
				Kind:    model.StepForEach,
				ForEach: &model.ForEachSpec{ItemsExpr: "items", ItemVar: "line"},
				Effects: []model.StepEffect{
					{
						Action:     model.EffectCreate,
						EntityName: "shipment_line",
						Assignments: []model.Assignment{
							{FieldPath: "sku", Value: "line.sku"},
						},
					},
				},
			},
		},
	}
	if err := a.RegisterProcess(ctx, spec); err != nil {
		t.Fatalf("RegisterProcess error: %v", err)
	}

	run, err := a.StartProcess(ctx, StartRequest{
		ProcessName: "split_shipment",
		Inputs: map[string]any{
			"items": []any{
				map[string]any{"sku": "A-1"},
				map[string]any{"sku": "B-2"},
				map[string]any{"sku": "C-3"},
			},
		},
	})
	if err != nil {
		t.Fatalf("StartProcess error: %v", err)
	}
	final := waitForRunStatus(t, st, run.RunID, model.RunStatusCompleted)

	if lines.createdCount() != 3 {
		t.Errorf("created lines = %d, want 3", lines.createdCount())
	}
	fanOut, ok := final.Context["fan_out"].(map[string]any)
	if !ok || fanOut["count"] != int64(3) {
		t.Errorf("Context[fan_out] = %v, want count 3", final.Context["fan_out"])
	}
}

// --- Resume tests ---

func TestLiteAdapter_resumeInterrupted(t *testing.T) {
	ops := &mockOps{}
	a, st := newTestLite(t, ops, nil)
	ctx := context.Background()
	if err := a.RegisterProcess(ctx, fulfillmentSpec()); err != nil {
		t.Fatalf("RegisterProcess error: %v", err)
	}

	// Simulate a run persisted mid-flight by an earlier process.
	run := &model.ProcessRun{
		RunID:       "run-resume-1",
		ProcessName: "order_fulfillment",
		Status:      model.RunStatusRunning,
		CurrentStep: "charge",
		Inputs:      map[string]any{"order_id": "ord-9"},
		Context:     map[string]any{"reserve": map[string]any{"ok": true}},
		StartedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := st.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun error: %v", err)
	}

	if err := a.ResumeInterrupted(ctx); err != nil {
		t.Fatalf("ResumeInterrupted error: %v", err)
	}
	waitForRunStatus(t, st, run.RunID, model.RunStatusCompleted)

	got := ops.operations()
	want := []string{"billing.charge", "shipping.dispatch"}
	if len(got) != len(want) {
		t.Fatalf("operations = %v, want %v (resume must not replay completed steps)", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("operations[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

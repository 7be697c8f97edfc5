package definition

import (
	"strings"
	"testing"

	"github.com/mazwell/conduct/model"
)

func validProcess() model.ProcessSpec {
	return model.ProcessSpec{
		Name:    "order_fulfillment",
		Trigger: model.TriggerSpec{Kind: model.TriggerManual},
		Compensations: []model.CompensationSpec{
			{Name: "release_stock", Service: "inventory.release"},
		},
		Steps: []model.ProcessStepSpec{
			{Name: "reserve", Kind: model.StepService, Service: "inventory.reserve", CompensateWith: "release_stock"},
		},
	}
}

func findVError(errs []VError, pathSuffix string) *VError {
	for i := range errs {
		if strings.HasSuffix(errs[i].Path, pathSuffix) {
			return &errs[i]
		}
	}
	return nil
}

func TestValidator_acceptsValidBundle(t *testing.T) {
	l := NewLoader()
	bundle, err := l.LoadFile("testdata/orders/processes.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if errs := NewValidator().Validate([]Bundle{bundle}); len(errs) != 0 {
		t.Errorf("Validate() = %v, want no errors", errs)
	}
}

func TestValidator_requiredFields(t *testing.T) {
	p := validProcess()
	p.Name = ""
	p.Steps = nil

	errs := NewValidator().Validate([]Bundle{{Processes: []model.ProcessSpec{p}}})
	if findVError(errs, ".name") == nil {
		t.Error("missing name should be reported")
	}
	if findVError(errs, ".steps") == nil {
		t.Error("missing steps should be reported")
	}
}

func TestValidator_stepDirectives(t *testing.T) {
	tests := []struct {
		name string
		step model.ProcessStepSpec
		path string
	}{
		{
			name: "service step without service",
			step: model.ProcessStepSpec{Name: "s", Kind: model.StepService},
			path: ".service",
		},
		{
			name: "unknown kind",
			step: model.ProcessStepSpec{Name: "s", Kind: "TELEPORT"},
			path: ".kind",
		},
		{
			name: "wait without duration",
			step: model.ProcessStepSpec{Name: "s", Kind: model.StepWait},
			path: ".wait_duration_seconds",
		},
		{
			name: "side effect without effects",
			step: model.ProcessStepSpec{Name: "s", Kind: model.StepSideEffect},
			path: ".effects",
		},
		{
			name: "foreach without items",
			step: model.ProcessStepSpec{Name: "s", Kind: model.StepForEach},
			path: ".for_each.items",
		},
		{
			name: "query without entity",
			step: model.ProcessStepSpec{Name: "s", Kind: model.StepQuery},
			path: ".query.entity_name",
		},
		{
			name: "dangling compensation reference",
			step: model.ProcessStepSpec{Name: "s", Kind: model.StepService, Service: "x", CompensateWith: "missing"},
			path: ".compensate_with",
		},
		{
			name: "retry with zero attempts",
			step: model.ProcessStepSpec{
				Name: "s", Kind: model.StepService, Service: "x",
				Retry: &model.RetryConfig{MaxAttempts: 0, InitialIntervalSeconds: 1},
			},
			path: ".retry.max_attempts",
		},
	}

	v := NewValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validProcess()
			p.Steps = []model.ProcessStepSpec{tt.step}
			errs := v.Validate([]Bundle{{Processes: []model.ProcessSpec{p}}})
			if findVError(errs, tt.path) == nil {
				t.Errorf("Validate() = %v, want error at %s", errs, tt.path)
			}
		})
	}
}

func TestValidator_humanTaskOutcomes(t *testing.T) {
	p := validProcess()
	p.Steps = []model.ProcessStepSpec{{
		Name: "review",
		Kind: model.StepHumanTask,
		HumanTask: &model.HumanTaskSpec{
			Surface:          "orders.review",
			Outcomes:         []string{"approve", "reject"},
			OnTimeoutOutcome: "escalate",
		},
	}}

	errs := NewValidator().Validate([]Bundle{{Processes: []model.ProcessSpec{p}}})
	if e := findVError(errs, ".on_timeout_outcome"); e == nil || e.Code != "REF_NOT_FOUND" {
		t.Errorf("Validate() = %v, want REF_NOT_FOUND at on_timeout_outcome", errs)
	}
}

func TestValidator_duplicateProcessNames(t *testing.T) {
	errs := NewValidator().Validate([]Bundle{
		{Processes: []model.ProcessSpec{validProcess()}},
		{Processes: []model.ProcessSpec{validProcess()}},
	})
	if e := findVError(errs, ".name"); e == nil || e.Code != "DUPLICATE" {
		t.Errorf("Validate() = %v, want DUPLICATE at name", errs)
	}
}

func TestValidator_scheduleTrigger(t *testing.T) {
	p := validProcess()
	p.Trigger = model.TriggerSpec{Kind: model.TriggerSchedule}
	p.Schedule = nil

	errs := NewValidator().Validate([]Bundle{{Processes: []model.ProcessSpec{p}}})
	if findVError(errs, ".trigger") == nil {
		t.Errorf("Validate() = %v, want error for missing schedule interval", errs)
	}
}

func TestValidator_stateMachine(t *testing.T) {
	sm := model.StateMachineSpec{
		EntityName:  "Order",
		StatusField: "status",
		States:      []string{"draft", "confirmed"},
		Transitions: []model.TransitionSpec{
			{FromState: "draft", ToState: "shipped"},
			{FromState: "*", ToState: "confirmed", Guards: []model.TransitionGuardSpec{
				{RequiresField: "payment_method", RequiresRole: "ops"},
			}},
		},
	}

	errs := NewValidator().Validate([]Bundle{{StateMachines: []model.StateMachineSpec{sm}}})
	if e := findVError(errs, ".to_state"); e == nil || e.Code != "REF_NOT_FOUND" {
		t.Errorf("Validate() = %v, want REF_NOT_FOUND at to_state", errs)
	}
	if findVError(errs, ".guards[0]") == nil {
		t.Errorf("Validate() = %v, want error for guard with two directives", errs)
	}
}

package definition

import (
	"testing"

	"github.com/mazwell/conduct/model"
)

func TestLoader_LoadFile(t *testing.T) {
	l := NewLoader()
	bundle, err := l.LoadFile("testdata/orders/processes.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if len(bundle.Processes) != 2 {
		t.Fatalf("Processes = %d, want 2", len(bundle.Processes))
	}
	p := bundle.Processes[0]
	if p.Name != "order_fulfillment" {
		t.Errorf("Name = %q, want order_fulfillment", p.Name)
	}
	if p.Trigger.Kind != model.TriggerEntityStatusTransition {
		t.Errorf("Trigger.Kind = %q, want %q", p.Trigger.Kind, model.TriggerEntityStatusTransition)
	}
	if p.Trigger.ToStatus != "confirmed" {
		t.Errorf("Trigger.ToStatus = %q, want confirmed", p.Trigger.ToStatus)
	}
	if len(p.Steps) != 3 {
		t.Fatalf("Steps = %d, want 3", len(p.Steps))
	}
	if p.Steps[0].Retry == nil || p.Steps[0].Retry.MaxAttempts != 3 {
		t.Errorf("Steps[0].Retry = %+v, want max_attempts 3", p.Steps[0].Retry)
	}
	if p.Steps[2].HumanTask == nil || p.Steps[2].HumanTask.OnTimeoutOutcome != "reject" {
		t.Errorf("Steps[2].HumanTask = %+v, want on_timeout_outcome reject", p.Steps[2].HumanTask)
	}

	if len(bundle.StateMachines) != 1 {
		t.Fatalf("StateMachines = %d, want 1", len(bundle.StateMachines))
	}
	if bundle.StateMachines[0].EntityName != "Order" {
		t.Errorf("EntityName = %q, want Order", bundle.StateMachines[0].EntityName)
	}
	if bundle.Checksum == "" {
		t.Error("Checksum should not be empty")
	}
	if bundle.SourceFile != "testdata/orders/processes.yaml" {
		t.Errorf("SourceFile = %q", bundle.SourceFile)
	}
}

func TestLoader_normalizesEffectOnlySteps(t *testing.T) {
	l := NewLoader()
	bundle, err := l.LoadFile("testdata/orders/processes.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	step := bundle.Processes[0].FindStep("record_shipment")
	if step == nil {
		t.Fatal("record_shipment step not found")
	}
	if step.Kind != model.StepSideEffect {
		t.Errorf("Kind = %q, want %q", step.Kind, model.StepSideEffect)
	}
}

func TestLoader_LoadFile_not_found(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("LoadFile() with missing file should return error")
	}
}

func TestLoader_LoadFile_invalid_yaml(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/invalid/bad.yaml")
	if err == nil {
		t.Fatal("LoadFile() with invalid YAML should return error")
	}
}

func TestLoader_LoadAll(t *testing.T) {
	l := NewLoader()
	bundles, err := l.LoadAll([]string{"testdata/orders"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(bundles) != 1 {
		t.Fatalf("bundles = %d, want 1", len(bundles))
	}
}

func TestLoader_LoadAll_propagatesParseErrors(t *testing.T) {
	l := NewLoader()
	if _, err := l.LoadAll([]string{"testdata"}); err == nil {
		t.Fatal("LoadAll() over a tree with a bad file should return error")
	}
}

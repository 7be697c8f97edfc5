package definition

import (
	"testing"

	"github.com/mazwell/conduct/model"
)

func testBundle() Bundle {
	return Bundle{
		Processes: []model.ProcessSpec{
			{Name: "order_fulfillment", Trigger: model.TriggerSpec{Kind: model.TriggerManual}},
			{Name: "nightly_reconciliation", Trigger: model.TriggerSpec{Kind: model.TriggerSchedule}},
		},
		StateMachines: []model.StateMachineSpec{
			{EntityName: "Order", StatusField: "status"},
		},
		Checksum: "abc123",
	}
}

func TestRegistry_lookups(t *testing.T) {
	r := NewRegistry([]Bundle{testBundle()})

	if _, ok := r.GetProcess("order_fulfillment"); !ok {
		t.Error("GetProcess(order_fulfillment) should hit")
	}
	if _, ok := r.GetProcess("unknown"); ok {
		t.Error("GetProcess(unknown) should miss")
	}
	if _, ok := r.GetStateMachine("Order"); !ok {
		t.Error("GetStateMachine(Order) should hit")
	}

	all := r.AllProcesses()
	if len(all) != 2 || all[0].Name != "nightly_reconciliation" {
		t.Errorf("AllProcesses() first = %q, want nightly_reconciliation", all[0].Name)
	}
	if r.Checksum() == "" {
		t.Error("Checksum() should not be empty")
	}
}

func TestRegistry_Replace(t *testing.T) {
	r := NewRegistry([]Bundle{testBundle()})
	before := r.Checksum()

	r.Replace([]Bundle{{
		Processes: []model.ProcessSpec{{Name: "invoice_approval"}},
		Checksum:  "def456",
	}})

	if _, ok := r.GetProcess("order_fulfillment"); ok {
		t.Error("old process should be gone after Replace")
	}
	if _, ok := r.GetProcess("invoice_approval"); !ok {
		t.Error("new process should be present after Replace")
	}
	if r.Checksum() == before {
		t.Error("Checksum() should change after Replace")
	}
}

package guard

import (
	"strings"
	"testing"

	"github.com/mazwell/conduct/model"
)

func TestEvaluate_allTrue(t *testing.T) {
	data := map[string]any{
		"credit_check": true,
		"kyc_done":     "yes",
		"flagged":      false,
		"balance":      0,
	}

	tests := []struct {
		name string
		expr *model.GuardExpr
		want bool
	}{
		{"zero args vacuously true", model.FuncCall("all_true"), true},
		{"all truthy", model.FuncCall("all_true", model.FieldRef("credit_check"), model.FieldRef("kyc_done")), true},
		{"one falsy", model.FuncCall("all_true", model.FieldRef("credit_check"), model.FieldRef("flagged")), false},
		{"missing field", model.FuncCall("all_true", model.FieldRef("no_such_field")), false},
		{"zero is falsy", model.FuncCall("all_true", model.FieldRef("balance")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.expr, data)
			if err != nil {
				t.Fatalf("Evaluate error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Evaluate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFailureMessage_allTrue_listsOnlyFalsyFields(t *testing.T) {
	data := map[string]any{"a": true, "b": false}
	expr := model.FuncCall("all_true",
		model.FieldRef("a"), model.FieldRef("b"), model.FieldRef("c"))

	msg := FailureMessage(expr, data)
	if strings.Contains(msg, "a") && strings.Contains(msg, "a,") {
		t.Errorf("message should not name truthy field a: %q", msg)
	}
	// Falsy and missing fields appear in argument order.
	if !strings.Contains(msg, "b, c") {
		t.Errorf("message = %q, want falsy fields b, c in order", msg)
	}
}

func TestEvaluate_binaryOp(t *testing.T) {
	data := map[string]any{
		"requested_by": "user-1",
		"approved_by":  "user-2",
		"amount":       100.0,
	}

	tests := []struct {
		name string
		expr *model.GuardExpr
		want bool
	}{
		{
			"separation of duties holds",
			model.BinaryOp("!=", model.FieldRef("requested_by"), model.FieldRef("approved_by")),
			true,
		},
		{
			"equality with literal",
			model.BinaryOp("==", model.FieldRef("amount"), model.Literal(100)),
			true,
		},
		{
			"inequality fails on same value",
			model.BinaryOp("!=", model.FieldRef("requested_by"), model.Literal("user-1")),
			false,
		},
		{
			// A missing operand resolves to nil; the inequality against a
			// present value passes. Documented behaviour, see DESIGN.md.
			"inequality against missing field passes",
			model.BinaryOp("!=", model.FieldRef("requested_by"), model.FieldRef(CurrentUserField)),
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.expr, data)
			if err != nil {
				t.Fatalf("Evaluate error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Evaluate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluate_unknownFunction(t *testing.T) {
	_, err := Evaluate(model.FuncCall("any_true", model.FieldRef("x")), nil)
	if err == nil {
		t.Fatal("expected error for unknown function")
	}
	if model.CodeOf(err) != model.ErrProcessConfig {
		t.Errorf("code = %s, want PROCESS_CONFIG", model.CodeOf(err))
	}
}

func TestEvaluate_doesNotMutateData(t *testing.T) {
	data := map[string]any{"a": true}
	_, _ = Evaluate(model.FuncCall("all_true", model.FieldRef("a"), model.FieldRef("b")), data)
	if len(data) != 1 {
		t.Errorf("data mutated: %v", data)
	}
}

func TestEvaluate_nestedFieldRef(t *testing.T) {
	data := map[string]any{"order": map[string]any{"status": "open"}}
	got, err := Evaluate(model.BinaryOp("==", model.FieldRef("order.status"), model.Literal("open")), data)
	if err != nil {
		t.Fatalf("Evaluate error: %v", err)
	}
	if !got {
		t.Error("expected nested field ref to resolve")
	}
}

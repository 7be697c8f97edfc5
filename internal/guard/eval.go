// Package guard evaluates transition-guard expressions and enforces entity
// state-machine transition legality.
package guard

import (
	"fmt"
	"strings"

	"github.com/mazwell/conduct/model"
)

// CurrentUserField is the synthetic field name under which the acting user is
// visible to guard expressions. It is injected into a copy of the entity data
// and never written back.
const CurrentUserField = "current_user"

// Evaluate walks a guard expression against entity data and returns its
// boolean result. Evaluation is pure: data is only read.
func Evaluate(expr *model.GuardExpr, data map[string]any) (bool, error) {
	if expr == nil {
		return true, nil
	}

	switch expr.Kind {
	case model.ExprFuncCall:
		return evalFuncCall(expr, data)
	case model.ExprBinaryOp:
		return evalBinaryOp(expr, data)
	case model.ExprFieldRef:
		return Truthy(lookupField(data, expr.Path)), nil
	case model.ExprLiteral:
		return Truthy(expr.Value), nil
	default:
		return false, model.NewProcessConfigError(
			fmt.Sprintf("unknown guard expression kind %q", expr.Kind),
		)
	}
}

// evalFuncCall dispatches the closed set of guard functions.
func evalFuncCall(expr *model.GuardExpr, data map[string]any) (bool, error) {
	switch expr.Name {
	case "all_true":
		// Vacuously true with zero args.
		for _, arg := range expr.Args {
			ok, err := Evaluate(arg, data)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, model.NewProcessConfigError(
			fmt.Sprintf("unknown guard function %q", expr.Name),
		)
	}
}

// evalBinaryOp evaluates == and != over field refs and literals.
func evalBinaryOp(expr *model.GuardExpr, data map[string]any) (bool, error) {
	left, err := resolveOperand(expr.Left, data)
	if err != nil {
		return false, err
	}
	right, err := resolveOperand(expr.Right, data)
	if err != nil {
		return false, err
	}

	switch expr.Op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	default:
		return false, model.NewProcessConfigError(
			fmt.Sprintf("unknown guard operator %q", expr.Op),
		)
	}
}

// resolveOperand resolves a binary operand to a value. A field_ref on a
// missing field resolves to nil, which an inequality against any non-nil
// value satisfies; see FailureMessage for how that surfaces.
func resolveOperand(expr *model.GuardExpr, data map[string]any) (any, error) {
	if expr == nil {
		return nil, nil
	}
	switch expr.Kind {
	case model.ExprFieldRef:
		return lookupField(data, expr.Path), nil
	case model.ExprLiteral:
		return expr.Value, nil
	default:
		return nil, model.NewProcessConfigError(
			fmt.Sprintf("guard operand must be field_ref or literal, got %q", expr.Kind),
		)
	}
}

// FailureMessage builds the auto-generated message for a failed guard
// expression. For all_true it names exactly the falsy or missing fields, in
// argument order.
func FailureMessage(expr *model.GuardExpr, data map[string]any) string {
	if expr == nil {
		return "guard not satisfied"
	}

	switch expr.Kind {
	case model.ExprFuncCall:
		if expr.Name == "all_true" {
			var missing []string
			for _, arg := range expr.Args {
				if arg.Kind == model.ExprFieldRef && !Truthy(lookupField(data, arg.Path)) {
					missing = append(missing, arg.Path)
				}
			}
			return fmt.Sprintf("required fields not satisfied: %s", strings.Join(missing, ", "))
		}
		return fmt.Sprintf("guard %s not satisfied", expr.Name)
	case model.ExprBinaryOp:
		return fmt.Sprintf("condition %s %s %s not satisfied",
			operandLabel(expr.Left), expr.Op, operandLabel(expr.Right))
	case model.ExprFieldRef:
		return fmt.Sprintf("field %q is not set", expr.Path)
	default:
		return "guard not satisfied"
	}
}

func operandLabel(expr *model.GuardExpr) string {
	if expr == nil {
		return "<nil>"
	}
	if expr.Kind == model.ExprFieldRef {
		return expr.Path
	}
	return fmt.Sprintf("%v", expr.Value)
}

// lookupField navigates a dot-separated path through nested maps.
func lookupField(data map[string]any, path string) any {
	parts := strings.Split(path, ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

// Truthy reports whether a value counts as set-and-true for guard purposes.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// looseEqual compares values with numeric normalization so a JSON-decoded
// float64 compares equal to the int it round-tripped from.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case float32:
		return float64(t), true
	}
	return 0, false
}

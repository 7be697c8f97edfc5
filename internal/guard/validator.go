package guard

import (
	"fmt"

	"github.com/mazwell/conduct/model"
)

// TransitionValidator checks entity status transitions against a
// StateMachineSpec. Guard failures are immediately fatal to the attempted
// transition; they are never retried.
type TransitionValidator struct {
	spec *model.StateMachineSpec
}

// NewTransitionValidator creates a validator for one state machine.
func NewTransitionValidator(spec *model.StateMachineSpec) *TransitionValidator {
	return &TransitionValidator{spec: spec}
}

// ValidationResult is the outcome of a transition check.
type ValidationResult struct {
	IsValid bool
	Err     *model.ErrorEnvelope
}

// ValidateTransition checks whether from->to is legal for the given entity
// data. currentUser, when non-empty, is visible to guard expressions as the
// synthetic current_user field on a copy of the data; entityData itself is
// never mutated.
func (v *TransitionValidator) ValidateTransition(
	from, to string,
	entityData map[string]any,
	userRoles []string,
	currentUser string,
) ValidationResult {
	edge := v.spec.FindTransition(from, to)
	if edge == nil {
		return ValidationResult{Err: model.NewUnknownTransitionError(from, to)}
	}

	data := entityData
	if currentUser != "" {
		data = make(map[string]any, len(entityData)+1)
		for k, val := range entityData {
			data[k] = val
		}
		data[CurrentUserField] = currentUser
	}

	for i := range edge.Guards {
		g := &edge.Guards[i]
		if err := v.checkGuard(g, data, userRoles); err != nil {
			return ValidationResult{Err: err}
		}
	}

	return ValidationResult{IsValid: true}
}

// checkGuard evaluates one guard; the first failure aborts with its
// guard_message or an auto-generated one.
func (v *TransitionValidator) checkGuard(
	g *model.TransitionGuardSpec,
	data map[string]any,
	userRoles []string,
) *model.ErrorEnvelope {
	switch {
	case g.RequiresField != "":
		if !Truthy(lookupField(data, g.RequiresField)) {
			return model.NewGuardNotSatisfiedError(
				guardMessage(g, fmt.Sprintf("field %q is required", g.RequiresField)),
			)
		}
	case g.RequiresRole != "":
		if !hasRole(userRoles, g.RequiresRole) {
			return model.NewGuardNotSatisfiedError(
				guardMessage(g, fmt.Sprintf("role %q is required", g.RequiresRole)),
			)
		}
	case g.GuardExpr != nil:
		ok, err := Evaluate(g.GuardExpr, data)
		if err != nil {
			if env, isEnv := err.(*model.ErrorEnvelope); isEnv {
				return env
			}
			return model.NewProcessConfigError(err.Error())
		}
		if !ok {
			return model.NewGuardNotSatisfiedError(
				guardMessage(g, FailureMessage(g.GuardExpr, data)),
			)
		}
	}
	return nil
}

func guardMessage(g *model.TransitionGuardSpec, fallback string) string {
	if g.GuardMessage != "" {
		return g.GuardMessage
	}
	return fallback
}

func hasRole(roles []string, want string) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}

// ValidateStatusUpdate extracts the from/to states out of an entity update
// and delegates to ValidateTransition. It returns nil when updateData does
// not change the status field.
func ValidateStatusUpdate(
	sm *model.StateMachineSpec,
	currentData, updateData map[string]any,
	currentUser string,
	userRoles []string,
) *model.ErrorEnvelope {
	raw, present := updateData[sm.StatusField]
	if !present {
		return nil
	}
	to := fmt.Sprintf("%v", raw)

	from := ""
	if cur, ok := currentData[sm.StatusField]; ok && cur != nil {
		from = fmt.Sprintf("%v", cur)
	}
	if from == to {
		return nil
	}

	// Guards see the pre-update data merged with the proposed changes.
	merged := make(map[string]any, len(currentData)+len(updateData))
	for k, v := range currentData {
		merged[k] = v
	}
	for k, v := range updateData {
		merged[k] = v
	}

	res := NewTransitionValidator(sm).ValidateTransition(from, to, merged, userRoles, currentUser)
	if !res.IsValid {
		return res.Err
	}
	return nil
}

package definition

import (
	"fmt"

	"github.com/mazwell/conduct/model"
)

// VError describes a single validation error in a bundle.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks bundles structurally and referentially before they are
// accepted into the registry.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all bundles. Process names and entity names must also be
// unique across bundles.
func (v *Validator) Validate(bundles []Bundle) []VError {
	var errs []VError
	seenProcesses := make(map[string]bool)
	seenEntities := make(map[string]bool)

	for i, bundle := range bundles {
		prefix := fmt.Sprintf("bundles[%d]", i)
		for j, p := range bundle.Processes {
			pp := fmt.Sprintf("%s.processes[%d]", prefix, j)
			if p.Name != "" && seenProcesses[p.Name] {
				errs = append(errs, VError{Path: pp + ".name", Code: "DUPLICATE", Message: fmt.Sprintf("process %q defined more than once", p.Name)})
			}
			seenProcesses[p.Name] = true
			errs = append(errs, v.validateProcess(pp, p)...)
		}
		for j, sm := range bundle.StateMachines {
			sp := fmt.Sprintf("%s.state_machines[%d]", prefix, j)
			if sm.EntityName != "" && seenEntities[sm.EntityName] {
				errs = append(errs, VError{Path: sp + ".entity_name", Code: "DUPLICATE", Message: fmt.Sprintf("state machine for %q defined more than once", sm.EntityName)})
			}
			seenEntities[sm.EntityName] = true
			errs = append(errs, v.validateStateMachine(sp, sm)...)
		}
	}
	return errs
}

var validTriggerKinds = map[string]bool{
	model.TriggerEntityEvent:            true,
	model.TriggerEntityStatusTransition: true,
	model.TriggerManual:                 true,
	model.TriggerSchedule:               true,
}

var validStepKinds = map[string]bool{
	model.StepService:    true,
	model.StepHumanTask:  true,
	model.StepWait:       true,
	model.StepSideEffect: true,
	model.StepForEach:    true,
	model.StepQuery:      true,
}

func (v *Validator) validateProcess(prefix string, p model.ProcessSpec) []VError {
	var errs []VError

	if p.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if len(p.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "at least one step is required"})
	}

	errs = append(errs, v.validateTrigger(prefix+".trigger", p)...)

	compensationNames := make(map[string]bool)
	for i, c := range p.Compensations {
		cp := fmt.Sprintf("%s.compensations[%d]", prefix, i)
		if c.Name == "" {
			errs = append(errs, VError{Path: cp + ".name", Code: "REQUIRED", Message: "compensation name is required"})
		}
		if c.Service == "" {
			errs = append(errs, VError{Path: cp + ".service", Code: "REQUIRED", Message: "compensation service is required"})
		}
		compensationNames[c.Name] = true
	}

	stepNames := make(map[string]bool)
	for i, step := range p.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		if step.Name == "" {
			errs = append(errs, VError{Path: sp + ".name", Code: "REQUIRED", Message: "step name is required"})
		} else if stepNames[step.Name] {
			errs = append(errs, VError{Path: sp + ".name", Code: "DUPLICATE", Message: fmt.Sprintf("step %q defined more than once", step.Name)})
		}
		stepNames[step.Name] = true
		errs = append(errs, v.validateStep(sp, step, compensationNames)...)
	}

	return errs
}

func (v *Validator) validateTrigger(prefix string, p model.ProcessSpec) []VError {
	var errs []VError
	t := p.Trigger

	if t.Kind == "" {
		errs = append(errs, VError{Path: prefix + ".kind", Code: "REQUIRED", Message: "trigger kind is required"})
		return errs
	}
	if !validTriggerKinds[t.Kind] {
		errs = append(errs, VError{Path: prefix + ".kind", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid trigger kind %q", t.Kind)})
		return errs
	}

	switch t.Kind {
	case model.TriggerEntityEvent:
		if t.EntityName == "" {
			errs = append(errs, VError{Path: prefix + ".entity_name", Code: "REQUIRED", Message: "entity_name required for ENTITY_EVENT trigger"})
		}
	case model.TriggerEntityStatusTransition:
		if t.EntityName == "" {
			errs = append(errs, VError{Path: prefix + ".entity_name", Code: "REQUIRED", Message: "entity_name required for ENTITY_STATUS_TRANSITION trigger"})
		}
		if t.ToStatus == "" {
			errs = append(errs, VError{Path: prefix + ".to_status", Code: "REQUIRED", Message: "to_status required for ENTITY_STATUS_TRANSITION trigger"})
		}
	case model.TriggerSchedule:
		if p.Schedule == nil || p.Schedule.IntervalSeconds <= 0 {
			errs = append(errs, VError{Path: prefix, Code: "REQUIRED", Message: "schedule.interval_seconds must be positive for SCHEDULE trigger"})
		}
	}
	return errs
}

func (v *Validator) validateStep(prefix string, step model.ProcessStepSpec, compensations map[string]bool) []VError {
	var errs []VError

	if step.Kind == "" {
		errs = append(errs, VError{Path: prefix + ".kind", Code: "REQUIRED", Message: "step kind is required"})
		return errs
	}
	if !validStepKinds[step.Kind] {
		errs = append(errs, VError{Path: prefix + ".kind", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid step kind %q", step.Kind)})
		return errs
	}

	switch step.Kind {
	case model.StepService:
		if step.Service == "" {
			errs = append(errs, VError{Path: prefix + ".service", Code: "REQUIRED", Message: "service required for SERVICE step"})
		}
	case model.StepHumanTask:
		errs = append(errs, v.validateHumanTask(prefix+".human_task", step.HumanTask)...)
	case model.StepWait:
		if step.WaitDurationSeconds <= 0 {
			errs = append(errs, VError{Path: prefix + ".wait_duration_seconds", Code: "RANGE", Message: "wait_duration_seconds must be positive"})
		}
	case model.StepSideEffect:
		if len(step.Effects) == 0 {
			errs = append(errs, VError{Path: prefix + ".effects", Code: "REQUIRED", Message: "at least one effect is required for SIDE_EFFECT step"})
		}
	case model.StepForEach:
		if step.ForEach == nil || step.ForEach.ItemsExpr == "" {
			errs = append(errs, VError{Path: prefix + ".for_each.items", Code: "REQUIRED", Message: "for_each.items required for FOREACH step"})
		}
	case model.StepQuery:
		if step.Query == nil || step.Query.EntityName == "" {
			errs = append(errs, VError{Path: prefix + ".query.entity_name", Code: "REQUIRED", Message: "query.entity_name required for QUERY step"})
		}
	}

	for i, effect := range step.Effects {
		ep := fmt.Sprintf("%s.effects[%d]", prefix, i)
		if effect.Action != model.EffectCreate && effect.Action != model.EffectUpdate {
			errs = append(errs, VError{Path: ep + ".action", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid effect action %q", effect.Action)})
		}
		if effect.EntityName == "" {
			errs = append(errs, VError{Path: ep + ".entity_name", Code: "REQUIRED", Message: "effect entity_name is required"})
		}
		if effect.Action == model.EffectUpdate && effect.Where == "" {
			errs = append(errs, VError{Path: ep + ".where", Code: "REQUIRED", Message: "where clause required for UPDATE effect"})
		}
	}

	if step.CompensateWith != "" && !compensations[step.CompensateWith] {
		errs = append(errs, VError{
			Path:    prefix + ".compensate_with",
			Code:    "REF_NOT_FOUND",
			Message: fmt.Sprintf("compensation %q not found in process", step.CompensateWith),
		})
	}

	if r := step.Retry; r != nil {
		if r.MaxAttempts < 1 {
			errs = append(errs, VError{Path: prefix + ".retry.max_attempts", Code: "RANGE", Message: "max_attempts must be at least 1"})
		}
		if r.InitialIntervalSeconds <= 0 {
			errs = append(errs, VError{Path: prefix + ".retry.initial_interval_seconds", Code: "RANGE", Message: "initial_interval_seconds must be positive"})
		}
		if r.BackoffCoefficient != 0 && r.BackoffCoefficient < 1 {
			errs = append(errs, VError{Path: prefix + ".retry.backoff_coefficient", Code: "RANGE", Message: "backoff_coefficient must be at least 1"})
		}
	}

	return errs
}

func (v *Validator) validateHumanTask(prefix string, task *model.HumanTaskSpec) []VError {
	var errs []VError
	if task == nil {
		return []VError{{Path: prefix, Code: "REQUIRED", Message: "human_task required for HUMAN_TASK step"}}
	}
	if task.Surface == "" {
		errs = append(errs, VError{Path: prefix + ".surface", Code: "REQUIRED", Message: "surface is required"})
	}
	if len(task.Outcomes) == 0 {
		errs = append(errs, VError{Path: prefix + ".outcomes", Code: "REQUIRED", Message: "at least one outcome is required"})
	}
	if task.OnTimeoutOutcome != "" {
		found := false
		for _, outcome := range task.Outcomes {
			if outcome == task.OnTimeoutOutcome {
				found = true
				break
			}
		}
		if !found {
			errs = append(errs, VError{
				Path:    prefix + ".on_timeout_outcome",
				Code:    "REF_NOT_FOUND",
				Message: fmt.Sprintf("on_timeout_outcome %q is not a declared outcome", task.OnTimeoutOutcome),
			})
		}
	}
	if task.TimeoutSeconds < 0 {
		errs = append(errs, VError{Path: prefix + ".timeout_seconds", Code: "RANGE", Message: "timeout_seconds must not be negative"})
	}
	return errs
}

func (v *Validator) validateStateMachine(prefix string, sm model.StateMachineSpec) []VError {
	var errs []VError

	if sm.EntityName == "" {
		errs = append(errs, VError{Path: prefix + ".entity_name", Code: "REQUIRED", Message: "entity_name is required"})
	}
	if sm.StatusField == "" {
		errs = append(errs, VError{Path: prefix + ".status_field", Code: "REQUIRED", Message: "status_field is required"})
	}

	states := make(map[string]bool, len(sm.States))
	for _, state := range sm.States {
		states[state] = true
	}

	for i, tr := range sm.Transitions {
		tp := fmt.Sprintf("%s.transitions[%d]", prefix, i)
		if tr.FromState != "*" && len(states) > 0 && !states[tr.FromState] {
			errs = append(errs, VError{Path: tp + ".from_state", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("state %q not declared", tr.FromState)})
		}
		if len(states) > 0 && !states[tr.ToState] {
			errs = append(errs, VError{Path: tp + ".to_state", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("state %q not declared", tr.ToState)})
		}
		for j, guard := range tr.Guards {
			gp := fmt.Sprintf("%s.guards[%d]", tp, j)
			set := 0
			if guard.RequiresField != "" {
				set++
			}
			if guard.RequiresRole != "" {
				set++
			}
			if guard.GuardExpr != nil {
				set++
			}
			if set != 1 {
				errs = append(errs, VError{
					Path:    gp,
					Code:    "INVALID",
					Message: "exactly one of requires_field, requires_role, guard_expr must be set",
				})
			}
		}
	}
	return errs
}

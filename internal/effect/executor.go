// Package effect applies the CREATE/UPDATE side effects declared on process
// steps against the external entity services.
package effect

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mazwell/conduct/model"
)

// ServiceResolver resolves an entity name to its service capability.
type ServiceResolver interface {
	Entity(name string) (model.EntityService, bool)
}

// EvalContext is the data visible to effect value expressions.
type EvalContext struct {
	// TriggerEntity is the entity that started the run (self.<field>).
	TriggerEntity map[string]any
	// Inputs are the process start inputs.
	Inputs map[string]any
	// Vars is the accumulated run context (step results, created ids).
	Vars map[string]any
}

// EffectResult reports the outcome of one applied effect.
type EffectResult struct {
	Action        string         `json:"action"`
	EntityName    string         `json:"entity_name"`
	EntityID      string         `json:"entity_id,omitempty"`
	AffectedCount int            `json:"affected_count"`
	Created       map[string]any `json:"created,omitempty"`
}

// Executor applies step effects strictly in declaration order. A failure
// aborts the remaining effects of that step and propagates as a step failure.
type Executor struct {
	services ServiceResolver
}

// NewExecutor creates an effect executor backed by the given services.
func NewExecutor(services ServiceResolver) *Executor {
	return &Executor{services: services}
}

// ExecuteEffects runs all effects in order and returns their results. The
// returned results cover only the effects that ran; the error belongs to the
// first failing effect.
func (e *Executor) ExecuteEffects(
	ctx context.Context,
	effects []model.StepEffect,
	ec *EvalContext,
) ([]EffectResult, error) {
	results := make([]EffectResult, 0, len(effects))
	for i := range effects {
		res, err := e.executeEffect(ctx, &effects[i], ec)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (e *Executor) executeEffect(
	ctx context.Context,
	eff *model.StepEffect,
	ec *EvalContext,
) (EffectResult, error) {
	svc, ok := e.services.Entity(eff.EntityName)
	if !ok {
		return EffectResult{}, model.NewProcessConfigError(
			fmt.Sprintf("no service registered for entity %q", eff.EntityName),
		)
	}

	switch eff.Action {
	case model.EffectCreate:
		return e.executeCreate(ctx, svc, eff, ec)
	case model.EffectUpdate:
		return e.executeUpdate(ctx, svc, eff, ec)
	default:
		return EffectResult{}, model.NewProcessConfigError(
			fmt.Sprintf("unknown effect action %q", eff.Action),
		)
	}
}

// executeCreate builds the entity data from the assignments and calls
// service.Create. The created id is surfaced for later steps.
func (e *Executor) executeCreate(
	ctx context.Context,
	svc model.EntityService,
	eff *model.StepEffect,
	ec *EvalContext,
) (EffectResult, error) {
	data := make(map[string]any, len(eff.Assignments))
	for _, a := range eff.Assignments {
		val, err := ResolveValue(a.Value, ec)
		if err != nil {
			return EffectResult{}, fmt.Errorf("resolve %s: %w", a.FieldPath, err)
		}
		data[a.FieldPath] = val
	}

	created, err := svc.Create(ctx, data)
	if err != nil {
		return EffectResult{}, fmt.Errorf("create %s: %w", eff.EntityName, err)
	}

	return EffectResult{
		Action:        model.EffectCreate,
		EntityName:    eff.EntityName,
		EntityID:      model.EntityID(created),
		AffectedCount: 1,
		Created:       created,
	}, nil
}

// executeUpdate resolves the where clause to a list filter, then updates
// every match. AffectedCount reports the number of updated entities.
func (e *Executor) executeUpdate(
	ctx context.Context,
	svc model.EntityService,
	eff *model.StepEffect,
	ec *EvalContext,
) (EffectResult, error) {
	filter, err := ParseWhere(eff.Where, ec)
	if err != nil {
		return EffectResult{}, err
	}

	list, err := svc.List(ctx, filter)
	if err != nil {
		return EffectResult{}, fmt.Errorf("list %s: %w", eff.EntityName, err)
	}

	data := make(map[string]any, len(eff.Assignments))
	for _, a := range eff.Assignments {
		val, err := ResolveValue(a.Value, ec)
		if err != nil {
			return EffectResult{}, fmt.Errorf("resolve %s: %w", a.FieldPath, err)
		}
		data[a.FieldPath] = val
	}

	count := 0
	for _, item := range list.Items {
		id := model.EntityID(item)
		if id == "" {
			continue
		}
		if _, err := svc.Update(ctx, id, data); err != nil {
			return EffectResult{}, fmt.Errorf("update %s %s: %w", eff.EntityName, id, err)
		}
		count++
	}

	return EffectResult{
		Action:        model.EffectUpdate,
		EntityName:    eff.EntityName,
		AffectedCount: count,
	}, nil
}

// ParseWhere parses a where clause of the form "<field> = <value-expr>" into
// an entity list filter.
func ParseWhere(where string, ec *EvalContext) (map[string]any, error) {
	where = strings.TrimSpace(where)
	if where == "" {
		return map[string]any{}, nil
	}

	idx := strings.IndexByte(where, '=')
	if idx < 0 {
		return nil, model.NewProcessConfigError(
			fmt.Sprintf("unsupported where clause %q: expected <field> = <value>", where),
		)
	}

	field := strings.TrimSpace(where[:idx])
	valueExpr := strings.TrimSpace(where[idx+1:])
	if field == "" || valueExpr == "" {
		return nil, model.NewProcessConfigError(
			fmt.Sprintf("malformed where clause %q", where),
		)
	}

	val, err := ResolveValue(valueExpr, ec)
	if err != nil {
		return nil, err
	}
	return map[string]any{field: val}, nil
}

// ResolveValue evaluates a value expression. Supported forms:
//   - 'literal' / "literal"  — quoted string literal
//   - 123 / 99.99            — numeric literal
//   - true / false / null    — keyword literal
//   - now()                  — current UTC time, RFC 3339
//   - self.<field>           — lookup in the trigger entity
//   - bare identifier        — trigger entity first, then inputs, then vars
func ResolveValue(expr string, ec *EvalContext) (any, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty expression")
	}

	// Quoted string literal.
	if len(expr) >= 2 {
		if (expr[0] == '\'' && expr[len(expr)-1] == '\'') ||
			(expr[0] == '"' && expr[len(expr)-1] == '"') {
			return expr[1 : len(expr)-1], nil
		}
	}

	switch expr {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	case "now()":
		return time.Now().UTC().Format(time.RFC3339), nil
	}

	if isNumericLiteral(expr) {
		return parseNumeric(expr)
	}

	if path, ok := strings.CutPrefix(expr, "self."); ok {
		if ec == nil || ec.TriggerEntity == nil {
			return nil, fmt.Errorf("no trigger entity, cannot resolve %q", expr)
		}
		return navigatePath(ec.TriggerEntity, path), nil
	}

	// Bare identifier: trigger entity first, then inputs, then run context.
	if ec != nil {
		if v := navigatePath(ec.TriggerEntity, expr); v != nil {
			return v, nil
		}
		if v := navigatePath(ec.Inputs, expr); v != nil {
			return v, nil
		}
		if v := navigatePath(ec.Vars, expr); v != nil {
			return v, nil
		}
	}
	return nil, fmt.Errorf("unresolved identifier %q", expr)
}

// navigatePath navigates a dot-separated path through nested maps.
func navigatePath(data map[string]any, path string) any {
	if data == nil {
		return nil
	}
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

func isNumericLiteral(s string) bool {
	if len(s) == 0 {
		return false
	}
	start := 0
	if s[0] == '-' || s[0] == '+' {
		start = 1
		if start >= len(s) {
			return false
		}
	}
	hasDot := false
	for i := start; i < len(s); i++ {
		if s[i] == '.' {
			if hasDot {
				return false
			}
			hasDot = true
		} else if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func parseNumeric(s string) (any, error) {
	if strings.ContainsRune(s, '.') {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid numeric literal %q: %w", s, err)
		}
		return v, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid numeric literal %q: %w", s, err)
	}
	return v, nil
}

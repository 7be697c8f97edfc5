package model

// Guard expression node kinds.
const (
	ExprFuncCall = "func_call"
	ExprBinaryOp = "binary_op"
	ExprFieldRef = "field_ref"
	ExprLiteral  = "literal"
)

// StateMachineSpec is the state machine attached to an entity. Transitions
// are validated by the guard evaluator before a status change is applied.
type StateMachineSpec struct {
	EntityName  string           `yaml:"entity_name" json:"entity_name"`
	StatusField string           `yaml:"status_field" json:"status_field"`
	States      []string         `yaml:"states"       json:"states"`
	Transitions []TransitionSpec `yaml:"transitions"  json:"transitions"`
}

// TransitionSpec is one edge in a state machine. FromState may be "*" to
// match any source state.
type TransitionSpec struct {
	FromState string                `yaml:"from_state" json:"from_state"`
	ToState   string                `yaml:"to_state"   json:"to_state"`
	Guards    []TransitionGuardSpec `yaml:"guards"     json:"guards,omitempty"`
}

// TransitionGuardSpec is one guard on a transition. Exactly one of
// RequiresField, RequiresRole, or GuardExpr is set.
type TransitionGuardSpec struct {
	RequiresField string     `yaml:"requires_field" json:"requires_field,omitempty"`
	RequiresRole  string     `yaml:"requires_role"  json:"requires_role,omitempty"`
	GuardExpr     *GuardExpr `yaml:"guard_expr"     json:"guard_expr,omitempty"`
	GuardMessage  string     `yaml:"guard_message"  json:"guard_message,omitempty"`
}

// GuardExpr is a tagged-union expression node. Kind selects which fields are
// meaningful: func_call uses Name/Args, binary_op uses Op/Left/Right,
// field_ref uses Path, literal uses Value. Evaluation is pure: it never
// mutates the entity data it reads.
type GuardExpr struct {
	Kind  string       `yaml:"kind"  json:"kind"`
	Name  string       `yaml:"name"  json:"name,omitempty"`
	Args  []*GuardExpr `yaml:"args"  json:"args,omitempty"`
	Op    string       `yaml:"op"    json:"op,omitempty"`
	Left  *GuardExpr   `yaml:"left"  json:"left,omitempty"`
	Right *GuardExpr   `yaml:"right" json:"right,omitempty"`
	Path  string       `yaml:"path"  json:"path,omitempty"`
	Value any          `yaml:"value" json:"value,omitempty"`
}

// FuncCall builds a func_call node.
func FuncCall(name string, args ...*GuardExpr) *GuardExpr {
	return &GuardExpr{Kind: ExprFuncCall, Name: name, Args: args}
}

// BinaryOp builds a binary_op node.
func BinaryOp(op string, left, right *GuardExpr) *GuardExpr {
	return &GuardExpr{Kind: ExprBinaryOp, Op: op, Left: left, Right: right}
}

// FieldRef builds a field_ref node.
func FieldRef(path string) *GuardExpr {
	return &GuardExpr{Kind: ExprFieldRef, Path: path}
}

// Literal builds a literal node.
func Literal(value any) *GuardExpr {
	return &GuardExpr{Kind: ExprLiteral, Value: value}
}

// FindTransition returns the first edge matching from->to, preferring an
// exact from_state match over the "*" wildcard. Returns nil when no edge
// matches.
func (sm *StateMachineSpec) FindTransition(from, to string) *TransitionSpec {
	var wildcard *TransitionSpec
	for i := range sm.Transitions {
		t := &sm.Transitions[i]
		if t.ToState != to {
			continue
		}
		if t.FromState == from {
			return t
		}
		if t.FromState == "*" && wildcard == nil {
			wildcard = t
		}
	}
	return wildcard
}

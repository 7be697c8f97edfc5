package model

// Trigger kinds.
const (
	TriggerEntityEvent            = "ENTITY_EVENT"
	TriggerEntityStatusTransition = "ENTITY_STATUS_TRANSITION"
	TriggerManual                 = "MANUAL"
	TriggerSchedule               = "SCHEDULE"
)

// Step kinds.
const (
	StepService    = "SERVICE"
	StepHumanTask  = "HUMAN_TASK"
	StepWait       = "WAIT"
	StepSideEffect = "SIDE_EFFECT"
	StepForEach    = "FOREACH"
	StepQuery      = "QUERY"
)

// Effect actions.
const (
	EffectCreate = "CREATE"
	EffectUpdate = "UPDATE"
)

// ProcessSpec is a compiled process definition: a trigger plus an ordered
// step sequence and optional named compensations.
type ProcessSpec struct {
	Name          string             `yaml:"name"          json:"name"`
	Version       string             `yaml:"version"       json:"version,omitempty"`
	Trigger       TriggerSpec        `yaml:"trigger"       json:"trigger"`
	Steps         []ProcessStepSpec  `yaml:"steps"         json:"steps"`
	Compensations []CompensationSpec `yaml:"compensations" json:"compensations,omitempty"`
	Implements    []string           `yaml:"implements"    json:"implements,omitempty"`
	Schedule      *ScheduleSpec      `yaml:"schedule"      json:"schedule,omitempty"`
}

// TriggerSpec describes when a process starts. EventType and FromStatus are
// wildcards when omitted.
type TriggerSpec struct {
	Kind       string `yaml:"kind"        json:"kind"`
	EntityName string `yaml:"entity_name" json:"entity_name,omitempty"`
	EventType  string `yaml:"event_type"  json:"event_type,omitempty"`
	FromStatus string `yaml:"from_status" json:"from_status,omitempty"`
	ToStatus   string `yaml:"to_status"   json:"to_status,omitempty"`
}

// ScheduleSpec describes a SCHEDULE trigger's firing interval.
type ScheduleSpec struct {
	IntervalSeconds int  `yaml:"interval_seconds" json:"interval_seconds"`
	Enabled         bool `yaml:"enabled"          json:"enabled"`
}

// ProcessStepSpec is one step in a process. Exactly one directive field
// (Service, HumanTask, WaitDurationSeconds, ForEach, Query) matches Kind; a
// step carrying only Effects is classified SIDE_EFFECT at load time.
type ProcessStepSpec struct {
	Name                string         `yaml:"name"                  json:"name"`
	Kind                string         `yaml:"kind"                  json:"kind"`
	Service             string         `yaml:"service"               json:"service,omitempty"`
	HumanTask           *HumanTaskSpec `yaml:"human_task"            json:"human_task,omitempty"`
	WaitDurationSeconds int            `yaml:"wait_duration_seconds" json:"wait_duration_seconds,omitempty"`
	Retry               *RetryConfig   `yaml:"retry"                 json:"retry,omitempty"`
	CompensateWith      string         `yaml:"compensate_with"       json:"compensate_with,omitempty"`
	Effects             []StepEffect   `yaml:"effects"               json:"effects,omitempty"`
	ForEach             *ForEachSpec   `yaml:"for_each"              json:"for_each,omitempty"`
	Query               *QuerySpec     `yaml:"query"                 json:"query,omitempty"`
}

// HumanTaskSpec describes a human task step.
type HumanTaskSpec struct {
	Surface            string   `yaml:"surface"             json:"surface"`
	EntityPath         string   `yaml:"entity_path"         json:"entity_path,omitempty"`
	AssigneeExpression string   `yaml:"assignee_expression" json:"assignee_expression,omitempty"`
	TimeoutSeconds     int      `yaml:"timeout_seconds"     json:"timeout_seconds,omitempty"`
	Outcomes           []string `yaml:"outcomes"            json:"outcomes"`
	OnTimeoutOutcome   string   `yaml:"on_timeout_outcome"  json:"on_timeout_outcome,omitempty"`
}

// RetryConfig describes per-step retry behaviour for SERVICE and SIDE_EFFECT
// execution failures. Guard failures are never retried.
type RetryConfig struct {
	MaxAttempts            int     `yaml:"max_attempts"             json:"max_attempts"`
	InitialIntervalSeconds float64 `yaml:"initial_interval_seconds" json:"initial_interval_seconds"`
	MaxIntervalSeconds     float64 `yaml:"max_interval_seconds"     json:"max_interval_seconds,omitempty"`
	BackoffCoefficient     float64 `yaml:"backoff_coefficient"      json:"backoff_coefficient,omitempty"`
}

// ForEachSpec binds a FOREACH step to a collection in the run context.
type ForEachSpec struct {
	ItemsExpr string `yaml:"items"    json:"items"`
	ItemVar   string `yaml:"item_var" json:"item_var,omitempty"`
}

// QuerySpec binds a QUERY step to an entity list call.
type QuerySpec struct {
	EntityName string `yaml:"entity_name" json:"entity_name"`
	Where      string `yaml:"where"       json:"where,omitempty"`
	ResultVar  string `yaml:"result_var"  json:"result_var,omitempty"`
}

// StepEffect is a declared CREATE or UPDATE side effect on a step.
type StepEffect struct {
	Action      string       `yaml:"action"      json:"action"`
	EntityName  string       `yaml:"entity_name" json:"entity_name"`
	Where       string       `yaml:"where"       json:"where,omitempty"`
	Assignments []Assignment `yaml:"assignments" json:"assignments"`
}

// Assignment sets one field of an effect's target entity from an expression.
type Assignment struct {
	FieldPath string `yaml:"field_path" json:"field_path"`
	Value     string `yaml:"value"      json:"value"`
}

// CompensationSpec is a named, reusable undo action referenced by steps via
// compensate_with.
type CompensationSpec struct {
	Name    string `yaml:"name"    json:"name"`
	Service string `yaml:"service" json:"service"`
}

// FindStep returns the step with the given name, or nil.
func (p *ProcessSpec) FindStep(name string) *ProcessStepSpec {
	for i := range p.Steps {
		if p.Steps[i].Name == name {
			return &p.Steps[i]
		}
	}
	return nil
}

// FindCompensation returns the named compensation, or nil.
func (p *ProcessSpec) FindCompensation(name string) *CompensationSpec {
	for i := range p.Compensations {
		if p.Compensations[i].Name == name {
			return &p.Compensations[i]
		}
	}
	return nil
}

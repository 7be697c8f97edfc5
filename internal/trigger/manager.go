// Package trigger maps entity lifecycle events onto process starts. The
// domain layer reports mutations through the Manager, which matches them
// against registered process triggers and starts every process that fires.
package trigger

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mazwell/conduct/internal/definition"
	"github.com/mazwell/conduct/internal/engine"
	"github.com/mazwell/conduct/internal/observability"
	"github.com/mazwell/conduct/model"
)

// Event types reported by entity lifecycle hooks.
const (
	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

// defaultStatusField is used when the entity has no registered state machine.
const defaultStatusField = "status"

// metaKeys are event envelope fields stripped from the entity snapshot
// before it becomes the run's trigger_entity.
var metaKeys = map[string]struct{}{
	"entity_name": {},
	"entity_id":   {},
	"event_type":  {},
	"old_status":  {},
	"new_status":  {},
}

// Manager matches entity lifecycle events against process triggers.
type Manager struct {
	registry *definition.Registry
	adapter  engine.ProcessAdapter
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewManager creates a trigger manager over the given definitions and
// execution adapter. Metrics may be nil.
func NewManager(
	registry *definition.Registry,
	adapter engine.ProcessAdapter,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Manager {
	return &Manager{
		registry: registry,
		adapter:  adapter,
		logger:   logger.Named("trigger"),
		metrics:  metrics,
	}
}

// OnEntityCreated reports a newly created entity and returns the ids of the
// runs it started.
func (m *Manager) OnEntityCreated(ctx context.Context, entityName, entityID string, data map[string]any) []string {
	return m.dispatch(ctx, EventCreated, entityName, entityID, data, nil)
}

// OnEntityUpdated reports an entity mutation. oldData is the entity state
// before the change and drives status-transition triggers.
func (m *Manager) OnEntityUpdated(ctx context.Context, entityName, entityID string, data, oldData map[string]any) []string {
	return m.dispatch(ctx, EventUpdated, entityName, entityID, data, oldData)
}

// OnEntityDeleted reports an entity deletion. data is the last known state.
func (m *Manager) OnEntityDeleted(ctx context.Context, entityName, entityID string, data map[string]any) []string {
	return m.dispatch(ctx, EventDeleted, entityName, entityID, data, nil)
}

func (m *Manager) dispatch(
	ctx context.Context,
	eventType, entityName, entityID string,
	data, oldData map[string]any,
) []string {
	started := []string{}
	for _, spec := range m.registry.AllProcesses() {
		if spec.Trigger.EntityName != entityName {
			continue
		}
		key, ok := m.match(&spec, eventType, entityName, entityID, data, oldData)
		if !ok {
			continue
		}

		run, err := m.adapter.StartProcess(ctx, engine.StartRequest{
			ProcessName:    spec.Name,
			TriggerEntity:  triggerEntity(entityID, data),
			IdempotencyKey: key,
		})
		if err != nil {
			m.logger.Warn("trigger-matched process failed to start",
				zap.String("process", spec.Name),
				zap.String("entity_name", entityName),
				zap.String("entity_id", entityID),
				zap.String("event_type", eventType),
				zap.Error(err))
			continue
		}

		if m.metrics != nil {
			m.metrics.RecordTriggerMatch(spec.Name, eventType)
		}
		m.logger.Info("trigger matched",
			zap.String("process", spec.Name),
			zap.String("entity_name", entityName),
			zap.String("entity_id", entityID),
			zap.String("event_type", eventType),
			zap.String("run_id", run.RunID))
		started = append(started, run.RunID)
	}
	return started
}

// match decides whether one process trigger fires for this event and, when
// it does, returns the idempotency key for the start.
func (m *Manager) match(
	spec *model.ProcessSpec,
	eventType, entityName, entityID string,
	data, oldData map[string]any,
) (string, bool) {
	switch spec.Trigger.Kind {
	case model.TriggerEntityEvent:
		// An unset event type is a wildcard.
		if spec.Trigger.EventType != "" && spec.Trigger.EventType != eventType {
			return "", false
		}
		return fmt.Sprintf("%s:%s:%s", entityName, entityID, eventType), true

	case model.TriggerEntityStatusTransition:
		field := m.statusField(entityName)
		oldStatus := stringField(oldData, field)
		newStatus := stringField(data, field)
		if oldStatus == newStatus {
			return "", false
		}
		if spec.Trigger.FromStatus != "" && spec.Trigger.FromStatus != "*" &&
			spec.Trigger.FromStatus != oldStatus {
			return "", false
		}
		if spec.Trigger.ToStatus != newStatus {
			return "", false
		}
		return fmt.Sprintf("%s:%s:%s->%s", entityName, entityID, oldStatus, newStatus), true

	default:
		// MANUAL and SCHEDULE triggers never fire on entity events.
		return "", false
	}
}

func (m *Manager) statusField(entityName string) string {
	if sm, ok := m.registry.GetStateMachine(entityName); ok && sm.StatusField != "" {
		return sm.StatusField
	}
	return defaultStatusField
}

// triggerEntity builds the run's trigger_entity snapshot: the event data
// minus envelope metadata, with id forced to the entity id.
func triggerEntity(entityID string, data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		if _, meta := metaKeys[k]; meta {
			continue
		}
		out[k] = v
	}
	out["id"] = entityID
	return out
}

func stringField(data map[string]any, field string) string {
	if data == nil {
		return ""
	}
	s, _ := data[field].(string)
	return s
}

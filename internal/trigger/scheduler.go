package trigger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mazwell/conduct/internal/definition"
	"github.com/mazwell/conduct/internal/engine"
	"github.com/mazwell/conduct/internal/observability"
	"github.com/mazwell/conduct/internal/store"
	"github.com/mazwell/conduct/model"
)

// Scheduler starts SCHEDULE-triggered processes on their configured
// intervals. Last-firing times are persisted through the state store, so a
// restart does not re-fire a schedule whose interval has not elapsed.
type Scheduler struct {
	registry *definition.Registry
	adapter  engine.ProcessAdapter
	store    store.StateStore
	logger   *zap.Logger
	metrics  *observability.Metrics

	// now is swapped in tests.
	now func() time.Time
}

// NewScheduler creates a scheduler over the given definitions, adapter and
// state store. Metrics may be nil.
func NewScheduler(
	registry *definition.Registry,
	adapter engine.ProcessAdapter,
	st store.StateStore,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Scheduler {
	return &Scheduler{
		registry: registry,
		adapter:  adapter,
		store:    st,
		logger:   logger.Named("trigger.scheduler"),
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run fires due schedules every tick until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.FireDue(ctx); err != nil {
				s.logger.Warn("schedule sweep failed", zap.Error(err))
			}
		}
	}
}

// FireDue starts every enabled scheduled process whose interval has elapsed
// since its last recorded firing, once.
func (s *Scheduler) FireDue(ctx context.Context) error {
	now := s.now()
	for _, spec := range s.registry.AllProcesses() {
		if spec.Trigger.Kind != model.TriggerSchedule {
			continue
		}
		sched := spec.Schedule
		if sched == nil || !sched.Enabled || sched.IntervalSeconds <= 0 {
			continue
		}

		last, err := s.store.GetScheduleLastRun(ctx, spec.Name)
		if err != nil {
			return err
		}
		interval := time.Duration(sched.IntervalSeconds) * time.Second
		if !last.IsZero() && now.Sub(last) < interval {
			continue
		}

		run, err := s.adapter.StartProcess(ctx, engine.StartRequest{
			ProcessName: spec.Name,
			Inputs: map[string]any{
				"scheduled_at": now.Format(time.RFC3339),
			},
		})
		if err != nil {
			s.logger.Warn("scheduled process failed to start",
				zap.String("process", spec.Name), zap.Error(err))
			continue
		}
		if err := s.store.SaveScheduleLastRun(ctx, spec.Name, now); err != nil {
			return err
		}

		if s.metrics != nil {
			s.metrics.RecordScheduleFire(spec.Name)
		}
		s.logger.Info("schedule fired",
			zap.String("process", spec.Name),
			zap.String("run_id", run.RunID))
	}
	return nil
}

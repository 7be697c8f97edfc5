package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mazwell/conduct/internal/config"
	"github.com/mazwell/conduct/internal/definition"
	"github.com/mazwell/conduct/internal/engine"
	"github.com/mazwell/conduct/internal/observability"
	"github.com/mazwell/conduct/internal/store"
	"github.com/mazwell/conduct/internal/trigger"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config    *config.Config
	Adapter   engine.ProcessAdapter
	Store     store.StateStore
	Registry  *definition.Registry
	Triggers  *trigger.Manager
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Readiness observability.ReadinessChecks

	// ReloadDefinitions re-reads definition bundles and swaps the registry.
	// Optional; the reload endpoint 404s when unset.
	ReloadDefinitions func(ctx context.Context) error
}

// NewRouter creates a chi.Router with the middleware pipeline and all route
// registrations. Health, readiness, and metrics endpoints skip the request
// pipeline.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(RequestID)

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	r.Group(func(r chi.Router) {
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}
		r.Use(observability.TracingMiddleware)

		r.Get("/v1/processes", handleProcessList(deps.Registry))
		r.Post("/v1/processes/{processName}/start", handleProcessStart(deps.Adapter))
		r.Post("/v1/definitions/reload", handleDefinitionReload(deps.ReloadDefinitions))

		r.Get("/v1/runs", handleRunList(deps.Adapter))
		r.Get("/v1/runs/{runId}", handleRunGet(deps.Adapter))
		r.Post("/v1/runs/{runId}/cancel", handleRunCancel(deps.Adapter))
		r.Post("/v1/runs/{runId}/signal", handleRunSignal(deps.Adapter))
		r.Get("/v1/runs/{runId}/tasks", handleRunTasks(deps.Store))

		r.Get("/v1/tasks", handleTaskList(deps.Store))
		r.Get("/v1/tasks/{taskId}", handleTaskGet(deps.Store))
		r.Post("/v1/tasks/{taskId}/complete", handleTaskComplete(deps.Store, deps.Adapter))

		r.Post("/v1/entities/{entityName}/events", handleEntityEvent(deps.Triggers))
		r.Post("/v1/entities/{entityName}/validate-status", handleStatusValidation(deps.Registry))
	})

	return r
}

package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the orchestrator.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Process run metrics
	RunStartsTotal      *prometheus.CounterVec
	RunCompletionsTotal *prometheus.CounterVec
	RunsActive          *prometheus.GaugeVec
	StepDuration        *prometheus.HistogramVec
	StepRetriesTotal    *prometheus.CounterVec
	CompensationsTotal  *prometheus.CounterVec

	// Human task metrics
	TasksCreatedTotal   *prometheus.CounterVec
	TasksCompletedTotal *prometheus.CounterVec
	TaskTimeoutsTotal   *prometheus.CounterVec

	// Trigger metrics
	TriggerMatchesTotal *prometheus.CounterVec
	ScheduleFiresTotal  *prometheus.CounterVec

	// Backend invocation metrics
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState *prometheus.GaugeVec

	// System metrics
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionsLoaded     prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduct_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conduct_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conduct_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conduct_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Runs
		RunStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduct_run_starts_total",
			Help: "Total number of process run starts.",
		}, []string{"process_name"}),
		RunCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduct_run_completions_total",
			Help: "Total number of process run completions.",
		}, []string{"process_name", "final_status"}),
		RunsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conduct_runs_active",
			Help: "Number of active process runs.",
		}, []string{"process_name"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conduct_step_duration_seconds",
			Help:    "Process step duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"process_name", "step", "kind"}),
		StepRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduct_step_retries_total",
			Help: "Total number of step retries.",
		}, []string{"process_name", "step"}),
		CompensationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduct_compensations_total",
			Help: "Total number of compensation executions.",
		}, []string{"process_name", "status"}),

		// Tasks
		TasksCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduct_tasks_created_total",
			Help: "Total number of human tasks created.",
		}, []string{"process_name", "surface"}),
		TasksCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduct_tasks_completed_total",
			Help: "Total number of human tasks completed.",
		}, []string{"process_name", "outcome"}),
		TaskTimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduct_task_timeouts_total",
			Help: "Total number of human task timeouts.",
		}, []string{"process_name"}),

		// Triggers
		TriggerMatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduct_trigger_matches_total",
			Help: "Total number of entity events matched to processes.",
		}, []string{"process_name", "event_type"}),
		ScheduleFiresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduct_schedule_fires_total",
			Help: "Total number of scheduled process starts.",
		}, []string{"process_name"}),

		// Backend
		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduct_backend_requests_total",
			Help: "Total number of backend service requests.",
		}, []string{"service", "operation", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conduct_backend_request_duration_seconds",
			Help:    "Backend request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"service"}),
		BackendCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conduct_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"service"}),

		// System
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduct_definition_reload_total",
			Help: "Total definition reloads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conduct_definitions_loaded",
			Help: "Number of loaded process definitions.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Runs
		m.RunStartsTotal,
		m.RunCompletionsTotal,
		m.RunsActive,
		m.StepDuration,
		m.StepRetriesTotal,
		m.CompensationsTotal,
		// Tasks
		m.TasksCreatedTotal,
		m.TasksCompletedTotal,
		m.TaskTimeoutsTotal,
		// Triggers
		m.TriggerMatchesTotal,
		m.ScheduleFiresTotal,
		// Backend
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
		// System
		m.DefinitionReloadTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordRunStart records a process run start.
func (m *Metrics) RecordRunStart(processName string) {
	m.RunStartsTotal.WithLabelValues(processName).Inc()
	m.RunsActive.WithLabelValues(processName).Inc()
}

// RecordRunCompletion records a process run reaching a terminal status.
func (m *Metrics) RecordRunCompletion(processName, finalStatus string) {
	m.RunCompletionsTotal.WithLabelValues(processName, finalStatus).Inc()
	m.RunsActive.WithLabelValues(processName).Dec()
}

// RecordStepDuration records the duration of a process step.
func (m *Metrics) RecordStepDuration(processName, step, kind string, duration time.Duration) {
	m.StepDuration.WithLabelValues(processName, step, kind).Observe(duration.Seconds())
}

// RecordStepRetry records a step retry attempt.
func (m *Metrics) RecordStepRetry(processName, step string) {
	m.StepRetriesTotal.WithLabelValues(processName, step).Inc()
}

// RecordCompensation records a compensation execution.
func (m *Metrics) RecordCompensation(processName, status string) {
	m.CompensationsTotal.WithLabelValues(processName, status).Inc()
}

// RecordTaskCreated records a human task creation.
func (m *Metrics) RecordTaskCreated(processName, surface string) {
	m.TasksCreatedTotal.WithLabelValues(processName, surface).Inc()
}

// RecordTaskCompleted records a human task completion.
func (m *Metrics) RecordTaskCompleted(processName, outcome string) {
	m.TasksCompletedTotal.WithLabelValues(processName, outcome).Inc()
}

// RecordTaskTimeout records a human task timing out.
func (m *Metrics) RecordTaskTimeout(processName string) {
	m.TaskTimeoutsTotal.WithLabelValues(processName).Inc()
}

// RecordTriggerMatch records an entity event matching a process trigger.
func (m *Metrics) RecordTriggerMatch(processName, eventType string) {
	m.TriggerMatchesTotal.WithLabelValues(processName, eventType).Inc()
}

// RecordScheduleFire records a scheduled process start.
func (m *Metrics) RecordScheduleFire(processName string) {
	m.ScheduleFiresTotal.WithLabelValues(processName).Inc()
}

// RecordBackendRequest records a backend service request.
func (m *Metrics) RecordBackendRequest(service, operation string, status int, duration time.Duration) {
	m.BackendRequestsTotal.WithLabelValues(service, operation, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// SetBackendCircuitBreakerState sets the circuit breaker state for a service.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBackendCircuitBreakerState(service string, state float64) {
	m.BackendCircuitBreakerState.WithLabelValues(service).Set(state)
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	m.DefinitionsLoaded.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

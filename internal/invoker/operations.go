package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mazwell/conduct/model"
)

// HTTPOperationInvoker calls named operations on backend services. An
// operation "inventory.reserve" becomes POST {base}/inventory/reserve with a
// JSON body; the response body, when present, must be a JSON object.
//
// The first dot-separated segment of the operation name selects the service
// whose endpoint and circuit breaker are used.
type HTTPOperationInvoker struct {
	endpoints map[string]ServiceOptions
	clients   map[string]*http.Client
	breakers  map[string]*CircuitBreaker
	mu        sync.Mutex
	logger    *zap.Logger
}

// NewHTTPOperationInvoker creates an operation invoker over the given service
// endpoints, keyed by service name.
func NewHTTPOperationInvoker(endpoints map[string]ServiceOptions, logger *zap.Logger) *HTTPOperationInvoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	inv := &HTTPOperationInvoker{
		endpoints: endpoints,
		clients:   make(map[string]*http.Client, len(endpoints)),
		breakers:  make(map[string]*CircuitBreaker, len(endpoints)),
		logger:    logger,
	}
	for name, opts := range endpoints {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		inv.clients[name] = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
		inv.breakers[name] = NewCircuitBreaker(
			opts.BreakerFailureThreshold,
			opts.BreakerSuccessThreshold,
			opts.BreakerCooldown,
		)
	}
	return inv
}

// Breaker exposes the circuit breaker for a service, for diagnostics.
func (inv *HTTPOperationInvoker) Breaker(service string) *CircuitBreaker {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.breakers[service]
}

// InvokeOperation executes one named operation and returns the decoded
// response object, or nil for an empty response.
func (inv *HTTPOperationInvoker) InvokeOperation(ctx context.Context, operation string, input map[string]any) (map[string]any, error) {
	service, rest, ok := strings.Cut(operation, ".")
	if !ok || service == "" || rest == "" {
		return nil, model.NewProcessConfigError(
			fmt.Sprintf("operation %q must have the form service.name", operation),
		)
	}

	opts, found := inv.endpoints[service]
	if !found {
		return nil, model.NewProcessConfigError(
			fmt.Sprintf("no endpoint configured for service %q", service),
		)
	}
	breaker := inv.breakers[service]
	if err := breaker.Allow(); err != nil {
		inv.logger.Warn("operation call rejected",
			zap.String("operation", operation))
		return nil, err
	}

	start := time.Now()
	status := 0
	defer func() {
		if opts.Metrics != nil {
			opts.Metrics.RecordBackendRequest(service, rest, status, time.Since(start))
			opts.Metrics.SetBackendCircuitBreakerState(service, breakerGauge(breaker.State()))
		}
	}()

	reqURL := strings.TrimRight(opts.BaseURL, "/") + "/" + service + "/" + strings.ReplaceAll(rest, ".", "/")

	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("invoker: marshal %s input: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("invoker: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := inv.clients[service].Do(req)
	if err != nil {
		breaker.RecordFailure()
		if isConnectionError(err) {
			return nil, model.NewBackendUnavailableError(
				fmt.Sprintf("service %s unreachable", service),
			)
		}
		if ctx.Err() != nil {
			return nil, model.NewTimeoutError(
				fmt.Sprintf("operation %s timed out", operation),
			)
		}
		return nil, fmt.Errorf("invoker: POST %s: %w", reqURL, err)
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		breaker.RecordFailure()
		return nil, fmt.Errorf("invoker: read %s response: %w", operation, err)
	}

	switch {
	case resp.StatusCode >= 500:
		breaker.RecordFailure()
		return nil, model.NewBackendUnavailableError(
			fmt.Sprintf("operation %s returned %d", operation, resp.StatusCode),
		)
	case resp.StatusCode >= 400:
		return nil, serviceError(service, resp.StatusCode, respBody)
	default:
		breaker.RecordSuccess()
	}

	if len(respBody) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("invoker: decode %s response: %w", operation, err)
	}
	return out, nil
}

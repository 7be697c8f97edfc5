// Package invoker connects the engine to external entity services over HTTP,
// with per-service circuit breakers.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mazwell/conduct/internal/observability"
	"github.com/mazwell/conduct/model"
)

// maxResponseBytes caps entity service response bodies.
const maxResponseBytes = 10 << 20

// ServiceOptions configures one HTTP entity service client.
type ServiceOptions struct {
	// BaseURL is the service root, without a trailing slash.
	BaseURL string
	// Path is the collection path segment, e.g. "orders". Defaults to the
	// lowercased entity name.
	Path string
	// Timeout bounds a single request. Defaults to 10s.
	Timeout time.Duration
	// Headers are sent on every request.
	Headers map[string]string
	// Metrics, when set, records request counts, latencies, and breaker
	// state per service.
	Metrics *observability.Metrics

	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerCooldown         time.Duration
}

// HTTPEntityService is a model.EntityService backed by a conventional JSON
// API: POST /{path} creates, GET /{path} lists, PATCH /{path}/{id} updates.
type HTTPEntityService struct {
	entityName string
	baseURL    string
	path       string
	headers    map[string]string
	client     *http.Client
	breaker    *CircuitBreaker
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewHTTPEntityService creates an HTTP client for one entity.
func NewHTTPEntityService(entityName string, opts ServiceOptions, logger *zap.Logger) *HTTPEntityService {
	if logger == nil {
		logger = zap.NewNop()
	}
	path := opts.Path
	if path == "" {
		path = strings.ToLower(entityName)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &HTTPEntityService{
		entityName: entityName,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		path:       path,
		headers:    opts.Headers,
		client:     &http.Client{Timeout: timeout, Transport: transport},
		breaker: NewCircuitBreaker(
			opts.BreakerFailureThreshold,
			opts.BreakerSuccessThreshold,
			opts.BreakerCooldown,
		),
		metrics: opts.Metrics,
		logger:  logger.With(zap.String("entity", entityName)),
	}
}

// Breaker exposes the circuit breaker for diagnostics.
func (s *HTTPEntityService) Breaker() *CircuitBreaker {
	return s.breaker
}

func (s *HTTPEntityService) Create(ctx context.Context, data map[string]any) (map[string]any, error) {
	body, err := s.do(ctx, "create", http.MethodPost, s.collectionURL(nil), data)
	if err != nil {
		return nil, err
	}
	entity, _ := body.(map[string]any)
	return entity, nil
}

func (s *HTTPEntityService) List(ctx context.Context, filter map[string]any) (model.ListResult, error) {
	body, err := s.do(ctx, "list", http.MethodGet, s.collectionURL(filter), nil)
	if err != nil {
		return model.ListResult{}, err
	}

	switch v := body.(type) {
	case map[string]any:
		return parseListEnvelope(v), nil
	case []any:
		// Bare-array responses are accepted from services without the
		// standard envelope.
		result := model.ListResult{Items: make([]map[string]any, 0, len(v))}
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				result.Items = append(result.Items, m)
			}
		}
		result.Total = len(result.Items)
		return result, nil
	case nil:
		return model.ListResult{}, nil
	}
	return model.ListResult{}, fmt.Errorf("invoker: unexpected list response shape for %s", s.entityName)
}

func (s *HTTPEntityService) Update(ctx context.Context, id string, data map[string]any) (map[string]any, error) {
	if id == "" {
		return nil, model.NewBadRequestError(fmt.Sprintf("update %s requires an id", s.entityName))
	}
	reqURL := s.baseURL + "/" + s.path + "/" + url.PathEscape(id)
	body, err := s.do(ctx, "update", http.MethodPatch, reqURL, data)
	if err != nil {
		return nil, err
	}
	entity, _ := body.(map[string]any)
	return entity, nil
}

func (s *HTTPEntityService) collectionURL(filter map[string]any) string {
	reqURL := s.baseURL + "/" + s.path
	if len(filter) == 0 {
		return reqURL
	}
	params := url.Values{}
	for k, v := range filter {
		params.Set(k, fmt.Sprintf("%v", v))
	}
	return reqURL + "?" + params.Encode()
}

func (s *HTTPEntityService) do(ctx context.Context, op, method, reqURL string, payload map[string]any) (any, error) {
	if err := s.breaker.Allow(); err != nil {
		s.logger.Warn("entity service call rejected", zap.String("url", reqURL))
		return nil, err
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("invoker: marshal %s payload: %w", s.entityName, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("invoker: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	status := 0
	defer func() { s.observe(op, status, time.Since(start)) }()

	resp, err := s.client.Do(req)
	if err != nil {
		s.breaker.RecordFailure()
		if isConnectionError(err) {
			return nil, model.NewBackendUnavailableError(
				fmt.Sprintf("entity service %s unreachable", s.entityName),
			)
		}
		if ctx.Err() != nil {
			return nil, model.NewTimeoutError(
				fmt.Sprintf("entity service %s call timed out", s.entityName),
			)
		}
		return nil, fmt.Errorf("invoker: %s %s: %w", method, reqURL, err)
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		s.breaker.RecordFailure()
		return nil, fmt.Errorf("invoker: read %s response: %w", s.entityName, err)
	}

	// 5xx counts against the breaker; 4xx is a caller problem, not an
	// infrastructure failure.
	switch {
	case resp.StatusCode >= 500:
		s.breaker.RecordFailure()
		return nil, model.NewBackendUnavailableError(
			fmt.Sprintf("entity service %s returned %d", s.entityName, resp.StatusCode),
		)
	case resp.StatusCode >= 400:
		return nil, serviceError(s.entityName, resp.StatusCode, respBody)
	default:
		s.breaker.RecordSuccess()
	}

	if len(respBody) == 0 {
		return nil, nil
	}
	var parsed any
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("invoker: decode %s response: %w", s.entityName, err)
	}
	return parsed, nil
}

func (s *HTTPEntityService) observe(op string, status int, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordBackendRequest(s.entityName, op, status, elapsed)
	s.metrics.SetBackendCircuitBreakerState(s.entityName, breakerGauge(s.breaker.State()))
}

// breakerGauge maps a breaker state onto the exported gauge scale, where
// closed=0, half-open=1, open=2.
func breakerGauge(state BreakerState) float64 {
	switch state {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	default:
		return 0
	}
}

func parseListEnvelope(body map[string]any) model.ListResult {
	result := model.ListResult{}
	if items, ok := body["items"].([]any); ok {
		result.Items = make([]map[string]any, 0, len(items))
		for _, item := range items {
			if m, ok := item.(map[string]any); ok {
				result.Items = append(result.Items, m)
			}
		}
	}
	if total, ok := body["total"].(float64); ok {
		result.Total = int(total)
	} else {
		result.Total = len(result.Items)
	}
	return result
}

func serviceError(entityName string, status int, body []byte) error {
	var envelope model.ErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Code != "" {
		return &envelope
	}
	if status == http.StatusNotFound {
		return model.NewNotFoundError(fmt.Sprintf("%s returned 404", entityName))
	}
	return model.NewBadRequestError(fmt.Sprintf("%s returned %d", entityName, status))
}

func isConnectionError(err error) bool {
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

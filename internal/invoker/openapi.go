// Package invoker executes upstream REST operations resolved from the OpenAPI
// index, with per-service circuit breakers, retry with backoff, and bearer
// tokens supplied by a model.TokenSource.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/internal/openapi"
	"github.com/pitabwire/tabula/model"
)

// maxResponseBytes bounds how much of an upstream body is read. Exports are
// the largest payloads the BFF relays.
const maxResponseBytes = 50 << 20

// serviceClient holds the HTTP client, circuit breaker, and retry config
// for a single backend service.
type serviceClient struct {
	id      string
	cfg     config.ServiceConfig
	client  *http.Client
	breaker *CircuitBreaker
}

// OpenAPIOperationInvoker builds and executes HTTP requests against backend
// services using indexed OpenAPI specifications.
type OpenAPIOperationInvoker struct {
	index   *openapi.Index
	tokens  model.TokenSource
	metrics *observability.Metrics
	clients map[string]*serviceClient
	sleep   func(context.Context, time.Duration) error
}

// Option configures an OpenAPIOperationInvoker.
type Option func(*OpenAPIOperationInvoker)

// WithMetrics records backend requests, retries and breaker state.
func WithMetrics(m *observability.Metrics) Option {
	return func(inv *OpenAPIOperationInvoker) { inv.metrics = m }
}

// WithTransport replaces the HTTP transport of every service client.
func WithTransport(rt http.RoundTripper) Option {
	return func(inv *OpenAPIOperationInvoker) {
		for _, svc := range inv.clients {
			svc.client.Transport = rt
		}
	}
}

// NewOpenAPIOperationInvoker creates an invoker with per-service HTTP clients,
// circuit breakers, and retry policies.
func NewOpenAPIOperationInvoker(idx *openapi.Index, services map[string]config.ServiceConfig, tokens model.TokenSource, opts ...Option) *OpenAPIOperationInvoker {
	inv := &OpenAPIOperationInvoker{
		index:   idx,
		tokens:  tokens,
		clients: make(map[string]*serviceClient, len(services)),
		sleep:   sleepContext,
	}
	for id, svcCfg := range services {
		timeout := svcCfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		inv.clients[id] = &serviceClient{
			id:  id,
			cfg: svcCfg,
			client: &http.Client{
				Timeout: timeout,
				Transport: &http.Transport{
					Proxy:               http.ProxyFromEnvironment,
					MaxIdleConns:        100,
					MaxConnsPerHost:     50,
					IdleConnTimeout:     90 * time.Second,
					TLSHandshakeTimeout: 10 * time.Second,
				},
			},
		}
	}
	for _, opt := range opts {
		opt(inv)
	}
	for id, svc := range inv.clients {
		serviceID := id
		svc.breaker = NewCircuitBreaker(svc.cfg.CircuitBreaker, OnStateChange(func(s BreakerState) {
			inv.metrics.SetBackendCircuitBreakerState(serviceID, float64(s))
		}))
	}
	return inv
}

// Invoke looks up the operation in the OpenAPI index, builds an HTTP request,
// and executes it with circuit breaker and retry support. Any upstream HTTP
// response is returned as a result; a 401 additionally invalidates the token
// it was sent with and yields an UNAUTHORIZED error.
func (inv *OpenAPIOperationInvoker) Invoke(
	ctx context.Context,
	rctx *model.RequestContext,
	binding model.OperationBinding,
	input model.InvocationInput,
) (result model.InvocationResult, err error) {
	ctx, span := observability.StartSpan(ctx, "invoker.Invoke",
		observability.AttrServiceID.String(binding.ServiceID),
		observability.AttrOperationID.String(binding.OperationID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	op, ok := inv.index.GetOperation(binding.ServiceID, binding.OperationID)
	if !ok {
		return model.InvocationResult{}, fmt.Errorf(
			"invoker: operation %s/%s not found in OpenAPI index",
			binding.ServiceID, binding.OperationID,
		)
	}

	svc, ok := inv.clients[binding.ServiceID]
	if !ok {
		return model.InvocationResult{}, fmt.Errorf(
			"invoker: service %q not configured", binding.ServiceID,
		)
	}
	if op.BaseURL == "" {
		op.BaseURL = svc.cfg.BaseURL
	}

	reqURL, err := buildRequestURL(op, input)
	if err != nil {
		return model.InvocationResult{}, err
	}

	token := ""
	if inv.tokens != nil {
		token, err = inv.tokens.Token(ctx, rctx, binding.ServiceID)
		if err != nil {
			return model.InvocationResult{}, err
		}
	}
	headers := buildRequestHeaders(rctx, token, input, op.Method)
	observability.InjectTraceHeaders(ctx, headers)

	var bodyBytes []byte
	if input.Body != nil {
		bodyBytes, err = json.Marshal(input.Body)
		if err != nil {
			return model.InvocationResult{}, fmt.Errorf("invoker: marshal body: %w", err)
		}
	}

	result, err = inv.executeWithRetry(ctx, svc, binding.OperationID, op.Method, reqURL, headers, bodyBytes)
	if err != nil {
		return model.InvocationResult{}, err
	}

	if result.StatusCode == http.StatusUnauthorized {
		if inv.tokens != nil {
			inv.tokens.Invalidate(ctx, rctx, binding.ServiceID)
		}
		return result, model.NewUnauthorizedError("upstream rejected the session")
	}
	return result, nil
}

// executeWithRetry wraps executeOnce with retry logic and exponential backoff.
func (inv *OpenAPIOperationInvoker) executeWithRetry(
	ctx context.Context,
	svc *serviceClient,
	operationID, method, reqURL string,
	headers http.Header,
	bodyBytes []byte,
) (model.InvocationResult, error) {
	retryCfg := svc.cfg.Retry
	maxAttempts := retryCfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	canRetry := isIdempotentMethod(method) || !retryCfg.IdempotentOnly

	var lastErr error
	var lastResult model.InvocationResult

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			inv.metrics.RecordBackendRetry(svc.id)
			if err := inv.sleep(ctx, calculateBackoff(retryCfg, attempt)); err != nil {
				return model.InvocationResult{}, err
			}
		}

		start := time.Now()
		result, err := inv.executeOnce(ctx, svc, method, reqURL, headers, bodyBytes)
		inv.metrics.RecordBackendRequest(svc.id, operationID, result.StatusCode, time.Since(start))
		if err != nil {
			lastErr = err
			if !canRetry || !isRetryableError(err) {
				return model.InvocationResult{}, err
			}
			slog.DebugContext(ctx, "invoker: retrying after error",
				"service_id", svc.id,
				"attempt", attempt+1,
				"max", maxAttempts,
				"error", err,
			)
			continue
		}

		if isRetryableStatus(result.StatusCode) && canRetry && attempt < maxAttempts-1 {
			lastResult = result
			slog.DebugContext(ctx, "invoker: retrying after status",
				"service_id", svc.id,
				"attempt", attempt+1,
				"max", maxAttempts,
				"status", result.StatusCode,
			)
			continue
		}

		return result, nil
	}

	if lastErr != nil {
		return model.InvocationResult{}, lastErr
	}
	return lastResult, nil
}

// executeOnce performs a single HTTP request with circuit breaker protection.
func (inv *OpenAPIOperationInvoker) executeOnce(
	ctx context.Context,
	svc *serviceClient,
	method, reqURL string,
	headers http.Header,
	bodyBytes []byte,
) (model.InvocationResult, error) {
	if err := svc.breaker.Allow(); err != nil {
		return model.InvocationResult{}, model.NewBackendUnavailableError()
	}

	var body io.Reader
	if bodyBytes != nil {
		body = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return model.InvocationResult{}, fmt.Errorf("invoker: build request: %w", err)
	}
	req.Header = headers.Clone()

	resp, err := svc.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// The caller went away; that says nothing about the backend.
			if errors.Is(ctx.Err(), context.Canceled) {
				return model.InvocationResult{}, ctx.Err()
			}
			svc.breaker.RecordFailure()
			return model.InvocationResult{}, model.NewBackendTimeoutError()
		}
		svc.breaker.RecordFailure()
		if isConnectionError(err) {
			return model.InvocationResult{}, model.NewBackendUnavailableError()
		}
		return model.InvocationResult{}, fmt.Errorf("invoker: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		svc.breaker.RecordFailure()
		return model.InvocationResult{}, fmt.Errorf("invoker: read response: %w", err)
	}

	if isServerError(resp.StatusCode) {
		svc.breaker.RecordFailure()
	} else if !isClientError(resp.StatusCode) {
		// 4xx are not infrastructure failures.
		svc.breaker.RecordSuccess()
	}

	result := model.InvocationResult{
		StatusCode: resp.StatusCode,
		Headers:    extractResponseHeaders(resp),
		Raw:        respBody,
	}

	if len(respBody) > 0 && isJSON(resp.Header.Get("Content-Type"), respBody) {
		var parsed any
		if err := json.Unmarshal(respBody, &parsed); err == nil {
			result.Body = parsed
		}
	}

	return result, nil
}

// --- URL and header building ---

func buildRequestURL(op openapi.IndexedOperation, input model.InvocationInput) (string, error) {
	path := op.PathTemplate
	for name, value := range input.PathParams {
		path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(value))
	}
	if strings.Contains(path, "{") {
		return "", model.NewBadRequestError(fmt.Sprintf("unbound path parameter in %s", op.PathTemplate))
	}

	result := strings.TrimRight(op.BaseURL, "/") + path

	if len(input.QueryParams) > 0 {
		params := url.Values{}
		keys := make([]string, 0, len(input.QueryParams))
		for k := range input.QueryParams {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			params.Set(k, input.QueryParams[k])
		}
		result += "?" + params.Encode()
	}

	return result, nil
}

func buildRequestHeaders(rctx *model.RequestContext, token string, input model.InvocationInput, method string) http.Header {
	h := make(http.Header)

	h.Set("Accept", "application/json")
	if input.Body != nil && (method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch) {
		h.Set("Content-Type", "application/json")
	}
	if token != "" {
		h.Set("Authorization", "Bearer "+sanitizeHeader(token))
	}

	if rctx != nil {
		h.Set("X-Tenant-Id", sanitizeHeader(rctx.TenantID))
		h.Set("X-Partition-Id", sanitizeHeader(rctx.PartitionID))
		h.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
		h.Set("X-Request-Subject", sanitizeHeader(rctx.SubjectID))
		if rctx.Locale != "" {
			h.Set("Accept-Language", sanitizeHeader(rctx.Locale))
		}
	}

	// Input headers go last so callers can override Accept (exports ask for CSV).
	for k, v := range input.Headers {
		h.Set(sanitizeHeader(k), sanitizeHeader(v))
	}

	return h
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

func extractResponseHeaders(resp *http.Response) map[string]string {
	headers := make(map[string]string)
	for _, key := range []string{
		"Content-Type", "Content-Disposition", "X-Correlation-Id",
		"X-Trace-Id", "X-Request-Id", "Retry-After",
	} {
		if v := resp.Header.Get(key); v != "" {
			headers[key] = v
		}
	}
	return headers
}

func isJSON(contentType string, body []byte) bool {
	if contentType != "" {
		return strings.Contains(contentType, "json")
	}
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

// --- classification helpers ---

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete,
		http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func isServerError(code int) bool {
	return code >= 500
}

func isClientError(code int) bool {
	return code >= 400 && code < 500
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Envelopes are already classified; an open breaker must not be retried.
	var ee *model.ErrorEnvelope
	return !errors.As(err, &ee)
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	return min(delay, cfg.BackoffMax)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

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

var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	exportSizeBuckets      = []float64{1024, 10240, 102400, 1048576, 10485760, 52428800}
)

// Metrics holds all Prometheus metric instruments for the BFF. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Backend invocation
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState *prometheus.GaugeVec
	BackendRetriesTotal        *prometheus.CounterVec

	// Lists
	ListQueriesTotal      *prometheus.CounterVec
	ListQueryDuration     *prometheus.HistogramVec
	ListStaleResultsTotal *prometheus.CounterVec
	SearchCommitsTotal    *prometheus.CounterVec
	ActiveControllers     prometheus.Gauge
	MutationsTotal        *prometheus.CounterVec
	ExportsTotal          *prometheus.CounterVec
	ExportSizeBytes       *prometheus.HistogramVec
	LayoutOpsTotal        *prometheus.CounterVec

	// Caches
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter
	LookupCacheHitsTotal       *prometheus.CounterVec
	LookupCacheMissesTotal     *prometheus.CounterVec

	// System
	ListsLoaded              prometheus.Gauge
	OpenAPIOperationsIndexed *prometheus.GaugeVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabula_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tabula_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tabula_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: exportSizeBuckets,
		}, []string{"method", "path_pattern"}),

		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabula_backend_requests_total",
			Help: "Total number of backend service requests.",
		}, []string{"service_id", "operation_id", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tabula_backend_request_duration_seconds",
			Help:    "Backend request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"service_id"}),
		BackendCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tabula_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"service_id"}),
		BackendRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabula_backend_retries_total",
			Help: "Total number of backend request retries.",
		}, []string{"service_id"}),

		ListQueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabula_list_queries_total",
			Help: "List page reads by outcome (hit, fetch, shared, error).",
		}, []string{"list_id", "outcome"}),
		ListQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tabula_list_query_duration_seconds",
			Help:    "Upstream list fetch duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"list_id"}),
		ListStaleResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabula_list_stale_results_total",
			Help: "List responses discarded because a newer request superseded them.",
		}, []string{"list_id"}),
		SearchCommitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabula_search_commits_total",
			Help: "Debounced free-text searches committed to list state.",
		}, []string{"list_id"}),
		ActiveControllers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tabula_list_controllers_active",
			Help: "Number of mounted list controllers.",
		}),
		MutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabula_row_mutations_total",
			Help: "Row action mutations by outcome.",
		}, []string{"list_id", "action_id", "status"}),
		ExportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabula_exports_total",
			Help: "List exports by format and outcome.",
		}, []string{"list_id", "format", "status"}),
		ExportSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tabula_export_size_bytes",
			Help:    "Size of produced export files in bytes.",
			Buckets: exportSizeBuckets,
		}, []string{"format"}),
		LayoutOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabula_layout_operations_total",
			Help: "Column layout loads and saves by driver and outcome.",
		}, []string{"driver", "op", "status"}),

		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tabula_capability_cache_hits_total",
			Help: "Total capability cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tabula_capability_cache_misses_total",
			Help: "Total capability cache misses.",
		}),
		LookupCacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabula_lookup_cache_hits_total",
			Help: "Total lookup cache hits.",
		}, []string{"lookup_id"}),
		LookupCacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabula_lookup_cache_misses_total",
			Help: "Total lookup cache misses.",
		}, []string{"lookup_id"}),

		ListsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tabula_lists_loaded",
			Help: "Number of loaded list definitions.",
		}),
		OpenAPIOperationsIndexed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tabula_openapi_operations_indexed",
			Help: "Number of indexed OpenAPI operations.",
		}, []string{"service_id"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSizeBytes,
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
		m.BackendRetriesTotal,
		m.ListQueriesTotal,
		m.ListQueryDuration,
		m.ListStaleResultsTotal,
		m.SearchCommitsTotal,
		m.ActiveControllers,
		m.MutationsTotal,
		m.ExportsTotal,
		m.ExportSizeBytes,
		m.LayoutOpsTotal,
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
		m.LookupCacheHitsTotal,
		m.LookupCacheMissesTotal,
		m.ListsLoaded,
		m.OpenAPIOperationsIndexed,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, respSize int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordBackendRequest records a backend service request.
func (m *Metrics) RecordBackendRequest(serviceID, operationID string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.BackendRequestsTotal.WithLabelValues(serviceID, operationID, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(serviceID).Observe(duration.Seconds())
}

// SetBackendCircuitBreakerState sets the circuit breaker state for a service.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBackendCircuitBreakerState(serviceID string, state float64) {
	if m == nil {
		return
	}
	m.BackendCircuitBreakerState.WithLabelValues(serviceID).Set(state)
}

// RecordBackendRetry records a backend request retry.
func (m *Metrics) RecordBackendRetry(serviceID string) {
	if m == nil {
		return
	}
	m.BackendRetriesTotal.WithLabelValues(serviceID).Inc()
}

// List query outcomes.
const (
	QueryHit    = "hit"
	QueryFetch  = "fetch"
	QueryShared = "shared"
	QueryError  = "error"
)

// RecordListQuery records one list page read.
func (m *Metrics) RecordListQuery(listID, outcome string) {
	if m == nil {
		return
	}
	m.ListQueriesTotal.WithLabelValues(listID, outcome).Inc()
}

// ObserveListFetch records the duration of one upstream list fetch.
func (m *Metrics) ObserveListFetch(listID string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ListQueryDuration.WithLabelValues(listID).Observe(duration.Seconds())
}

// RecordStaleResult records a list response dropped as superseded.
func (m *Metrics) RecordStaleResult(listID string) {
	if m == nil {
		return
	}
	m.ListStaleResultsTotal.WithLabelValues(listID).Inc()
}

// RecordSearchCommit records a debounced search commit.
func (m *Metrics) RecordSearchCommit(listID string) {
	if m == nil {
		return
	}
	m.SearchCommitsTotal.WithLabelValues(listID).Inc()
}

// SetActiveControllers sets the number of mounted list controllers.
func (m *Metrics) SetActiveControllers(n int) {
	if m == nil {
		return
	}
	m.ActiveControllers.Set(float64(n))
}

// RecordMutation records a row action mutation.
func (m *Metrics) RecordMutation(listID, actionID, status string) {
	if m == nil {
		return
	}
	m.MutationsTotal.WithLabelValues(listID, actionID, status).Inc()
}

// RecordExport records an export and its size.
func (m *Metrics) RecordExport(listID, format, status string, size int) {
	if m == nil {
		return
	}
	m.ExportsTotal.WithLabelValues(listID, format, status).Inc()
	if size > 0 {
		m.ExportSizeBytes.WithLabelValues(format).Observe(float64(size))
	}
}

// RecordLayoutOp records a layout store load or save.
func (m *Metrics) RecordLayoutOp(driver, op string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.LayoutOpsTotal.WithLabelValues(driver, op, status).Inc()
}

// RecordCapabilityCacheHit records a capability cache hit.
func (m *Metrics) RecordCapabilityCacheHit() {
	if m == nil {
		return
	}
	m.CapabilityCacheHitsTotal.Inc()
}

// RecordCapabilityCacheMiss records a capability cache miss.
func (m *Metrics) RecordCapabilityCacheMiss() {
	if m == nil {
		return
	}
	m.CapabilityCacheMissesTotal.Inc()
}

// RecordLookupCacheHit records a lookup cache hit.
func (m *Metrics) RecordLookupCacheHit(lookupID string) {
	if m == nil {
		return
	}
	m.LookupCacheHitsTotal.WithLabelValues(lookupID).Inc()
}

// RecordLookupCacheMiss records a lookup cache miss.
func (m *Metrics) RecordLookupCacheMiss(lookupID string) {
	if m == nil {
		return
	}
	m.LookupCacheMissesTotal.WithLabelValues(lookupID).Inc()
}

// SetListsLoaded sets the number of loaded list definitions.
func (m *Metrics) SetListsLoaded(count int) {
	if m == nil {
		return
	}
	m.ListsLoaded.Set(float64(count))
}

// SetOpenAPIOperationsIndexed sets the number of indexed OpenAPI operations.
func (m *Metrics) SetOpenAPIOperationsIndexed(serviceID string, count int) {
	if m == nil {
		return
	}
	m.OpenAPIOperationsIndexed.WithLabelValues(serviceID).Set(float64(count))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to keep label cardinality low.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
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
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *metricsResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/model"
)

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter
}

func TestInitTracing_disabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), config.TracingConfig{}, "tabula", "test")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInitTracing_unsupportedExporter(t *testing.T) {
	cfg := config.TracingConfig{Enabled: true, Exporter: "zipkin"}
	if _, err := InitTracing(context.Background(), cfg, "tabula", "test"); err == nil {
		t.Fatal("InitTracing() with unsupported exporter should fail")
	}
}

func TestStartSpan_withAttributes(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartSpan(context.Background(), "listquery.fetch",
		AttrListID.String("customers"),
		AttrCacheHit.Bool(false),
	)
	EndSpanWithError(span, nil)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	attrs := spanAttrMap(spans[0])
	if attrs["tabula.list_id"] != "customers" {
		t.Errorf("tabula.list_id = %q, want customers", attrs["tabula.list_id"])
	}
	if spans[0].Status.Code == codes.Error {
		t.Error("span with nil error should not have error status")
	}
}

func TestStartListSpan_recordsCaller(t *testing.T) {
	exporter := setupTestTracer(t)

	rctx := &model.RequestContext{TenantID: "t1", SubjectID: "u1"}
	_, span := StartListSpan(context.Background(), "rowaction.confirm", "customers.list", rctx,
		AttrActionID.String("delete"))
	span.End()

	attrs := spanAttrMap(exporter.GetSpans()[0])
	want := map[string]string{
		"tabula.list_id":    "customers.list",
		"tabula.tenant_id":  "t1",
		"tabula.subject_id": "u1",
		"tabula.action_id":  "delete",
	}
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("%s = %q, want %q", k, attrs[k], v)
		}
	}
}

func TestTracingMiddleware_namesSpanByRoute(t *testing.T) {
	exporter := setupTestTracer(t)

	r := chi.NewRouter()
	r.Use(TracingMiddleware)
	r.Route("/ui/lists/{listId}", func(r chi.Router) {
		r.Get("/data", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ui/lists/customers.list/data", nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "GET /ui/lists/{listId}/data" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	attrs := spanAttrMap(spans[0])
	if attrs["tabula.list_id"] != "customers.list" {
		t.Errorf("tabula.list_id = %q, want customers.list", attrs["tabula.list_id"])
	}
	if attrs["http.route"] != "/ui/lists/{listId}/data" {
		t.Errorf("http.route = %q", attrs["http.route"])
	}
}

func TestEndSpanWithError_setsErrorStatus(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartSpan(context.Background(), "rowaction.run")
	EndSpanWithError(span, errors.New("Cannot delete: in use"))

	s := exporter.GetSpans()[0]
	if s.Status.Code != codes.Error {
		t.Errorf("status code = %v, want Error", s.Status.Code)
	}
	if s.Status.Description != "Cannot delete: in use" {
		t.Errorf("status description = %q", s.Status.Description)
	}
}

func TestTraceIDFromContext(t *testing.T) {
	setupTestTracer(t)

	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Errorf("TraceIDFromContext(no span) = %q, want empty", got)
	}
	ctx, span := StartSpan(context.Background(), "x")
	defer span.End()
	if got := TraceIDFromContext(ctx); len(got) != 32 {
		t.Errorf("TraceIDFromContext() = %q, want 32 hex chars", got)
	}
}

func TestTracingMiddleware_continuesTraceparent(t *testing.T) {
	exporter := setupTestTracer(t)

	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	traceID := "0af7651916cd43dd8448eb211c80319c"
	parentSpanID := "b7ad6b7169203331"
	req := httptest.NewRequest(http.MethodGet, "/ui/lists/customers/data", nil)
	req.Header.Set("Traceparent", "00-"+traceID+"-"+parentSpanID+"-01")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.SpanKind != trace.SpanKindServer {
		t.Errorf("span kind = %v, want Server", s.SpanKind)
	}
	if s.SpanContext.TraceID().String() != traceID {
		t.Errorf("trace ID = %q, want %q", s.SpanContext.TraceID(), traceID)
	}
	if s.Parent.SpanID().String() != parentSpanID {
		t.Errorf("parent span ID = %q, want %q", s.Parent.SpanID(), parentSpanID)
	}
	if s.Status.Code != codes.Error {
		t.Errorf("status = %v, want Error for 502", s.Status.Code)
	}
	if rec.Header().Get("Traceparent") == "" {
		t.Error("response should carry a traceparent header")
	}
}

func TestInjectTraceHeaders(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "outbound")
	defer span.End()

	h := http.Header{}
	InjectTraceHeaders(ctx, h)
	if h.Get("Traceparent") == "" {
		t.Error("Traceparent header not injected")
	}
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{rate: 0, want: "ParentBased{root:TraceIDRatioBased{0.1}"},
		{rate: 1, want: "ParentBased{root:AlwaysOnSampler"},
		{rate: 5, want: "ParentBased{root:AlwaysOnSampler"},
		{rate: 0.5, want: "ParentBased{root:TraceIDRatioBased{0.5}"},
	}
	for _, tt := range tests {
		got := newSampler(config.TracingConfig{SamplingRate: tt.rate}).Description()
		if len(got) < len(tt.want) || got[:len(tt.want)] != tt.want {
			t.Errorf("newSampler(%v) = %q, want prefix %q", tt.rate, got, tt.want)
		}
	}
}

func spanAttrMap(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string, len(s.Attributes))
	for _, kv := range s.Attributes {
		m[string(kv.Key)] = kv.Value.Emit()
	}
	return m
}

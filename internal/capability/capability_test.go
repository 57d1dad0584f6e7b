package capability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/model"
)

func testRctx(roles ...string) *model.RequestContext {
	return &model.RequestContext{
		SubjectID:   "user-1",
		TenantID:    "tenant-1",
		PartitionID: "part-1",
		Roles:       roles,
	}
}

// --- StaticPolicyEvaluator tests ---

func TestStaticPolicyEvaluator_ResolveCapabilities(t *testing.T) {
	e, err := NewStaticPolicyEvaluator("testdata/policies.yaml")
	if err != nil {
		t.Fatalf("NewStaticPolicyEvaluator() error = %v", err)
	}

	caps, err := e.ResolveCapabilities(testRctx("support_agent"))
	if err != nil {
		t.Fatalf("ResolveCapabilities() error = %v", err)
	}

	if !caps.Has("customers:list:view") {
		t.Error("support_agent should have customers:list:view")
	}
	if caps.Has("customers:list:edit") {
		t.Error("support_agent should not have customers:list:edit")
	}
}

func TestStaticPolicyEvaluator_MultipleRoles(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")
	caps, _ := e.ResolveCapabilities(testRctx("support_agent", "customer_manager"))

	if !caps.Has("customers:list:export") {
		t.Error("customer_manager should add customers:list:export")
	}
	if !caps.Has("trips:list:view") {
		t.Error("combined roles should keep trips:list:view")
	}
}

func TestStaticPolicyEvaluator_Wildcard(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")
	caps, _ := e.ResolveCapabilities(testRctx("admin"))

	if !caps.Has("customers:list:delete") {
		t.Error("admin with customers:* should match customers:list:delete")
	}
	if caps.Has("invoices:list:view") {
		t.Error("admin should not match invoices:list:view")
	}
}

func TestStaticPolicyEvaluator_UnknownRole(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")
	caps, _ := e.ResolveCapabilities(testRctx("nonexistent"))

	if len(caps) != 0 {
		t.Errorf("unknown role should return empty capabilities, got %v", caps)
	}
}

func TestStaticPolicyEvaluator_EvaluateAll(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")
	result, err := e.EvaluateAll(testRctx("support_agent"),
		[]string{"customers:list:view", "customers:list:delete"})
	if err != nil {
		t.Fatalf("EvaluateAll() error = %v", err)
	}
	if !result["customers:list:view"] {
		t.Error("EvaluateAll: customers:list:view should be true")
	}
	if result["customers:list:delete"] {
		t.Error("EvaluateAll: customers:list:delete should be false for support_agent")
	}
}

func TestStaticPolicyEvaluator_BadFile(t *testing.T) {
	_, err := NewStaticPolicyEvaluator("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("expected error for missing policy file")
	}
}

func TestNewStaticPolicy_in_memory(t *testing.T) {
	e := NewStaticPolicy(map[string][]string{"ops": {"trips:*"}})
	if err := e.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	caps, _ := e.ResolveCapabilities(testRctx("ops"))
	if !caps.Has("trips:list:view") {
		t.Error("ops should have trips:list:view")
	}
}

// --- Resolver tests ---

func TestResolver_Resolve_and_Cache(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")
	reg := prometheus.NewRegistry()
	m := observability.InitMetrics(reg)
	r := NewResolver(e, 5*time.Minute, WithMetrics(m))

	rctx := testRctx("support_agent")

	caps1, err := r.Resolve(rctx)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !caps1.Has("customers:list:view") {
		t.Error("should have customers:list:view")
	}

	caps2, err := r.Resolve(rctx)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !caps2.Has("customers:list:view") {
		t.Error("cached result should have customers:list:view")
	}

	if got := testutil.ToFloat64(m.CapabilityCacheHitsTotal); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CapabilityCacheMissesTotal); got != 1 {
		t.Errorf("cache misses = %v, want 1", got)
	}
}

func TestResolver_Invalidate(t *testing.T) {
	callCount := 0
	mock := &mockEvaluator{
		resolveFunc: func(rctx *model.RequestContext) (model.CapabilitySet, error) {
			callCount++
			return model.CapabilitySet{"customers:list:view": true}, nil
		},
	}
	r := NewResolver(mock, 5*time.Minute)
	rctx := testRctx()

	r.Resolve(rctx)
	if callCount != 1 {
		t.Fatalf("callCount = %d, want 1", callCount)
	}

	r.Resolve(rctx)
	if callCount != 1 {
		t.Fatalf("callCount = %d after cache hit, want 1", callCount)
	}

	r.Invalidate("user-1", "tenant-1")

	r.Resolve(rctx)
	if callCount != 2 {
		t.Fatalf("callCount = %d after invalidate, want 2", callCount)
	}
}

func TestResolver_roles_change_misses_cache(t *testing.T) {
	callCount := 0
	mock := &mockEvaluator{
		resolveFunc: func(rctx *model.RequestContext) (model.CapabilitySet, error) {
			callCount++
			return model.CapabilitySet{}, nil
		},
	}
	r := NewResolver(mock, 5*time.Minute)

	r.Resolve(testRctx("support_agent"))
	r.Resolve(testRctx("admin"))

	if callCount != 2 {
		t.Fatalf("callCount = %d, want 2 for different roles", callCount)
	}
}

func TestResolver_TTLExpiry(t *testing.T) {
	callCount := 0
	mock := &mockEvaluator{
		resolveFunc: func(rctx *model.RequestContext) (model.CapabilitySet, error) {
			callCount++
			return model.CapabilitySet{"customers:list:view": true}, nil
		},
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewResolver(mock, time.Minute, WithClock(func() time.Time { return now }))
	rctx := testRctx()

	r.Resolve(rctx)
	now = now.Add(2 * time.Minute)
	r.Resolve(rctx)

	if callCount != 2 {
		t.Fatalf("callCount = %d, want 2 (TTL expired)", callCount)
	}
}

func TestResolver_error_not_cached(t *testing.T) {
	fail := true
	mock := &mockEvaluator{
		resolveFunc: func(rctx *model.RequestContext) (model.CapabilitySet, error) {
			if fail {
				return nil, errors.New("policy unavailable")
			}
			return model.CapabilitySet{"*": true}, nil
		},
	}
	r := NewResolver(mock, time.Minute)

	if _, err := r.Resolve(testRctx()); err == nil {
		t.Fatal("Resolve() should propagate evaluator error")
	}
	fail = false
	caps, err := r.Resolve(testRctx())
	if err != nil || !caps.Has("anything") {
		t.Fatalf("Resolve() = %v, %v after recovery", caps, err)
	}
}

func TestResolver_Sync_clears_cache(t *testing.T) {
	callCount := 0
	mock := &mockEvaluator{
		resolveFunc: func(rctx *model.RequestContext) (model.CapabilitySet, error) {
			callCount++
			return model.CapabilitySet{}, nil
		},
	}
	r := NewResolver(mock, time.Hour)
	r.Resolve(testRctx())
	if err := r.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	r.Resolve(testRctx())
	if callCount != 2 {
		t.Fatalf("callCount = %d, want 2 after Sync", callCount)
	}
}

// --- Mock PolicyEvaluator ---

type mockEvaluator struct {
	resolveFunc func(rctx *model.RequestContext) (model.CapabilitySet, error)
}

func (m *mockEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	return m.resolveFunc(rctx)
}

func (m *mockEvaluator) Sync() error { return nil }

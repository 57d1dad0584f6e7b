// Package lookup resolves the option lists that select and multi-select
// column filters draw on.
package lookup

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/tabula/internal/invoker"
	"github.com/pitabwire/tabula/internal/normalize"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/model"
)

// Cache scopes.
const (
	ScopeGlobal    = "global"
	ScopeTenant    = "tenant"
	ScopePartition = "partition"
)

// Definitions finds lookup definitions by id.
type Definitions interface {
	GetLookup(lookupID string) (model.LookupDefinition, bool)
}

// Provider resolves lookups to option lists with caching.
type Provider struct {
	defs       Definitions
	invoker    model.OperationInvoker
	defaultTTL time.Duration
	maxEntries int
	metrics    *observability.Metrics
	now        func() time.Time
	flights    singleflight.Group

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	options   []model.OptionDescriptor
	expiresAt time.Time
}

// Option configures a Provider.
type Option func(*Provider)

// WithMetrics records cache hits and misses.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Provider) { p.metrics = m }
}

// WithClock overrides the clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// NewProvider creates a Provider. Non-positive ttl and maxEntries fall back
// to 5 minutes and 1000 entries.
func NewProvider(defs Definitions, inv model.OperationInvoker, ttl time.Duration, maxEntries int, opts ...Option) *Provider {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	p := &Provider{
		defs:       defs,
		invoker:    inv,
		defaultTTL: ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		cache:      make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get resolves lookupID to options, narrowed to labels containing query.
// Lookups with a search field pass a non-empty query upstream and bypass
// the cache.
func (p *Provider) Get(ctx context.Context, rctx *model.RequestContext, lookupID, query string) (model.LookupResponse, error) {
	def, ok := p.defs.GetLookup(lookupID)
	if !ok {
		return model.LookupResponse{}, model.NewNotFoundError(fmt.Sprintf("lookup %q not found", lookupID))
	}

	if def.SearchField != "" && query != "" {
		options, err := p.fetch(ctx, rctx, def, map[string]string{def.SearchField: query})
		if err != nil {
			return model.LookupResponse{}, err
		}
		return response(options, false), nil
	}

	key := cacheKey(def, rctx)
	if options, hit := p.cached(key); hit {
		p.metrics.RecordLookupCacheHit(def.ID)
		return response(filter(options, query), true), nil
	}
	p.metrics.RecordLookupCacheMiss(def.ID)

	v, err, _ := p.flights.Do(key, func() (any, error) {
		options, err := p.fetch(ctx, rctx, def, nil)
		if err != nil {
			return nil, err
		}
		p.put(key, options, p.ttl(def))
		return options, nil
	})
	if err != nil {
		return model.LookupResponse{}, err
	}
	return response(filter(v.([]model.OptionDescriptor), query), false), nil
}

func response(options []model.OptionDescriptor, cached bool) model.LookupResponse {
	if options == nil {
		options = []model.OptionDescriptor{}
	}
	return model.LookupResponse{
		Data: model.LookupPayload{Options: options},
		Meta: map[string]any{"cached": cached},
	}
}

func (p *Provider) ttl(def model.LookupDefinition) time.Duration {
	if def.Cache != nil && def.Cache.TTL != "" {
		if d, err := time.ParseDuration(def.Cache.TTL); err == nil && d > 0 {
			return d
		}
	}
	return p.defaultTTL
}

func cacheKey(def model.LookupDefinition, rctx *model.RequestContext) string {
	scope := ScopeGlobal
	if def.Cache != nil && def.Cache.Scope != "" {
		scope = def.Cache.Scope
	}
	switch scope {
	case ScopeTenant:
		return "lookup:" + def.ID + ":" + rctx.TenantID
	case ScopePartition:
		return "lookup:" + def.ID + ":" + rctx.TenantID + ":" + rctx.PartitionID
	default:
		return "lookup:" + def.ID
	}
}

func (p *Provider) cached(key string) ([]model.OptionDescriptor, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.cache[key]
	if !ok || p.now().After(e.expiresAt) {
		return nil, false
	}
	return e.options, true
}

func (p *Provider) put(key string, options []model.OptionDescriptor, ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.cache) >= p.maxEntries {
		p.evict()
	}
	p.cache[key] = cacheEntry{options: options, expiresAt: p.now().Add(ttl)}
}

// evict drops expired entries, then the soonest-expiring one if the cache is
// still full. Must be called with mu held.
func (p *Provider) evict() {
	now := p.now()
	for k, e := range p.cache {
		if now.After(e.expiresAt) {
			delete(p.cache, k)
		}
	}
	if len(p.cache) < p.maxEntries {
		return
	}
	var oldest string
	var at time.Time
	for k, e := range p.cache {
		if oldest == "" || e.expiresAt.Before(at) {
			oldest, at = k, e.expiresAt
		}
	}
	delete(p.cache, oldest)
}

// Invalidate removes cached entries for lookupID. A non-empty tenantID
// limits removal to that tenant's scoped entries.
func (p *Provider) Invalidate(lookupID, tenantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prefix := "lookup:" + lookupID
	for k := range p.cache {
		if k != prefix && !strings.HasPrefix(k, prefix+":") {
			continue
		}
		if tenantID == "" || strings.HasPrefix(k, prefix+":"+tenantID) {
			delete(p.cache, k)
		}
	}
}

// Len returns the number of cached entries.
func (p *Provider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.cache)
}

func (p *Provider) fetch(ctx context.Context, rctx *model.RequestContext, def model.LookupDefinition, query map[string]string) ([]model.OptionDescriptor, error) {
	result, err := p.invoker.Invoke(ctx, rctx, def.Operation, model.InvocationInput{QueryParams: query})
	if err == nil {
		err = invoker.StatusError(result)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %q: %w", def.ID, err)
	}
	return options(result.Body, def), nil
}

// items accepts a bare array or the usual list envelopes.
var items = normalize.New(model.ListDefinition{})

func options(body any, def model.LookupDefinition) []model.OptionDescriptor {
	rows := items.Page(body).Rows
	out := make([]model.OptionDescriptor, 0, len(rows))
	for _, row := range rows {
		label := text(normalize.Lookup(row.Values, def.LabelField))
		value := text(normalize.Lookup(row.Values, def.ValueField))
		if label == "" && value == "" {
			continue
		}
		if label == "" {
			label = value
		}
		out = append(out, model.OptionDescriptor{Label: label, Value: value})
	}
	return out
}

func text(v any) string {
	s, ok := normalize.Coerce(model.CellText, v).(string)
	if !ok {
		return ""
	}
	return s
}

// filter keeps options whose label contains query, case-insensitively.
func filter(options []model.OptionDescriptor, query string) []model.OptionDescriptor {
	if query == "" {
		return options
	}
	q := strings.ToLower(query)
	var out []model.OptionDescriptor
	for _, o := range options {
		if strings.Contains(strings.ToLower(o.Label), q) {
			out = append(out, o)
		}
	}
	return out
}

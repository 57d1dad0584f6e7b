// Package listquery fetches list pages from upstream with per-key request
// sharing, a small result cache, stale-while-revalidate snapshots and
// last-request-wins ordering.
package listquery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/tabula/internal/normalize"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/internal/searchstate"
	"github.com/pitabwire/tabula/model"
)

// DefaultCacheSize is the number of settled pages kept per query.
const DefaultCacheSize = 16

var (
	// ErrSuperseded is returned to callers whose request was overtaken by a
	// newer one before it settled.
	ErrSuperseded = errors.New("listquery: superseded by a newer request")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("listquery: closed")
)

// Fetcher performs one upstream list request for params.
type Fetcher func(ctx context.Context, params map[string]string) (normalize.Page, error)

// Result is what the table renders: the latest settled page, whether a newer
// request is still in flight, and the error of the latest request.
type Result struct {
	model.PageResult
	Key       string
	IsPending bool
	Err       error
}

type flight struct {
	cancel context.CancelFunc
}

// Query serves the pages of one mounted list.
type Query struct {
	listID    string
	fetch     Fetcher
	metrics   *observability.Metrics
	logger    *slog.Logger
	cacheSize int

	group singleflight.Group
	base  context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	cache      *lru.Cache[string, model.PageResult]
	flights    map[string]*flight
	latestKey  string
	settled    *model.PageResult
	settledKey string
	pending    bool
	lastErr    error
}

// Option configures a Query.
type Option func(*Query)

// WithMetrics records query outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(q *Query) { q.metrics = m }
}

// WithLogger sets the logger used for dropped responses.
func WithLogger(l *slog.Logger) Option {
	return func(q *Query) { q.logger = l }
}

// WithCacheSize bounds the number of cached pages.
func WithCacheSize(n int) Option {
	return func(q *Query) {
		if n > 0 {
			q.cacheSize = n
		}
	}
}

// New creates a Query for listID backed by fetch.
func New(listID string, fetch Fetcher, opts ...Option) *Query {
	q := &Query{
		listID:    listID,
		fetch:     fetch,
		logger:    slog.Default(),
		cacheSize: DefaultCacheSize,
		flights:   make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.cache, _ = lru.New[string, model.PageResult](q.cacheSize)
	q.base, q.stop = context.WithCancel(context.Background())
	return q
}

// Fetch returns the page for params. A cached page is returned without an
// upstream call; otherwise concurrent callers for the same params share one
// request. Issuing Fetch for new params cancels in-flight requests for any
// other params, and their callers receive ErrSuperseded. A caller whose ctx
// ends stops waiting, but the shared request still settles into the cache.
func (q *Query) Fetch(ctx context.Context, params map[string]string) (model.PageResult, error) {
	key := searchstate.Key(params)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return model.PageResult{}, ErrClosed
	}
	q.latestKey = key
	q.cancelOthers(key)

	if cached, ok := q.cache.Get(key); ok {
		q.settle(key, cached)
		q.mu.Unlock()
		q.metrics.RecordListQuery(q.listID, observability.QueryHit)
		return cached, nil
	}
	q.pending = true
	q.mu.Unlock()

	ch := q.group.DoChan(key, func() (any, error) {
		return q.run(ctx, key, params)
	})

	select {
	case <-ctx.Done():
		return model.PageResult{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if !errors.Is(res.Err, ErrSuperseded) && !errors.Is(res.Err, ErrClosed) {
				q.metrics.RecordListQuery(q.listID, observability.QueryError)
			}
			return model.PageResult{}, res.Err
		}
		outcome := observability.QueryFetch
		if res.Shared {
			outcome = observability.QueryShared
		}
		q.metrics.RecordListQuery(q.listID, outcome)
		return res.Val.(model.PageResult), nil
	}
}

// run performs one upstream request for key and settles its outcome.
func (q *Query) run(ctx context.Context, key string, params map[string]string) (model.PageResult, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return model.PageResult{}, ErrClosed
	}
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(q.base, cancel)
	fl := &flight{cancel: cancel}
	q.flights[key] = fl
	q.mu.Unlock()

	defer func() {
		stop()
		cancel()
		q.mu.Lock()
		if q.flights[key] == fl {
			delete(q.flights, key)
		}
		q.mu.Unlock()
	}()

	sctx, span := observability.StartListSpan(fctx, "listquery.fetch", q.listID, nil)
	start := time.Now()
	page, err := q.fetch(sctx, params)
	q.metrics.ObserveListFetch(q.listID, time.Since(start))
	observability.EndSpanWithError(span, err)

	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case q.closed:
		return model.PageResult{}, ErrClosed
	case fctx.Err() != nil || key != q.latestKey:
		q.metrics.RecordStaleResult(q.listID)
		q.logger.Debug("listquery: dropping superseded response", "list_id", q.listID, "key", key)
		return model.PageResult{}, ErrSuperseded
	case err != nil:
		q.pending = false
		q.lastErr = err
		return model.PageResult{}, err
	}

	result := page.Resolve(q.settled)
	q.cache.Add(key, result)
	q.settle(key, result)
	return result, nil
}

// Refresh starts a background Fetch for params and returns immediately. The
// outcome is observable through Snapshot.
func (q *Query) Refresh(ctx context.Context, params map[string]string) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.wg.Add(1)
	q.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer q.wg.Done()
		_, err := q.Fetch(ctx, params)
		if err != nil && !errors.Is(err, ErrSuperseded) && !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
			q.logger.Warn("listquery: background fetch failed", "list_id", q.listID, "error", err)
		}
	}()
}

// Snapshot returns the latest settled page. While a newer request is in
// flight IsPending is true and the previous rows are kept. Before anything
// has settled the page is empty with default paging.
func (q *Query) Snapshot() Result {
	q.mu.Lock()
	defer q.mu.Unlock()

	r := Result{Key: q.settledKey, IsPending: q.pending, Err: q.lastErr}
	if q.settled != nil {
		r.PageResult = *q.settled
	} else {
		r.PageResult = normalize.Page{}.Resolve(nil)
	}
	return r
}

// Invalidate drops every cached page so the next Fetch goes upstream. The
// settled snapshot is kept until its replacement arrives.
func (q *Query) Invalidate() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cache.Purge()
}

// Close cancels in-flight requests and waits for background refreshes.
// Responses arriving afterwards are discarded.
func (q *Query) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.pending = false
	q.mu.Unlock()

	q.stop()
	q.wg.Wait()
}

// cancelOthers cancels requests for every key but keep. Must be called with
// the lock held.
func (q *Query) cancelOthers(keep string) {
	for key, fl := range q.flights {
		if key == keep {
			continue
		}
		fl.cancel()
		delete(q.flights, key)
		q.group.Forget(key)
	}
}

func (q *Query) settle(key string, page model.PageResult) {
	p := page
	q.settled = &p
	q.settledKey = key
	q.lastErr = nil
	q.pending = false
}

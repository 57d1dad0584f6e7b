package controller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/debounce"
	"github.com/pitabwire/tabula/internal/export"
	"github.com/pitabwire/tabula/internal/layout"
	"github.com/pitabwire/tabula/internal/notify"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/internal/rowaction"
	"github.com/pitabwire/tabula/model"
)

// Deps are the collaborators shared by every controller.
type Deps struct {
	Config   config.ListsConfig
	Invoker  model.OperationInvoker
	Executor *rowaction.Executor
	Exporter *export.Exporter
	Layouts  layout.Store
	Notes    *notify.Center
	Metrics  *observability.Metrics
	Logger   *zap.Logger
	// Clock drives search debouncing; nil uses the wall clock.
	Clock debounce.Clock
	// Now reads the current time; nil uses time.Now.
	Now func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

func (d *Deps) slog(listID string) *slog.Logger {
	return slog.Default().With("list_id", listID)
}

// location returns the caller's zone, falling back to the configured one.
func (d *Deps) location(rctx *model.RequestContext) *time.Location {
	if rctx != nil && rctx.Timezone != "" {
		if loc, err := time.LoadLocation(rctx.Timezone); err == nil {
			return loc
		}
	}
	if loc, err := time.LoadLocation(d.Config.Timezone); err == nil {
		return loc
	}
	return time.UTC
}

// debounce returns the list's search window, falling back to the configured
// one.
func (d *Deps) debounce(list model.ListDefinition) time.Duration {
	if list.SearchDebounce != "" {
		if v, err := time.ParseDuration(list.SearchDebounce); err == nil && v >= 0 {
			return v
		}
	}
	if d.Config.SearchDebounce > 0 {
		return d.Config.SearchDebounce
	}
	return 300 * time.Millisecond
}

type key struct {
	session string
	listID  string
}

// Manager keeps the mounted controllers keyed by session and list id.
// Controllers left idle longer than the configured TTL are evicted.
type Manager struct {
	deps *Deps
	ttl  time.Duration

	mu          sync.Mutex
	controllers map[key]*Controller
}

// NewManager creates a Manager. A nil logger discards logs.
func NewManager(deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Notes == nil {
		deps.Notes = notify.NewCenter(deps.Config.Notifications)
	}
	if deps.Executor == nil {
		deps.Executor = rowaction.NewExecutor(deps.Invoker, deps.Notes, rowaction.WithMetrics(deps.Metrics))
	}
	d := &deps
	if d.Exporter == nil {
		d.Exporter = export.New(d.Invoker,
			export.WithMetrics(d.Metrics),
			export.WithLocation(d.location(nil)),
			export.WithClock(d.now),
		)
	}
	ttl := d.Config.IdleTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Manager{deps: d, ttl: ttl, controllers: make(map[key]*Controller)}
}

// Mount returns the controller of list for the caller's session, creating it
// with the list's defaults when none is mounted.
func (m *Manager) Mount(rctx *model.RequestContext, list model.ListDefinition) *Controller {
	k := key{session: rctx.SessionKey(), listID: list.ID}

	m.mu.Lock()
	c, ok := m.controllers[k]
	if !ok {
		c = newController(list, rctx, m.deps)
		m.controllers[k] = c
	}
	n := len(m.controllers)
	m.mu.Unlock()

	if !ok {
		m.deps.Metrics.SetActiveControllers(n)
		m.deps.Logger.Debug("list mounted", zap.String("list_id", list.ID), zap.String("session", k.session))
	}
	c.touch(rctx)
	return c
}

// Get returns the mounted controller of listID for the caller's session.
func (m *Manager) Get(rctx *model.RequestContext, listID string) (*Controller, bool) {
	m.mu.Lock()
	c, ok := m.controllers[key{session: rctx.SessionKey(), listID: listID}]
	m.mu.Unlock()
	if ok {
		c.touch(rctx)
	}
	return c, ok
}

// Unmount discards the controller of listID and cancels its requests.
func (m *Manager) Unmount(rctx *model.RequestContext, listID string) bool {
	k := key{session: rctx.SessionKey(), listID: listID}
	m.mu.Lock()
	c, ok := m.controllers[k]
	delete(m.controllers, k)
	n := len(m.controllers)
	m.mu.Unlock()

	if ok {
		c.Close()
		m.deps.Metrics.SetActiveControllers(n)
	}
	return ok
}

// EndSession unmounts every controller of the caller's session and drops its
// notifications. It runs when upstream rejects the session.
func (m *Manager) EndSession(rctx *model.RequestContext) int {
	session := rctx.SessionKey()
	closed := m.remove(func(k key, _ *Controller) bool { return k.session == session })
	m.deps.Notes.Forget(session)
	return closed
}

// Sweep evicts controllers idle since before now minus the TTL.
func (m *Manager) Sweep(now time.Time) int {
	cutoff := now.Add(-m.ttl)
	n := m.remove(func(_ key, c *Controller) bool { return c.idleSince().Before(cutoff) })
	if n > 0 {
		m.deps.Logger.Info("evicted idle list controllers", zap.Int("count", n))
	}
	return n
}

func (m *Manager) remove(match func(key, *Controller) bool) int {
	var closing []*Controller
	m.mu.Lock()
	for k, c := range m.controllers {
		if match(k, c) {
			closing = append(closing, c)
			delete(m.controllers, k)
		}
	}
	n := len(m.controllers)
	m.mu.Unlock()

	for _, c := range closing {
		c.Close()
	}
	if len(closing) > 0 {
		m.deps.Metrics.SetActiveControllers(n)
	}
	return len(closing)
}

// Run sweeps idle controllers every interval until ctx ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(m.deps.now())
		}
	}
}

// Len returns the number of mounted controllers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.controllers)
}

// Notes returns the notification center.
func (m *Manager) Notes() *notify.Center { return m.deps.Notes }

// Close unmounts every controller.
func (m *Manager) Close() {
	m.remove(func(key, *Controller) bool { return true })
}

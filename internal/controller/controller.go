// Package controller runs one generic list controller per mounted list. A
// controller owns the search state, the remote query, the armed row action
// and the layout key of one list for one session, and turns them into the
// table configuration the dashboard renders.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/columns"
	"github.com/pitabwire/tabula/internal/export"
	"github.com/pitabwire/tabula/internal/invoker"
	"github.com/pitabwire/tabula/internal/layout"
	"github.com/pitabwire/tabula/internal/listquery"
	"github.com/pitabwire/tabula/internal/locale"
	"github.com/pitabwire/tabula/internal/normalize"
	"github.com/pitabwire/tabula/internal/rowaction"
	"github.com/pitabwire/tabula/internal/searchstate"
	"github.com/pitabwire/tabula/internal/table"
	"github.com/pitabwire/tabula/model"
)

// Reset scopes.
const (
	ResetAll      = "all"
	ResetExternal = "external"
)

// View is the caller-dependent part of a render: who is looking and in
// which language.
type View struct {
	RequestContext *model.RequestContext
	Caps           model.CapabilitySet
	Localizer      *locale.Localizer
}

func (v View) direction() string {
	if v.RequestContext.IsRTL() {
		return model.DirectionRTL
	}
	return model.DirectionLTR
}

// Controller is the list controller of one list in one session.
type Controller struct {
	list       model.ListDefinition
	session    string
	deps       *Deps
	location   *time.Location
	debounce   time.Duration
	normalizer *normalize.Normalizer
	dateKeys   []string

	store  *searchstate.Store
	query  *listquery.Query
	slot   *rowaction.Slot
	pusher table.InitialFilterPusher

	unsubscribe func()

	mu       sync.Mutex
	rctx     *model.RequestContext
	lastUsed time.Time
}

func newController(list model.ListDefinition, rctx *model.RequestContext, deps *Deps) *Controller {
	c := &Controller{
		list:       list,
		session:    rctx.SessionKey(),
		deps:       deps,
		location:   deps.location(rctx),
		debounce:   deps.debounce(list),
		normalizer: normalize.New(list),
		dateKeys:   table.ExternalFilters(list),
		slot:       rowaction.NewSlot(),
		rctx:       rctx,
		lastUsed:   deps.now(),
	}

	defaults := searchstate.DefaultsFor(list, deps.Config.DefaultPerPage, c.location)
	c.store = searchstate.NewStore(
		func() model.SearchState { return defaults.State(deps.now().In(c.location)) },
		searchstate.WithDebounce(c.debounce),
		searchstate.WithClock(deps.Clock),
		searchstate.OnSearchCommit(func(string) { deps.Metrics.RecordSearchCommit(list.ID) }),
	)
	c.query = listquery.New(list.ID, c.fetch,
		listquery.WithMetrics(deps.Metrics),
		listquery.WithLogger(deps.slog(list.ID)),
		listquery.WithCacheSize(deps.Config.QueryCacheSize),
	)
	c.unsubscribe = c.store.Subscribe(c.refetch)
	return c
}

// List returns the list definition the controller serves.
func (c *Controller) List() model.ListDefinition { return c.list }

// Store returns the search-state store.
func (c *Controller) Store() *searchstate.Store { return c.store }

// Slot returns the row action slot.
func (c *Controller) Slot() *rowaction.Slot { return c.slot }

// touch records rctx as the latest caller. Upstream calls made on behalf of
// the controller use its credentials.
func (c *Controller) touch(rctx *model.RequestContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rctx != nil {
		c.rctx = rctx
	}
	c.lastUsed = c.deps.now()
}

func (c *Controller) requestContext() *model.RequestContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rctx
}

func (c *Controller) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

func (c *Controller) fetch(ctx context.Context, params map[string]string) (normalize.Page, error) {
	result, err := c.deps.Invoker.Invoke(ctx, c.requestContext(), c.list.DataSource.Binding(), model.InvocationInput{
		QueryParams: params,
	})
	if err == nil {
		err = invoker.StatusError(result)
	}
	if err != nil {
		return normalize.Page{}, fmt.Errorf("list %q: %w", c.list.ID, err)
	}
	return c.normalizer.Page(result.Body), nil
}

func (c *Controller) params(state model.SearchState) (map[string]string, error) {
	return searchstate.QueryParams(state, c.dateKeys, c.location)
}

// refetch starts a background fetch for a committed state.
func (c *Controller) refetch(state model.SearchState) {
	params, err := c.params(state)
	if err != nil {
		c.deps.Logger.Warn("list state has no valid query", zap.String("list_id", c.list.ID), zap.Error(err))
		return
	}
	c.query.Refresh(context.Background(), params)
}

// Patch merges partial into the search state. It is the table's single
// mutation entry point; the change triggers a re-fetch. A patch whose merged
// state has no valid query is rejected and leaves the state unchanged.
func (c *Controller) Patch(partial map[string]any) (model.SearchState, error) {
	return table.Refetch(c.store, partial, func(state model.SearchState) error {
		_, err := c.params(state)
		return err
	})
}

// Search updates the debounced free-text input and returns its echo.
func (c *Controller) Search(text string) model.SearchEcho {
	return c.store.SetDebouncedSearchText(text)
}

// Reset restores the list's default state. The external scope resets only
// the filters the toolbar manages outside the table.
func (c *Controller) Reset(scope string) model.SearchState {
	if scope == ResetExternal {
		return c.store.ResetKeys(c.dateKeys...)
	}
	return c.store.Reset()
}

// Table returns the table configuration for the current state, waiting for
// its page unless ctx ends first. A request overtaken by a newer state
// answers with the previous rows and IsPending set.
func (c *Controller) Table(ctx context.Context, view View) (model.TableConfig, error) {
	state := c.store.State()
	params, err := c.params(state)
	if err != nil {
		return model.TableConfig{}, err
	}

	_, err = c.query.Fetch(ctx, params)
	switch {
	case err == nil, errors.Is(err, listquery.ErrSuperseded), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	case model.IsCode(err, model.ErrUnauthorized):
		return model.TableConfig{}, err
	case errors.Is(err, listquery.ErrClosed):
		return model.TableConfig{}, model.NewNotFoundError(fmt.Sprintf("list %q is not mounted", c.list.ID))
	}
	return c.compose(ctx, view, c.store.State()), nil
}

func (c *Controller) compose(ctx context.Context, view View, state model.SearchState) model.TableConfig {
	result := c.query.Snapshot()
	cols := columns.Build(columns.Input{
		List:      c.list,
		Caps:      view.Caps,
		Rows:      result.Rows,
		Direction: view.direction(),
		Localizer: view.Localizer,
	})

	saved, err := c.Layout(ctx, "")
	if err != nil {
		c.deps.Logger.Warn("layout load failed", zap.String("list_id", c.list.ID), zap.Error(err))
	}

	cfg := table.Compose(table.Input{
		List:       c.list,
		State:      state,
		Result:     result,
		Columns:    cols,
		Layout:     saved,
		SearchText: c.store.Echo().Text,
		Direction:  view.direction(),
	})
	c.pusher.Apply(&cfg, c.list, state)
	return cfg
}

// Descriptor describes the mounted list: columns, toolbar and the initial
// table state.
func (c *Controller) Descriptor(ctx context.Context, view View) model.ListDescriptor {
	cfg := c.compose(ctx, view, c.store.State())
	return model.ListDescriptor{
		ID:           c.list.ID,
		Title:        view.Localizer.Text(c.list.Title, nil),
		Route:        c.list.Route,
		DataEndpoint: "/ui/lists/" + c.list.ID + "/data",
		Columns:      cfg.Columns,
		Toolbar:      cfg.Toolbar,
		InitialState: cfg.InitialState,
		DebounceMs:   c.debounce.Milliseconds(),
	}
}

// Arm arms the row action identified by actionID, or by variant when
// actionID is empty, on the row rowID of the current page.
func (c *Controller) Arm(view View, rowID, actionID, variant string) (model.RowAction, error) {
	row, ok := c.row(rowID)
	if !ok {
		return model.RowAction{}, model.NewNotFoundError(fmt.Sprintf("row %q is not on the current page", rowID))
	}
	for _, a := range c.list.RowActions {
		if (actionID != "" && a.ID != actionID) || (actionID == "" && a.Variant != variant) {
			continue
		}
		if !columns.Permitted(view.Caps, a) {
			return model.RowAction{}, model.NewForbiddenError(fmt.Sprintf("insufficient capabilities for action %q", a.ID))
		}
		if !columns.Available(a, row) {
			return model.RowAction{}, model.NewConflictError(fmt.Sprintf("action %q is not available for row %q", a.ID, rowID))
		}
		return c.slot.Arm(c.list.ID, row, a), nil
	}
	return model.RowAction{}, model.NewNotFoundError(fmt.Sprintf("list %q has no such row action", c.list.ID))
}

func (c *Controller) row(id string) (model.Row, bool) {
	for _, r := range c.query.Snapshot().Rows {
		if r.ID == id {
			return r, true
		}
	}
	return model.Row{}, false
}

// Confirm runs the armed action identified by token.
func (c *Controller) Confirm(ctx context.Context, view View, token string, input map[string]any) (model.MutationResponse, error) {
	return c.deps.Executor.Run(ctx, rowaction.Request{
		RequestContext: view.RequestContext,
		List:           c.list,
		Caps:           view.Caps,
		Slot:           c.slot,
		Token:          token,
		Input:          input,
		Localizer:      view.Localizer,
		Invalidate:     c.invalidate,
	})
}

// invalidate drops cached pages and re-fetches the current state.
func (c *Controller) invalidate() {
	c.query.Invalidate()
	c.refetch(c.store.State())
}

func (c *Controller) layoutKey(suffix string) layout.Key {
	return layout.Key{Session: c.session, Prefix: table.StoragePrefix(c.list), Suffix: suffix}
}

// Layout loads the saved column layout, nil when none was saved.
func (c *Controller) Layout(ctx context.Context, suffix string) (*model.Layout, error) {
	if c.deps.Layouts == nil {
		return nil, nil
	}
	return c.deps.Layouts.Load(ctx, c.layoutKey(suffix))
}

// SaveLayout validates and stores l. The last write wins.
func (c *Controller) SaveLayout(ctx context.Context, suffix string, l model.Layout) (model.Layout, error) {
	if err := layout.Validate(l); err != nil {
		return model.Layout{}, err
	}
	if c.deps.Layouts == nil {
		return model.Layout{}, model.NewBadRequestError("layout persistence is disabled")
	}
	l.UpdatedAt = c.deps.now().UTC()
	if err := c.deps.Layouts.Save(ctx, c.layoutKey(suffix), l); err != nil {
		return model.Layout{}, fmt.Errorf("saving layout: %w", err)
	}
	return l, nil
}

// Export downloads the current result set in format. Column headers are
// localized for JSON fallbacks.
func (c *Controller) Export(ctx context.Context, view View, format string) (export.File, error) {
	if c.deps.Exporter == nil || c.list.Export == nil {
		return export.File{}, model.NewNotFoundError(fmt.Sprintf("list %q is not exportable", c.list.ID))
	}
	if caps := c.list.Export.Capabilities; len(caps) > 0 && !view.Caps.HasAll(caps...) {
		return export.File{}, model.NewForbiddenError("insufficient capabilities to export")
	}

	params, err := c.params(c.store.State())
	if err != nil {
		return export.File{}, err
	}

	headers := make(map[string]string, len(c.list.Columns))
	for _, col := range columns.Build(columns.Input{List: c.list, Localizer: view.Localizer}) {
		headers[col.ID] = col.Header
	}
	return c.deps.Exporter.Export(ctx, export.Request{
		RequestContext: view.RequestContext,
		List:           c.list,
		Params:         params,
		Format:         format,
		Headers:        headers,
	})
}

// Close discards the controller's state and cancels its in-flight requests.
func (c *Controller) Close() {
	c.unsubscribe()
	c.store.Close()
	c.query.Close()
	c.slot.Clear()
}

// Package table composes the table configuration the dashboard renders from
// the search state, the latest query result, the column model and the saved
// layout.
package table

import (
	"slices"
	"sync"

	"github.com/pitabwire/tabula/internal/columns"
	"github.com/pitabwire/tabula/internal/listquery"
	"github.com/pitabwire/tabula/internal/searchstate"
	"github.com/pitabwire/tabula/model"
)

// Input is everything one composition depends on.
type Input struct {
	List    model.ListDefinition
	State   model.SearchState
	Result  listquery.Result
	Columns []model.ColumnDescriptor
	Layout  *model.Layout
	// SearchText is the raw search input echo.
	SearchText string
	Direction  string
}

// PageCount returns the number of pages for total rows at perPage rows per
// page. It is never less than 1.
func PageCount(total, perPage int) int {
	if perPage <= 0 {
		perPage = model.DefaultPerPage
	}
	if total <= 0 {
		return 1
	}
	return (total + perPage - 1) / perPage
}

// ExternalFilters returns the search-state keys the toolbar manages outside
// the table's own column filters.
func ExternalFilters(list model.ListDefinition) []string {
	if list.DateRangeParam == "" {
		return nil
	}
	return []string{list.DateRangeParam}
}

// Compose builds the table configuration. Paging comes from the state so the
// pager follows the user immediately; rows and total come from the result,
// which may still be the previous page while IsPending is set.
func Compose(in Input) model.TableConfig {
	rows := make([]map[string]any, len(in.Result.Rows))
	ids := make([]string, len(in.Result.Rows))
	for i, r := range in.Result.Rows {
		rows[i] = r.Values
		ids[i] = r.ID
	}

	perPage := in.State.PerPage()
	cfg := model.TableConfig{
		ListID:       in.List.ID,
		Columns:      in.Columns,
		Rows:         rows,
		RowIDs:       ids,
		Page:         in.State.Page(),
		PerPage:      perPage,
		Total:        in.Result.Total,
		PageCount:    PageCount(in.Result.Total, perPage),
		InitialState: initialState(in),
		Toolbar:      Toolbar(in.List, in.SearchText),
		IsPending:    in.Result.IsPending,
	}
	if in.Result.Err != nil {
		if env, ok := model.AsEnvelope(in.Result.Err); ok {
			cfg.Error = env
		} else {
			cfg.Error = model.NewInternalError()
		}
	}
	return cfg
}

// Toolbar describes the toolbar of list.
func Toolbar(list model.ListDefinition, searchText string) model.ToolbarDescriptor {
	tb := model.ToolbarDescriptor{
		GlobalFilter:       searchText,
		ExtraFilterColumns: list.ExtraFilterColumns,
		StoragePrefix:      StoragePrefix(list),
		ExternalFilters:    ExternalFilters(list),
	}
	if list.Export != nil {
		tb.Exportable = true
		tb.ExportFormats = list.Export.Formats
		if len(tb.ExportFormats) == 0 {
			tb.ExportFormats = []string{"csv"}
		}
	}
	return tb
}

// StoragePrefix is the layout storage key prefix of list.
func StoragePrefix(list model.ListDefinition) string {
	if list.StoragePrefix != "" {
		return list.StoragePrefix
	}
	return list.ID
}

func initialState(in Input) model.InitialState {
	st := model.InitialState{
		PaginationIndex:  in.State.Page() - 1,
		PageSize:         in.State.PerPage(),
		ColumnVisibility: make(map[string]bool, len(in.Columns)),
		ColumnSizing:     make(map[string]int, len(in.Columns)),
		ColumnPinning:    model.ColumnPinning{Left: []string{}, Right: []string{}},
	}

	known := make(map[string]model.ColumnDescriptor, len(in.Columns))
	for _, c := range in.Columns {
		known[c.ID] = c
		st.ColumnVisibility[c.ID] = true
		if c.Width > 0 {
			st.ColumnSizing[c.ID] = c.Width
		}
		switch c.Pinned {
		case columns.PinLeft:
			st.ColumnPinning.Left = append(st.ColumnPinning.Left, c.ID)
		case columns.PinRight:
			st.ColumnPinning.Right = append(st.ColumnPinning.Right, c.ID)
		}
	}

	st.ColumnOrder = columnOrder(in.Columns, in.Layout)
	if l := in.Layout; l != nil {
		for id, visible := range l.Visibility {
			if c, ok := known[id]; ok && c.Hideable {
				st.ColumnVisibility[id] = visible
			}
		}
		for id, w := range l.Widths {
			if c, ok := known[id]; ok && c.Resizable && w > 0 {
				st.ColumnSizing[id] = min(max(w, c.MinWidth), c.MaxWidth)
			}
		}
	}

	if sortBy := in.State.String(model.ParamSort); sortBy != "" {
		st.Sorting = []model.SortingState{{
			ID:   sortBy,
			Desc: in.State.String(model.ParamDirection) == "desc",
		}}
	}

	external := ExternalFilters(in.List)
	filters := searchstate.FilterSet(in.State, external...)
	for _, c := range in.Columns {
		if !c.Filterable || slices.Contains(external, c.FilterParam) {
			continue
		}
		if v, ok := filters[c.FilterParam]; ok {
			st.ColumnFilters = append(st.ColumnFilters, model.ColumnFilterState{ID: c.ID, Value: v})
		}
	}
	return st
}

// columnOrder applies the saved order, drops ids that no longer exist, and
// appends new columns in declaration order. Pinned columns keep their edge.
func columnOrder(cols []model.ColumnDescriptor, layout *model.Layout) []string {
	var pinned []string
	free := make(map[string]bool, len(cols))
	for _, c := range cols {
		if c.Pinned != "" {
			pinned = append(pinned, c.ID)
		} else {
			free[c.ID] = true
		}
	}

	order := make([]string, 0, len(cols))
	if layout != nil {
		for _, id := range layout.Order {
			if free[id] {
				order = append(order, id)
				delete(free, id)
			}
		}
	}
	for _, c := range cols {
		if free[c.ID] {
			order = append(order, c.ID)
		}
	}
	return append(order, pinned...)
}

// InitialFilterPusher pushes externally held filters into the column filter
// state once per mounted table. Later compositions leave the table's own
// filter state alone.
type InitialFilterPusher struct {
	mu   sync.Mutex
	done bool
}

// Apply adds a column filter for every external key set in state to cfg on
// its first call and reports whether it did.
func (p *InitialFilterPusher) Apply(cfg *model.TableConfig, list model.ListDefinition, state model.SearchState) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return false
	}
	p.done = true

	for _, key := range ExternalFilters(list) {
		v, ok := state[key]
		if !ok || v == nil {
			continue
		}
		for _, c := range cfg.Columns {
			if c.FilterParam == key {
				cfg.InitialState.ColumnFilters = append(cfg.InitialState.ColumnFilters,
					model.ColumnFilterState{ID: c.ID, Value: v})
			}
		}
	}
	return true
}

// Initialized reports whether Apply has run.
func (p *InitialFilterPusher) Initialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Refetch applies partial to the search state. It is the single mutation
// entry point of a mounted table and behaves like Store.PatchChecked: check,
// when set, can reject the merged state before it is committed.
func Refetch(store *searchstate.Store, partial map[string]any, check func(model.SearchState) error) (model.SearchState, error) {
	return store.PatchChecked(partial, check)
}

package model

import "time"

// ListSummary is one entry in the navigation list of lists.
type ListSummary struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Route string `json:"route"`
	Icon  string `json:"icon,omitempty"`
	Order int    `json:"order"`
}

// ListDescriptor is the resolved list sent to the frontend when it mounts.
type ListDescriptor struct {
	ID           string             `json:"id"`
	Title        string             `json:"title"`
	Route        string             `json:"route"`
	DataEndpoint string             `json:"data_endpoint"`
	Columns      []ColumnDescriptor `json:"columns"`
	Toolbar      ToolbarDescriptor  `json:"toolbar"`
	InitialState InitialState       `json:"initial_state"`
	DebounceMs   int64              `json:"debounce_ms"`
}

// ColumnDescriptor describes a resolved table column.
type ColumnDescriptor struct {
	ID            string             `json:"id"`
	Accessor      string             `json:"accessor"`
	Header        string             `json:"header"`
	Type          string             `json:"type"`
	Sortable      bool               `json:"sortable"`
	Filterable    bool               `json:"filterable"`
	FilterVariant string             `json:"filter_variant,omitempty"`
	FilterParam   string             `json:"filter_param,omitempty"`
	Options       []OptionDescriptor `json:"options,omitempty"`
	LookupID      string             `json:"lookup_id,omitempty"`
	Format        string             `json:"format,omitempty"`
	Width         int                `json:"width,omitempty"`
	MinWidth      int                `json:"min_width,omitempty"`
	MaxWidth      int                `json:"max_width,omitempty"`
	Resizable     bool               `json:"resizable"`
	Hideable      bool               `json:"hideable"`
	Pinned        string             `json:"pinned,omitempty"`
	Dir           string             `json:"dir,omitempty"`
	Link          *LinkDescriptor    `json:"link,omitempty"`
	StatusMap     map[string]string  `json:"status_map,omitempty"`
	RowActions    []ActionDescriptor `json:"row_actions,omitempty"`
}

// LinkDescriptor describes a clickable link.
type LinkDescriptor struct {
	Route  string            `json:"route"`
	Params map[string]string `json:"params,omitempty"`
}

// OptionDescriptor is a resolved option for dropdowns and filters.
type OptionDescriptor struct {
	Label string `json:"label"`
	Value string `json:"value"`
	Icon  string `json:"icon,omitempty"`
}

// ActionDescriptor is a resolved row action sent to the frontend.
type ActionDescriptor struct {
	ID           string                  `json:"id"`
	Label        string                  `json:"label"`
	Icon         string                  `json:"icon,omitempty"`
	Style        string                  `json:"style,omitempty"`
	Variant      string                  `json:"variant"`
	Confirmation *ConfirmationDescriptor `json:"confirmation,omitempty"`
	Conditions   []ConditionDescriptor   `json:"conditions,omitempty"`
}

// ConfirmationDescriptor describes a confirmation dialog.
type ConfirmationDescriptor struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Confirm string `json:"confirm"`
	Cancel  string `json:"cancel,omitempty"`
	Style   string `json:"style,omitempty"`
}

// ConditionDescriptor describes a client-side data-dependent condition.
type ConditionDescriptor struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
	Effect   string `json:"effect"`
}

// ToolbarDescriptor carries what the toolbar needs to render its controls.
type ToolbarDescriptor struct {
	GlobalFilter       string   `json:"global_filter"`
	ExtraFilterColumns []string `json:"extra_filter_columns,omitempty"`
	StoragePrefix      string   `json:"storage_prefix"`
	// ExternalFilters are the search-state keys reset by the toolbar's
	// external reset, separate from the table's own filter clear.
	ExternalFilters []string `json:"external_filters,omitempty"`
	Exportable      bool     `json:"exportable"`
	ExportFormats   []string `json:"export_formats,omitempty"`
}

// SortingState is one entry of the table engine's sorting state.
type SortingState struct {
	ID   string `json:"id"`
	Desc bool   `json:"desc"`
}

// ColumnFilterState is one entry of the table engine's column filter state.
type ColumnFilterState struct {
	ID    string `json:"id"`
	Value any    `json:"value"`
}

// ColumnPinning lists column ids pinned to either edge.
type ColumnPinning struct {
	Left  []string `json:"left"`
	Right []string `json:"right"`
}

// InitialState is the bundle the table engine starts from.
type InitialState struct {
	PaginationIndex  int                 `json:"pagination_index"`
	PageSize         int                 `json:"page_size"`
	ColumnOrder      []string            `json:"column_order"`
	ColumnVisibility map[string]bool     `json:"column_visibility"`
	ColumnPinning    ColumnPinning       `json:"column_pinning"`
	ColumnSizing     map[string]int      `json:"column_sizing,omitempty"`
	Sorting          []SortingState      `json:"sorting,omitempty"`
	ColumnFilters    []ColumnFilterState `json:"column_filters,omitempty"`
}

// TableConfig is the table configuration computed for the current state.
type TableConfig struct {
	ListID       string             `json:"list_id"`
	Columns      []ColumnDescriptor `json:"columns"`
	Rows         []map[string]any   `json:"rows"`
	RowIDs       []string           `json:"row_ids"`
	Page         int                `json:"page"`
	PerPage      int                `json:"per_page"`
	PageCount    int                `json:"page_count"`
	Total        int                `json:"total"`
	InitialState InitialState       `json:"initial_state"`
	Toolbar      ToolbarDescriptor  `json:"toolbar"`
	IsPending    bool               `json:"is_pending"`
	Error        *ErrorEnvelope     `json:"error,omitempty"`
}

// Layout is a persisted column layout preference.
type Layout struct {
	Order      []string        `json:"order"      validate:"dive,required"`
	Visibility map[string]bool `json:"visibility"`
	Widths     map[string]int  `json:"widths"     validate:"dive,gte=0"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Notification levels.
const (
	NotifySuccess = "success"
	NotifyError   = "error"
	NotifyInfo    = "info"
)

// Notification is a transient user-visible message.
type Notification struct {
	ID        string    `json:"id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	ListID    string    `json:"list_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MutationResponse is the response from confirming a row action.
type MutationResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
	Errors  []FieldError   `json:"errors,omitempty"`
}

// SearchEcho is the immediate echo of a debounced search input.
type SearchEcho struct {
	Text      string `json:"text"`
	Committed string `json:"committed"`
	Pending   bool   `json:"pending"`
}

// LookupResponse is the response from a lookup endpoint.
type LookupResponse struct {
	Data LookupPayload  `json:"data"`
	Meta map[string]any `json:"meta,omitempty"`
}

// LookupPayload contains the lookup options.
type LookupPayload struct {
	Options []OptionDescriptor `json:"options"`
}

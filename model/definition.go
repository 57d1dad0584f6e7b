package model

// DomainDefinition is the root structure of a definition file. Each file
// declares one domain's lists and the lookups their filters draw on.
type DomainDefinition struct {
	Domain  string             `yaml:"domain"  json:"domain"`
	Version string             `yaml:"version" json:"version"`
	Lists   []ListDefinition   `yaml:"lists"   json:"lists,omitempty"`
	Lookups []LookupDefinition `yaml:"lookups" json:"lookups,omitempty"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// Default filter policies. A list names one of these explicitly; nothing is
// inferred from the columns it declares.
const (
	DefaultFilterNone        = "none"
	DefaultFilterMonthToDate = "month_to_date"
	DefaultFilterToday       = "today"
	DefaultFilterLast7Days   = "last_7_days"
)

// Filter variants.
const (
	FilterText        = "text"
	FilterNumber      = "number"
	FilterDateRange   = "date_range"
	FilterSelect      = "select"
	FilterMultiSelect = "multi_select"
)

// Cell types.
const (
	CellText     = "text"
	CellNumber   = "number"
	CellCurrency = "currency"
	CellDate     = "date"
	CellDateTime = "datetime"
	CellStatus   = "status"
	CellGeo      = "geo"
	CellLink     = "link"
	CellBoolean  = "boolean"
)

// Row action variants.
const (
	VariantEdit   = "edit"
	VariantDelete = "delete"
)

// ListDefinition describes one paginated list: its upstream endpoint, its
// columns, the row actions it offers, and the defaults its search state
// starts from.
type ListDefinition struct {
	ID           string   `yaml:"id"           json:"id"`
	Title        string   `yaml:"title"        json:"title"`
	Route        string   `yaml:"route"        json:"route"`
	Icon         string   `yaml:"icon"         json:"icon,omitempty"`
	Order        int      `yaml:"order"        json:"order"`
	Capabilities []string `yaml:"capabilities" json:"capabilities"`

	DataSource DataSourceDefinition `yaml:"data_source" json:"data_source"`
	Export     *ExportDefinition    `yaml:"export"      json:"export,omitempty"`
	Columns    []ColumnDefinition   `yaml:"columns"     json:"columns"`
	RowActions []ActionDefinition   `yaml:"row_actions" json:"row_actions,omitempty"`

	DefaultSort string `yaml:"default_sort" json:"default_sort,omitempty"`
	SortDir     string `yaml:"sort_dir"     json:"sort_dir,omitempty"`
	PageSize    int    `yaml:"page_size"    json:"page_size,omitempty"`

	// SearchDebounce is a duration string; empty uses the configured default.
	SearchDebounce string `yaml:"search_debounce" json:"search_debounce,omitempty"`
	// DefaultFilter is one of the DefaultFilter* policies.
	DefaultFilter string `yaml:"default_filter" json:"default_filter,omitempty"`
	// DateRangeParam is the search-state key holding the "fromMs,toMs" range.
	DateRangeParam string `yaml:"date_range_param" json:"date_range_param,omitempty"`

	StoragePrefix      string   `yaml:"storage_prefix"       json:"storage_prefix,omitempty"`
	ExtraFilterColumns []string `yaml:"extra_filter_columns" json:"extra_filter_columns,omitempty"`
}

// DataSourceDefinition describes how to fetch list pages from a backend service.
type DataSourceDefinition struct {
	ServiceID   string                    `yaml:"service_id"   json:"service_id"`
	OperationID string                    `yaml:"operation_id" json:"operation_id"`
	Mapping     ResponseMappingDefinition `yaml:"mapping"      json:"mapping"`
}

// Binding returns the operation binding of the data source.
func (d DataSourceDefinition) Binding() OperationBinding {
	return OperationBinding{ServiceID: d.ServiceID, OperationID: d.OperationID}
}

// ResponseMappingDefinition describes how to pull rows and paging fields out
// of a backend response. Empty paths fall back to the usual envelope keys.
type ResponseMappingDefinition struct {
	ItemsPath   string `yaml:"items_path"    json:"items_path,omitempty"`
	TotalPath   string `yaml:"total_path"    json:"total_path,omitempty"`
	PagePath    string `yaml:"page_path"     json:"page_path,omitempty"`
	PerPagePath string `yaml:"per_page_path" json:"per_page_path,omitempty"`

	// FieldAliases maps a row field to the payload keys it may arrive under,
	// tried in order.
	FieldAliases map[string][]string `yaml:"field_aliases" json:"field_aliases,omitempty"`
	Identity     IdentityDefinition  `yaml:"identity"      json:"identity"`
}

// IdentityDefinition describes how a stable row id is derived.
type IdentityDefinition struct {
	Fields    []string `yaml:"fields"    json:"fields,omitempty"`
	Composite []string `yaml:"composite" json:"composite,omitempty"`
}

// ExportDefinition enables file export for a list.
type ExportDefinition struct {
	// OperationID defaults to the data source operation.
	OperationID  string   `yaml:"operation_id" json:"operation_id,omitempty"`
	FilePrefix   string   `yaml:"file_prefix"  json:"file_prefix"`
	Capabilities []string `yaml:"capabilities" json:"capabilities,omitempty"`
	Formats      []string `yaml:"formats"      json:"formats,omitempty"`
}

// ColumnDefinition describes a table column.
type ColumnDefinition struct {
	Field         string                   `yaml:"field"          json:"field"`
	Accessor      string                   `yaml:"accessor"       json:"accessor,omitempty"`
	Label         string                   `yaml:"label"          json:"label"`
	Type          string                   `yaml:"type"           json:"type"`
	Sortable      bool                     `yaml:"sortable"       json:"sortable,omitempty"`
	Filterable    bool                     `yaml:"filterable"     json:"filterable,omitempty"`
	FilterVariant string                   `yaml:"filter_variant" json:"filter_variant,omitempty"`
	FilterParam   string                   `yaml:"filter_param"   json:"filter_param,omitempty"`
	Options       *FilterOptionsDefinition `yaml:"options"        json:"options,omitempty"`
	Format        string                   `yaml:"format"         json:"format,omitempty"`
	Width         int                      `yaml:"width"          json:"width,omitempty"`
	MinWidth      int                      `yaml:"min_width"      json:"min_width,omitempty"`
	MaxWidth      int                      `yaml:"max_width"      json:"max_width,omitempty"`
	Hidden        bool                     `yaml:"hidden"         json:"hidden,omitempty"`
	Hideable      *bool                    `yaml:"hideable"       json:"hideable,omitempty"`
	Link          *LinkDefinition          `yaml:"link"           json:"link,omitempty"`
	StatusMap     map[string]string        `yaml:"status_map"     json:"status_map,omitempty"`
}

// Param returns the search-state key this column filters on.
func (c ColumnDefinition) Param() string {
	if c.FilterParam != "" {
		return c.FilterParam
	}
	return c.Field
}

// Path returns the dotted accessor path into a row.
func (c ColumnDefinition) Path() string {
	if c.Accessor != "" {
		return c.Accessor
	}
	return c.Field
}

// LinkDefinition describes a clickable link within a table cell.
type LinkDefinition struct {
	Route  string            `yaml:"route"  json:"route"`
	Params map[string]string `yaml:"params" json:"params,omitempty"`
}

// FilterOptionsDefinition describes options for select/multi-select filters.
type FilterOptionsDefinition struct {
	LookupID string         `yaml:"lookup_id" json:"lookup_id,omitempty"`
	Static   []StaticOption `yaml:"static"    json:"static,omitempty"`
}

// StaticOption is a label/value pair for dropdowns and filters.
type StaticOption struct {
	Label string `yaml:"label" json:"label"`
	Value string `yaml:"value" json:"value"`
}

// ActionDefinition describes a row action offered in the actions column.
type ActionDefinition struct {
	ID           string            `yaml:"id"           json:"id"`
	Label        string            `yaml:"label"        json:"label"`
	Icon         string            `yaml:"icon"         json:"icon,omitempty"`
	Style        string            `yaml:"style"        json:"style,omitempty"`
	Variant      string            `yaml:"variant"      json:"variant"`
	Capabilities []string          `yaml:"capabilities" json:"capabilities"`
	Operation    *OperationBinding `yaml:"operation"    json:"operation,omitempty"`

	// PathParams maps an operation path parameter to a row field. Empty binds
	// "id" to the row identity.
	PathParams     map[string]string       `yaml:"path_params"     json:"path_params,omitempty"`
	Confirmation   *ConfirmationDefinition `yaml:"confirmation"    json:"confirmation,omitempty"`
	Conditions     []ConditionDefinition   `yaml:"conditions"      json:"conditions,omitempty"`
	SuccessMessage string                  `yaml:"success_message" json:"success_message,omitempty"`
	ErrorMap       map[string]string       `yaml:"error_map"       json:"error_map,omitempty"`
}

// ConfirmationDefinition describes a confirmation dialog.
type ConfirmationDefinition struct {
	Title   string `yaml:"title"   json:"title"`
	Message string `yaml:"message" json:"message"`
	Confirm string `yaml:"confirm" json:"confirm"`
	Cancel  string `yaml:"cancel"  json:"cancel,omitempty"`
	Style   string `yaml:"style"   json:"style,omitempty"`
}

// ConditionDefinition describes a data-dependent visibility/enablement rule.
type ConditionDefinition struct {
	Field    string `yaml:"field"    json:"field"`
	Operator string `yaml:"operator" json:"operator"`
	Value    any    `yaml:"value"    json:"value,omitempty"`
	Effect   string `yaml:"effect"   json:"effect"`
}

// OperationBinding describes the backend operation to invoke.
type OperationBinding struct {
	ServiceID   string `yaml:"service_id"   json:"service_id"`
	OperationID string `yaml:"operation_id" json:"operation_id"`
}

// LookupDefinition describes a lookup provider for filter options.
type LookupDefinition struct {
	ID          string           `yaml:"id"           json:"id"`
	Operation   OperationBinding `yaml:"operation"    json:"operation"`
	LabelField  string           `yaml:"label_field"  json:"label_field"`
	ValueField  string           `yaml:"value_field"  json:"value_field"`
	SearchField string           `yaml:"search_field" json:"search_field,omitempty"`
	Cache       *CacheConfig     `yaml:"cache"        json:"cache,omitempty"`
}

// CacheConfig describes caching settings for a lookup.
type CacheConfig struct {
	TTL   string `yaml:"ttl"   json:"ttl"`
	Scope string `yaml:"scope" json:"scope"`
}

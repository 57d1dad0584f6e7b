package definition

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/pitabwire/tabula/internal/openapi"
	"github.com/pitabwire/tabula/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator validates definitions structurally, referentially, and against OpenAPI specs.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions. The index may be nil to skip OpenAPI checks.
func (v *Validator) Validate(defs []model.DomainDefinition, index *openapi.Index) []VError {
	var errs []VError
	listIDs := make(map[string]string)
	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		for j, l := range def.Lists {
			if l.ID == "" {
				continue
			}
			if prev, dup := listIDs[l.ID]; dup {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("%s.lists[%d].id", prefix, j),
					Code:    "DUPLICATE_ID",
					Message: fmt.Sprintf("list %q already declared by %s", l.ID, prev),
				})
				continue
			}
			listIDs[l.ID] = def.Domain
		}
		errs = append(errs, v.validateDomain(prefix, def, index)...)
	}
	return errs
}

func (v *Validator) validateDomain(prefix string, def model.DomainDefinition, index *openapi.Index) []VError {
	var errs []VError

	if def.Domain == "" {
		errs = append(errs, VError{Path: prefix + ".domain", Code: "REQUIRED", Message: "domain is required"})
	}
	if def.Version == "" {
		errs = append(errs, VError{Path: prefix + ".version", Code: "REQUIRED", Message: "version is required"})
	}
	if len(def.Lists) == 0 {
		errs = append(errs, VError{Path: prefix + ".lists", Code: "REQUIRED", Message: "at least one list is required"})
	}

	lookupIDs := make(map[string]bool)
	for i, l := range def.Lookups {
		lp := fmt.Sprintf("%s.lookups[%d]", prefix, i)
		lookupIDs[l.ID] = true
		errs = append(errs, v.validateLookup(lp, l, index)...)
	}

	for i, l := range def.Lists {
		lp := fmt.Sprintf("%s.lists[%d]", prefix, i)
		errs = append(errs, v.validateList(lp, l, lookupIDs, index)...)

		if def.Domain != "" {
			for _, c := range l.Capabilities {
				if !strings.HasPrefix(c, def.Domain+":") && c != "*" {
					errs = append(errs, VError{
						Path:    lp + ".capabilities",
						Code:    "NAMESPACE_MISMATCH",
						Message: fmt.Sprintf("capability %q does not match domain %q", c, def.Domain),
					})
				}
			}
		}
	}

	return errs
}

var validDefaultFilters = map[string]bool{
	"":                             true,
	model.DefaultFilterNone:        true,
	model.DefaultFilterMonthToDate: true,
	model.DefaultFilterToday:       true,
	model.DefaultFilterLast7Days:   true,
}

var validSortDirs = map[string]bool{"": true, "asc": true, "desc": true}

func (v *Validator) validateList(prefix string, l model.ListDefinition, lookupIDs map[string]bool, index *openapi.Index) []VError {
	var errs []VError

	if l.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if l.Title == "" {
		errs = append(errs, VError{Path: prefix + ".title", Code: "REQUIRED", Message: "title is required"})
	}
	if len(l.Columns) == 0 {
		errs = append(errs, VError{Path: prefix + ".columns", Code: "REQUIRED", Message: "at least one column is required"})
	}
	if l.PageSize < 0 || l.PageSize > 200 {
		errs = append(errs, VError{Path: prefix + ".page_size", Code: "RANGE", Message: "page_size must be 0-200"})
	}
	if !validSortDirs[l.SortDir] {
		errs = append(errs, VError{Path: prefix + ".sort_dir", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid sort_dir %q", l.SortDir)})
	}
	if !validDefaultFilters[l.DefaultFilter] {
		errs = append(errs, VError{Path: prefix + ".default_filter", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid default_filter %q", l.DefaultFilter)})
	}
	if l.DefaultFilter != "" && l.DefaultFilter != model.DefaultFilterNone && l.DateRangeParam == "" {
		errs = append(errs, VError{Path: prefix + ".date_range_param", Code: "REQUIRED", Message: "date_range_param is required when default_filter is set"})
	}
	if l.SearchDebounce != "" {
		if d, err := time.ParseDuration(l.SearchDebounce); err != nil || d < 0 {
			errs = append(errs, VError{Path: prefix + ".search_debounce", Code: "INVALID_DURATION", Message: fmt.Sprintf("invalid search_debounce %q", l.SearchDebounce)})
		}
	}

	if l.DataSource.ServiceID == "" {
		errs = append(errs, VError{Path: prefix + ".data_source.service_id", Code: "REQUIRED", Message: "service_id is required"})
	}
	if l.DataSource.OperationID == "" {
		errs = append(errs, VError{Path: prefix + ".data_source.operation_id", Code: "REQUIRED", Message: "operation_id is required"})
	}

	var listOp *openapi.IndexedOperation
	if index != nil && l.DataSource.ServiceID != "" && l.DataSource.OperationID != "" {
		op, ok := index.GetOperation(l.DataSource.ServiceID, l.DataSource.OperationID)
		if !ok {
			errs = append(errs, operationNotFound(prefix+".data_source.operation_id", l.DataSource.Binding()))
		} else {
			listOp = &op
			if op.Method != "GET" {
				errs = append(errs, VError{
					Path:    prefix + ".data_source.operation_id",
					Code:    "METHOD_MISMATCH",
					Message: fmt.Sprintf("list operation %q must be GET, got %s", op.OperationID, op.Method),
				})
			}
		}
	}

	fields := make(map[string]bool, len(l.Columns))
	for i, c := range l.Columns {
		cp := fmt.Sprintf("%s.columns[%d]", prefix, i)
		if fields[c.Field] {
			errs = append(errs, VError{Path: cp + ".field", Code: "DUPLICATE_ID", Message: fmt.Sprintf("column %q declared twice", c.Field)})
		}
		fields[c.Field] = true
		errs = append(errs, v.validateColumn(cp, c, lookupIDs, listOp)...)
	}

	if l.DefaultSort != "" && !fields[l.DefaultSort] {
		errs = append(errs, VError{Path: prefix + ".default_sort", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("column %q not found", l.DefaultSort)})
	}
	for _, id := range l.ExtraFilterColumns {
		if !fields[id] {
			errs = append(errs, VError{Path: prefix + ".extra_filter_columns", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("column %q not found", id)})
		}
	}

	actionIDs := make(map[string]bool, len(l.RowActions))
	for i, a := range l.RowActions {
		ap := fmt.Sprintf("%s.row_actions[%d]", prefix, i)
		if actionIDs[a.ID] {
			errs = append(errs, VError{Path: ap + ".id", Code: "DUPLICATE_ID", Message: fmt.Sprintf("action %q declared twice", a.ID)})
		}
		actionIDs[a.ID] = true
		errs = append(errs, v.validateAction(ap, a, index)...)
	}

	if l.Export != nil {
		errs = append(errs, v.validateExport(prefix+".export", l, index)...)
	}

	return errs
}

var validCellTypes = map[string]bool{
	model.CellText: true, model.CellNumber: true, model.CellCurrency: true,
	model.CellDate: true, model.CellDateTime: true, model.CellStatus: true,
	model.CellGeo: true, model.CellLink: true, model.CellBoolean: true,
}

var validFilterVariants = map[string]bool{
	model.FilterText: true, model.FilterNumber: true, model.FilterDateRange: true,
	model.FilterSelect: true, model.FilterMultiSelect: true,
}

func (v *Validator) validateColumn(prefix string, c model.ColumnDefinition, lookupIDs map[string]bool, listOp *openapi.IndexedOperation) []VError {
	var errs []VError

	if c.Field == "" {
		errs = append(errs, VError{Path: prefix + ".field", Code: "REQUIRED", Message: "field is required"})
	}
	if c.Field == "actions" {
		errs = append(errs, VError{Path: prefix + ".field", Code: "RESERVED", Message: `"actions" is reserved for the row actions column`})
	}
	if c.Type != "" && !validCellTypes[c.Type] {
		errs = append(errs, VError{Path: prefix + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid column type %q", c.Type)})
	}
	if c.MinWidth < 0 || c.MaxWidth < 0 || c.Width < 0 {
		errs = append(errs, VError{Path: prefix + ".width", Code: "RANGE", Message: "widths must not be negative"})
	}
	if c.MinWidth > 0 && c.MaxWidth > 0 && c.MinWidth > c.MaxWidth {
		errs = append(errs, VError{Path: prefix + ".min_width", Code: "RANGE", Message: "min_width exceeds max_width"})
	}
	if c.Type == model.CellLink && c.Link == nil {
		errs = append(errs, VError{Path: prefix + ".link", Code: "REQUIRED", Message: "link is required for link columns"})
	}

	if !c.Filterable {
		return errs
	}
	if c.FilterVariant == "" {
		errs = append(errs, VError{Path: prefix + ".filter_variant", Code: "REQUIRED", Message: "filter_variant is required for filterable columns"})
	} else if !validFilterVariants[c.FilterVariant] {
		errs = append(errs, VError{Path: prefix + ".filter_variant", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid filter_variant %q", c.FilterVariant)})
	}
	if c.FilterVariant == model.FilterSelect || c.FilterVariant == model.FilterMultiSelect {
		switch {
		case c.Options == nil || (c.Options.LookupID == "" && len(c.Options.Static) == 0):
			errs = append(errs, VError{Path: prefix + ".options", Code: "REQUIRED", Message: "options are required for select filters"})
		case c.Options.LookupID != "" && !lookupIDs[c.Options.LookupID]:
			errs = append(errs, VError{Path: prefix + ".options.lookup_id", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("lookup %q not found in domain", c.Options.LookupID)})
		}
	}
	// Date-range filters are sent upstream as from_date/to_date.
	if listOp != nil && c.FilterVariant != model.FilterDateRange && !listOp.HasQueryParam(c.Param()) {
		errs = append(errs, VError{
			Path:    prefix + ".filter_param",
			Code:    "PARAM_NOT_FOUND",
			Message: fmt.Sprintf("query parameter %q not declared by %q", c.Param(), listOp.OperationID),
		})
	}

	return errs
}

var validVariants = map[string]bool{model.VariantEdit: true, model.VariantDelete: true}

func (v *Validator) validateAction(prefix string, a model.ActionDefinition, index *openapi.Index) []VError {
	var errs []VError

	if a.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if a.Label == "" {
		errs = append(errs, VError{Path: prefix + ".label", Code: "REQUIRED", Message: "label is required"})
	}
	if a.Variant == "" {
		errs = append(errs, VError{Path: prefix + ".variant", Code: "REQUIRED", Message: "variant is required"})
	} else if !validVariants[a.Variant] && !strings.HasPrefix(a.Variant, "custom:") {
		errs = append(errs, VError{Path: prefix + ".variant", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid variant %q", a.Variant)})
	}
	if a.Operation == nil {
		errs = append(errs, VError{Path: prefix + ".operation", Code: "REQUIRED", Message: "operation is required"})
		return errs
	}
	if a.Operation.ServiceID == "" || a.Operation.OperationID == "" {
		errs = append(errs, VError{Path: prefix + ".operation", Code: "REQUIRED", Message: "operation.service_id and operation.operation_id are required"})
		return errs
	}
	if index == nil {
		return errs
	}

	op, ok := index.GetOperation(a.Operation.ServiceID, a.Operation.OperationID)
	if !ok {
		return append(errs, operationNotFound(prefix+".operation.operation_id", *a.Operation))
	}
	if op.Method == "GET" {
		errs = append(errs, VError{Path: prefix + ".operation.operation_id", Code: "METHOD_MISMATCH", Message: fmt.Sprintf("row action %q must not be a GET operation", op.OperationID)})
	}
	bound := slices.Collect(maps.Keys(a.PathParams))
	if len(bound) == 0 {
		bound = []string{"id"}
	}
	for _, p := range op.PathParams() {
		if !slices.Contains(bound, p) {
			errs = append(errs, VError{Path: prefix + ".path_params", Code: "PARAM_NOT_BOUND", Message: fmt.Sprintf("path parameter %q of %q is not bound", p, op.OperationID)})
		}
	}
	return errs
}

func (v *Validator) validateExport(prefix string, l model.ListDefinition, index *openapi.Index) []VError {
	var errs []VError
	e := l.Export

	if e.FilePrefix == "" {
		errs = append(errs, VError{Path: prefix + ".file_prefix", Code: "REQUIRED", Message: "file_prefix is required"})
	}
	for _, f := range e.Formats {
		if f != "csv" && f != "xlsx" {
			errs = append(errs, VError{Path: prefix + ".formats", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid export format %q", f)})
		}
	}
	if index != nil && e.OperationID != "" && l.DataSource.ServiceID != "" {
		b := model.OperationBinding{ServiceID: l.DataSource.ServiceID, OperationID: e.OperationID}
		if _, ok := index.GetOperation(b.ServiceID, b.OperationID); !ok {
			errs = append(errs, operationNotFound(prefix+".operation_id", b))
		}
	}
	return errs
}

func (v *Validator) validateLookup(prefix string, l model.LookupDefinition, index *openapi.Index) []VError {
	var errs []VError

	if l.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if l.LabelField == "" || l.ValueField == "" {
		errs = append(errs, VError{Path: prefix, Code: "REQUIRED", Message: "label_field and value_field are required"})
	}
	if l.Cache != nil && l.Cache.TTL != "" {
		if _, err := time.ParseDuration(l.Cache.TTL); err != nil {
			errs = append(errs, VError{Path: prefix + ".cache.ttl", Code: "INVALID_DURATION", Message: fmt.Sprintf("invalid ttl %q", l.Cache.TTL)})
		}
	}
	if index != nil && l.Operation.OperationID != "" {
		if _, ok := index.GetOperation(l.Operation.ServiceID, l.Operation.OperationID); !ok {
			errs = append(errs, operationNotFound(prefix+".operation.operation_id", l.Operation))
		}
	}
	return errs
}

func operationNotFound(path string, b model.OperationBinding) VError {
	return VError{
		Path:    path,
		Code:    "OPERATION_NOT_FOUND",
		Message: fmt.Sprintf("operation %q not found in service %q", b.OperationID, b.ServiceID),
	}
}

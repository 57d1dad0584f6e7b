package definition

import (
	"testing"

	"github.com/pitabwire/tabula/internal/openapi"
	"github.com/pitabwire/tabula/model"
)

func testIndex(t *testing.T) *openapi.Index {
	t.Helper()
	idx := openapi.NewIndex()
	err := idx.Load([]openapi.SpecSource{
		{ServiceID: "customers-svc", BaseURL: "https://customers.internal", SpecPath: "../openapi/testdata/customers-svc.yaml"},
	})
	if err != nil {
		t.Fatalf("loading openapi index: %v", err)
	}
	return idx
}

func loadCustomers(t *testing.T) model.DomainDefinition {
	t.Helper()
	def, err := NewLoader().LoadFile("testdata/customers/definition.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	return def
}

func hasCode(errs []VError, code string) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}

func TestValidator_valid_definition(t *testing.T) {
	errs := NewValidator().Validate([]model.DomainDefinition{loadCustomers(t)}, testIndex(t))
	if len(errs) != 0 {
		t.Errorf("Validate() errors = %v, want none", errs)
	}
}

func TestValidator_nil_index_skips_openapi(t *testing.T) {
	def := loadCustomers(t)
	def.Lists[0].DataSource.OperationID = "doesNotExist"
	if errs := NewValidator().Validate([]model.DomainDefinition{def}, nil); len(errs) != 0 {
		t.Errorf("Validate() errors = %v, want none without index", errs)
	}
}

func TestValidator_missing_required(t *testing.T) {
	errs := NewValidator().Validate([]model.DomainDefinition{{}}, nil)
	want := map[string]bool{"definitions[0].domain": false, "definitions[0].version": false, "definitions[0].lists": false}
	for _, e := range errs {
		if _, ok := want[e.Path]; ok {
			want[e.Path] = true
		}
	}
	for path, seen := range want {
		if !seen {
			t.Errorf("missing error for %s", path)
		}
	}
}

func TestValidator_operation_not_found(t *testing.T) {
	def := loadCustomers(t)
	def.Lists[0].DataSource.OperationID = "listDrivers"
	errs := NewValidator().Validate([]model.DomainDefinition{def}, testIndex(t))
	if !hasCode(errs, "OPERATION_NOT_FOUND") {
		t.Errorf("Validate() errors = %v, want OPERATION_NOT_FOUND", errs)
	}
}

func TestValidator_list_operation_must_be_get(t *testing.T) {
	def := loadCustomers(t)
	def.Lists[0].DataSource.OperationID = "deleteCustomer"
	errs := NewValidator().Validate([]model.DomainDefinition{def}, testIndex(t))
	if !hasCode(errs, "METHOD_MISMATCH") {
		t.Errorf("Validate() errors = %v, want METHOD_MISMATCH", errs)
	}
}

func TestValidator_filter_param_not_declared(t *testing.T) {
	def := loadCustomers(t)
	def.Lists[0].Columns[1].Filterable = true
	def.Lists[0].Columns[1].FilterVariant = model.FilterText
	errs := NewValidator().Validate([]model.DomainDefinition{def}, testIndex(t))
	if !hasCode(errs, "PARAM_NOT_FOUND") {
		t.Errorf("Validate() errors = %v, want PARAM_NOT_FOUND for phone", errs)
	}
}

func TestValidator_invalid_default_filter(t *testing.T) {
	def := loadCustomers(t)
	def.Lists[0].DefaultFilter = "year_to_date"
	errs := NewValidator().Validate([]model.DomainDefinition{def}, nil)
	if !hasCode(errs, "INVALID_ENUM") {
		t.Errorf("Validate() errors = %v, want INVALID_ENUM", errs)
	}
}

func TestValidator_default_filter_requires_param(t *testing.T) {
	def := loadCustomers(t)
	def.Lists[0].DateRangeParam = ""
	errs := NewValidator().Validate([]model.DomainDefinition{def}, nil)
	found := false
	for _, e := range errs {
		if e.Path == "definitions[0].lists[0].date_range_param" {
			found = true
		}
	}
	if !found {
		t.Errorf("Validate() errors = %v, want date_range_param error", errs)
	}
}

func TestValidator_duplicate_list_ids(t *testing.T) {
	a := loadCustomers(t)
	b := loadCustomers(t)
	errs := NewValidator().Validate([]model.DomainDefinition{a, b}, nil)
	if !hasCode(errs, "DUPLICATE_ID") {
		t.Errorf("Validate() errors = %v, want DUPLICATE_ID", errs)
	}
}

func TestValidator_reserved_actions_column(t *testing.T) {
	def := loadCustomers(t)
	def.Lists[0].Columns[0].Field = "actions"
	errs := NewValidator().Validate([]model.DomainDefinition{def}, nil)
	if !hasCode(errs, "RESERVED") {
		t.Errorf("Validate() errors = %v, want RESERVED", errs)
	}
}

func TestValidator_select_without_options(t *testing.T) {
	def := loadCustomers(t)
	def.Lists[0].Columns[2].Options = nil
	errs := NewValidator().Validate([]model.DomainDefinition{def}, nil)
	if !hasCode(errs, "REQUIRED") {
		t.Errorf("Validate() errors = %v, want REQUIRED options", errs)
	}
}

func TestValidator_unknown_lookup(t *testing.T) {
	def := loadCustomers(t)
	def.Lists[0].Columns[2].Options = &model.FilterOptionsDefinition{LookupID: "customers.segments"}
	errs := NewValidator().Validate([]model.DomainDefinition{def}, nil)
	if !hasCode(errs, "REF_NOT_FOUND") {
		t.Errorf("Validate() errors = %v, want REF_NOT_FOUND", errs)
	}
}

func TestValidator_action_unbound_path_param(t *testing.T) {
	def := loadCustomers(t)
	def.Lists[0].RowActions[0].Operation = &model.OperationBinding{ServiceID: "customers-svc", OperationID: "blockCustomer"}
	def.Lists[0].RowActions[0].PathParams = map[string]string{"customer": "id"}
	errs := NewValidator().Validate([]model.DomainDefinition{def}, testIndex(t))
	if !hasCode(errs, "PARAM_NOT_BOUND") {
		t.Errorf("Validate() errors = %v, want PARAM_NOT_BOUND", errs)
	}
}

func TestValidator_action_get_rejected(t *testing.T) {
	def := loadCustomers(t)
	def.Lists[0].RowActions[0].Operation = &model.OperationBinding{ServiceID: "customers-svc", OperationID: "listCustomers"}
	errs := NewValidator().Validate([]model.DomainDefinition{def}, testIndex(t))
	if !hasCode(errs, "METHOD_MISMATCH") {
		t.Errorf("Validate() errors = %v, want METHOD_MISMATCH", errs)
	}
}

func TestValidator_capability_namespace(t *testing.T) {
	def := loadCustomers(t)
	def.Lists[0].Capabilities = []string{"trips:list:view"}
	errs := NewValidator().Validate([]model.DomainDefinition{def}, nil)
	if !hasCode(errs, "NAMESPACE_MISMATCH") {
		t.Errorf("Validate() errors = %v, want NAMESPACE_MISMATCH", errs)
	}
}

func TestValidator_export_format(t *testing.T) {
	def := loadCustomers(t)
	def.Lists[0].Export.Formats = []string{"pdf"}
	errs := NewValidator().Validate([]model.DomainDefinition{def}, nil)
	if !hasCode(errs, "INVALID_ENUM") {
		t.Errorf("Validate() errors = %v, want INVALID_ENUM", errs)
	}
}

func TestVError_Error(t *testing.T) {
	e := VError{Path: "definitions[0].lists[0].id", Code: "REQUIRED", Message: "id is required"}
	if got := e.Error(); got != "definitions[0].lists[0].id: id is required" {
		t.Errorf("Error() = %q", got)
	}
}

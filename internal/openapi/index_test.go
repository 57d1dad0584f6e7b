package openapi

import (
	"slices"
	"testing"
)

func loadTestIndex(t *testing.T) *Index {
	t.Helper()
	idx := NewIndex()
	err := idx.Load([]SpecSource{
		{ServiceID: "customers-svc", BaseURL: "https://customers.internal", SpecPath: "testdata/customers-svc.yaml"},
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return idx
}

func TestIndex_Load(t *testing.T) {
	idx := loadTestIndex(t)
	want := []string{"blockCustomer", "deleteCustomer", "listCustomers", "updateCustomer"}
	if got := idx.AllOperationIDs("customers-svc"); !slices.Equal(got, want) {
		t.Errorf("AllOperationIDs() = %v, want %v", got, want)
	}
	if !idx.Loaded() {
		t.Error("Loaded() = false, want true")
	}
	if got := idx.Services(); !slices.Equal(got, []string{"customers-svc"}) {
		t.Errorf("Services() = %v", got)
	}
}

func TestIndex_GetOperation(t *testing.T) {
	idx := loadTestIndex(t)

	op, ok := idx.GetOperation("customers-svc", "listCustomers")
	if !ok {
		t.Fatal("GetOperation(listCustomers) not found")
	}
	if op.Method != "GET" {
		t.Errorf("Method = %q, want GET", op.Method)
	}
	if op.PathTemplate != "/customers" {
		t.Errorf("PathTemplate = %q, want /customers", op.PathTemplate)
	}
	if op.BaseURL != "https://customers.internal" {
		t.Errorf("BaseURL = %q, want configured base URL", op.BaseURL)
	}
	if !op.HasQueryParam("from_date") || op.HasQueryParam("tenant") {
		t.Errorf("QueryParams() = %v", op.QueryParams())
	}

	if _, ok := idx.GetOperation("customers-svc", "nope"); ok {
		t.Error("GetOperation(nope) found, want missing")
	}
	if _, ok := idx.GetOperation("drivers-svc", "listCustomers"); ok {
		t.Error("GetOperation on unknown service found, want missing")
	}
}

func TestIndex_path_level_parameters(t *testing.T) {
	idx := loadTestIndex(t)

	op, _ := idx.GetOperation("customers-svc", "deleteCustomer")
	if op.Method != "DELETE" {
		t.Errorf("Method = %q, want DELETE", op.Method)
	}
	if got := op.PathParams(); !slices.Equal(got, []string{"id"}) {
		t.Errorf("PathParams() = %v, want [id]", got)
	}
}

func TestIndex_ValidateRequest(t *testing.T) {
	idx := loadTestIndex(t)

	if errs := idx.ValidateRequest("customers-svc", "updateCustomer", map[string]any{"name": "Amina"}); len(errs) != 0 {
		t.Errorf("valid body errors = %v", errs)
	}

	errs := idx.ValidateRequest("customers-svc", "updateCustomer", map[string]any{"status": "gone"})
	if len(errs) < 2 {
		t.Fatalf("errors = %v, want missing name and bad enum", errs)
	}

	if errs := idx.ValidateRequest("customers-svc", "deleteCustomer", nil); errs != nil {
		t.Errorf("no-body operation errors = %v, want nil", errs)
	}
	if errs := idx.ValidateRequest("customers-svc", "missing", nil); len(errs) != 1 {
		t.Errorf("unknown operation errors = %v, want 1", errs)
	}
}

func TestIndex_LoadData_base_url_from_spec(t *testing.T) {
	idx := NewIndex()
	spec := []byte(`
openapi: 3.0.3
info: {title: Trips, version: "1"}
servers:
  - url: https://trips.example.com
paths:
  /trips:
    get:
      operationId: listTrips
      responses:
        "200": {description: ok}
`)
	if err := idx.LoadData("trips-svc", "", spec); err != nil {
		t.Fatalf("LoadData() error = %v", err)
	}
	op, ok := idx.GetOperation("trips-svc", "listTrips")
	if !ok {
		t.Fatal("listTrips not indexed")
	}
	if op.BaseURL != "https://trips.example.com" {
		t.Errorf("BaseURL = %q, want server URL from spec", op.BaseURL)
	}
}

func TestIndex_Load_bad_file(t *testing.T) {
	idx := NewIndex()
	if err := idx.Load([]SpecSource{{ServiceID: "x", SpecPath: "testdata/missing.yaml"}}); err == nil {
		t.Fatal("Load() with missing file should fail")
	}
}

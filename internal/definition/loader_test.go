package definition

import (
	"testing"

	"github.com/pitabwire/tabula/model"
)

func TestLoader_LoadFile(t *testing.T) {
	l := NewLoader()
	def, err := l.LoadFile("testdata/customers/definition.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if def.Domain != "customers" {
		t.Errorf("Domain = %q, want customers", def.Domain)
	}
	if def.Version != "1.0.0" {
		t.Errorf("Version = %q, want 1.0.0", def.Version)
	}
	if len(def.Lists) != 1 {
		t.Fatalf("Lists = %d, want 1", len(def.Lists))
	}

	list := def.Lists[0]
	if list.ID != "customers.list" {
		t.Errorf("List.ID = %q, want customers.list", list.ID)
	}
	if list.DefaultFilter != model.DefaultFilterMonthToDate {
		t.Errorf("DefaultFilter = %q, want %q", list.DefaultFilter, model.DefaultFilterMonthToDate)
	}
	if got := list.DataSource.Mapping.FieldAliases["name"]; len(got) != 3 || got[1] != "full_name" {
		t.Errorf("FieldAliases[name] = %v", got)
	}
	if len(list.Columns) != 5 {
		t.Errorf("Columns = %d, want 5", len(list.Columns))
	}
	if len(list.RowActions) != 2 {
		t.Fatalf("RowActions = %d, want 2", len(list.RowActions))
	}
	if list.RowActions[1].ErrorMap["Customer has open trips"] != "customers.errors.open_trips" {
		t.Errorf("ErrorMap = %v", list.RowActions[1].ErrorMap)
	}
	if list.Export == nil || list.Export.FilePrefix != "customers" {
		t.Errorf("Export = %+v", list.Export)
	}
	if def.Checksum == "" {
		t.Error("Checksum should not be empty")
	}
	if def.SourceFile != "testdata/customers/definition.yaml" {
		t.Errorf("SourceFile = %q", def.SourceFile)
	}
}

func TestLoader_LoadFile_not_found(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("LoadFile() with missing file should return error")
	}
}

func TestLoader_LoadFile_invalid_yaml(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/invalid/bad.yaml")
	if err == nil {
		t.Fatal("LoadFile() with invalid YAML should return error")
	}
}

func TestLoader_Parse_unknown_field(t *testing.T) {
	l := NewLoader()
	_, err := l.Parse([]byte("domain: x\nversion: '1'\nlists:\n  - id: a\n    colums: []\n"))
	if err == nil {
		t.Fatal("Parse() with unknown field should return error")
	}
}

func TestLoader_Parse_checksum_stable(t *testing.T) {
	l := NewLoader()
	data := []byte("domain: x\nversion: '1'\n")
	a, err := l.Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	b, _ := l.Parse(data)
	if a.Checksum != b.Checksum {
		t.Errorf("checksums differ: %q vs %q", a.Checksum, b.Checksum)
	}
}

func TestLoader_LoadAll(t *testing.T) {
	l := NewLoader()
	defs, err := l.LoadAll([]string{"testdata/customers"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("LoadAll() returned %d definitions, want 1", len(defs))
	}
	if defs[0].Domain != "customers" {
		t.Errorf("Domain = %q, want customers", defs[0].Domain)
	}
}

func TestLoader_LoadAll_invalid_dir(t *testing.T) {
	l := NewLoader()
	if _, err := l.LoadAll([]string{"testdata/does-not-exist"}); err == nil {
		t.Fatal("LoadAll() with missing directory should return error")
	}
}

func TestLoader_LoadAll_propagates_parse_error(t *testing.T) {
	l := NewLoader()
	if _, err := l.LoadAll([]string{"testdata/invalid"}); err == nil {
		t.Fatal("LoadAll() over invalid YAML should return error")
	}
}

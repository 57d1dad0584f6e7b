// Package normalize turns loosely shaped upstream list payloads into strict
// rows with stable identities.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/pitabwire/tabula/model"
)

// defaultIdentity is tried when a list declares no identity fields.
var defaultIdentity = []string{"id", "uuid", "code"}

// Normalizer maps payload items of one list into rows.
type Normalizer struct {
	mapping model.ResponseMappingDefinition
	columns []model.ColumnDefinition
}

// New creates a Normalizer for def.
func New(def model.ListDefinition) *Normalizer {
	return &Normalizer{mapping: def.DataSource.Mapping, columns: def.Columns}
}

// Row normalizes one payload item. Unknown keys are kept; aliased fields are
// filled from the first alias present; column values are coerced to their
// cell type.
func (n *Normalizer) Row(item map[string]any) model.Row {
	values := make(map[string]any, len(item)+len(n.columns))
	maps.Copy(values, item)

	for field, aliases := range n.mapping.FieldAliases {
		if present(values[field]) {
			continue
		}
		for _, alias := range aliases {
			if v := Lookup(item, alias); present(v) {
				values[field] = v
				break
			}
		}
	}

	for _, col := range n.columns {
		v, ok := values[col.Field]
		if !ok || col.Accessor != "" {
			v = Lookup(values, col.Path())
		}
		if v == nil {
			continue
		}
		values[col.Field] = Coerce(col.Type, v)
	}

	return model.Row{ID: n.identity(values), Values: values}
}

// Rows normalizes items and makes their ids unique within the page. A
// repeated id gets a positional suffix so identical items stay addressable.
func (n *Normalizer) Rows(items []map[string]any) []model.Row {
	rows := make([]model.Row, 0, len(items))
	seen := make(map[string]int, len(items))
	for _, item := range items {
		row := n.Row(item)
		if c := seen[row.ID]; c > 0 {
			seen[row.ID] = c + 1
			row.ID = row.ID + "#" + strconv.Itoa(c)
		} else {
			seen[row.ID] = 1
		}
		rows = append(rows, row)
	}
	return rows
}

func (n *Normalizer) identity(values map[string]any) string {
	fields := n.mapping.Identity.Fields
	if len(fields) == 0 {
		fields = defaultIdentity
	}
	for _, f := range fields {
		if s := scalar(Lookup(values, f)); s != "" {
			return s
		}
	}

	if comp := n.mapping.Identity.Composite; len(comp) > 0 {
		parts := make([]string, len(comp))
		found := false
		for i, f := range comp {
			parts[i] = scalar(Lookup(values, f))
			found = found || parts[i] != ""
		}
		if found {
			return strings.Join(parts, "|")
		}
	}

	// encoding/json writes map keys sorted, so equal rows hash equally.
	b, err := json.Marshal(values)
	if err != nil {
		b = []byte(fmt.Sprint(values))
	}
	sum := sha256.Sum256(b)
	return "h_" + hex.EncodeToString(sum[:16])
}

// Lookup navigates a dot-separated path through nested maps.
func Lookup(data map[string]any, path string) any {
	if path == "" || data == nil {
		return nil
	}
	if v, ok := data[path]; ok {
		return v
	}
	var current any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

// Coerce converts v to the Go type the cell type renders from: float64 for
// numbers, bool for booleans, RFC 3339 strings for timestamps, strings for
// text. Values that cannot be converted are returned unchanged.
func Coerce(cellType string, v any) any {
	switch cellType {
	case model.CellNumber, model.CellCurrency:
		if f, ok := toFloat(v); ok {
			return f
		}
	case model.CellBoolean:
		if b, ok := toBool(v); ok {
			return b
		}
	case model.CellDate, model.CellDateTime:
		if t, ok := toTime(v); ok {
			if cellType == model.CellDate {
				return t.Format("2006-01-02")
			}
			return t.Format(time.RFC3339)
		}
	case model.CellText, model.CellStatus, model.CellLink:
		if s := scalar(v); s != "" {
			return s
		}
	}
	return v
}

func present(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	}
	return true
}

// scalar formats a scalar value as a string; composite values yield "".
func scalar(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.ReplaceAll(x, ",", "")), 64)
		return f, err == nil
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case float64:
		return x != 0, true
	case int:
		return x != 0, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		return b, err == nil
	}
	return false, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// toTime accepts epoch milliseconds or common timestamp layouts and returns UTC.
func toTime(v any) (time.Time, bool) {
	if f, ok := v.(float64); ok {
		return time.UnixMilli(int64(f)).UTC(), true
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

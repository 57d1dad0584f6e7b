package searchstate

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pitabwire/tabula/model"
)

// reserved keys never appear in a FilterSet.
var reserved = map[string]bool{
	model.ParamPage:      true,
	model.ParamPerPage:   true,
	model.ParamQuery:     true,
	model.ParamSort:      true,
	model.ParamDirection: true,
	model.ParamFromDate:  true,
	model.ParamToDate:    true,
}

// FilterSet returns the entity filters of state: everything except paging,
// sorting, free text and the given date-range keys.
func FilterSet(state model.SearchState, dateRangeKeys ...string) map[string]any {
	out := make(map[string]any)
	for k, v := range state {
		if reserved[k] || slices.Contains(dateRangeKeys, k) {
			continue
		}
		out[k] = v
	}
	return out
}

// Defaults describes the starting state of one list.
type Defaults struct {
	PerPage        int
	Sort           string
	Direction      string
	Policy         string
	DateRangeParam string
	Location       *time.Location
}

// DefaultsFor derives list defaults from its definition. perPage applies when
// the definition sets no page size.
func DefaultsFor(def model.ListDefinition, perPage int, loc *time.Location) Defaults {
	d := Defaults{
		PerPage:        perPage,
		Sort:           def.DefaultSort,
		Direction:      def.SortDir,
		Policy:         def.DefaultFilter,
		DateRangeParam: def.DateRangeParam,
		Location:       loc,
	}
	if def.PageSize > 0 {
		d.PerPage = def.PageSize
	}
	if d.PerPage <= 0 {
		d.PerPage = model.DefaultPerPage
	}
	if d.Sort != "" && d.Direction == "" {
		d.Direction = "asc"
	}
	return d
}

// State builds the initial search state as of now.
func (d Defaults) State(now time.Time) model.SearchState {
	s := model.SearchState{
		model.ParamPage:    model.DefaultPage,
		model.ParamPerPage: d.PerPage,
	}
	if d.Sort != "" {
		s[model.ParamSort] = d.Sort
		s[model.ParamDirection] = d.Direction
	}
	if d.DateRangeParam != "" {
		if r := PolicyRange(d.Policy, now, d.Location); r != "" {
			s[d.DateRangeParam] = r
		}
	}
	return s
}

// QueryParams derives the upstream query parameters from state. Date-range
// values become from_date/to_date; multi-valued filters are comma-joined.
// Keys are emitted only when set.
func QueryParams(state model.SearchState, dateRangeKeys []string, loc *time.Location) (map[string]string, error) {
	q := map[string]string{
		model.ParamPage:    strconv.Itoa(state.Page()),
		model.ParamPerPage: strconv.Itoa(state.PerPage()),
	}
	for _, k := range []string{model.ParamQuery, model.ParamSort, model.ParamDirection} {
		if v := state.String(k); v != "" {
			q[k] = v
		}
	}
	for k, v := range FilterSet(state, dateRangeKeys...) {
		if s := stringify(v); s != "" {
			q[k] = s
		}
	}
	for _, k := range dateRangeKeys {
		raw := state.String(k)
		if raw == "" {
			continue
		}
		r, err := ParseDateRange(raw, loc)
		if err != nil {
			return nil, model.NewBadRequestError(err.Error())
		}
		if r.From != "" {
			q[model.ParamFromDate] = r.From
		}
		if r.To != "" {
			q[model.ParamToDate] = r.To
		}
		break
	}
	return q, nil
}

// Key is a canonical encoding of query parameters, equal for equal inputs.
// Keys and values are escaped, so distinct inputs never share a key.
func Key(params map[string]string) string {
	v := make(url.Values, len(params))
	for k, val := range params {
		v.Set(k, val)
	}
	return v.Encode()
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []string:
		return strings.Join(x, ",")
	case []any:
		parts := make([]string, 0, len(x))
		for _, p := range x {
			if s := stringify(p); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ",")
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

package model

import (
	"fmt"
	"maps"
	"strconv"
	"time"
)

// Reserved search-state keys.
const (
	ParamPage      = "page"
	ParamPerPage   = "per_page"
	ParamQuery     = "q"
	ParamSort      = "sort"
	ParamDirection = "direction"
	ParamFromDate  = "from_date"
	ParamToDate    = "to_date"
)

// Paging defaults applied when the state or the server omits them.
const (
	DefaultPage    = 1
	DefaultPerPage = 25
)

// SearchState maps parameter names to values: ints, strings, or "fromMs,toMs"
// date ranges. A valid state always carries page >= 1 and per_page > 0.
type SearchState map[string]any

// Clone returns a shallow copy.
func (s SearchState) Clone() SearchState {
	out := make(SearchState, len(s))
	maps.Copy(out, s)
	return out
}

// Int returns the value under key as an int, or def when absent or not numeric.
func (s SearchState) Int(key string, def int) int {
	switch v := s[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// String returns the value under key formatted as a string, or "" when absent.
func (s SearchState) String(key string) string {
	switch v := s[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Page returns the current 1-based page.
func (s SearchState) Page() int {
	if p := s.Int(ParamPage, DefaultPage); p >= 1 {
		return p
	}
	return DefaultPage
}

// PerPage returns the current page size.
func (s SearchState) PerPage() int {
	if n := s.Int(ParamPerPage, DefaultPerPage); n > 0 {
		return n
	}
	return DefaultPerPage
}

// Row is one normalized record. ID is stable across refetches.
type Row struct {
	ID     string         `json:"id"`
	Values map[string]any `json:"values"`
}

// PageResult is the normalized paginated response envelope.
type PageResult struct {
	Rows        []Row  `json:"rows"`
	Total       int    `json:"total"`
	Page        int    `json:"page"`
	PerPage     int    `json:"per_page"`
	NextPageURL string `json:"next_page_url,omitempty"`
}

// RowAction is the armed signal identifying which row and which operation a
// user invoked. Token distinguishes one arming from the next.
type RowAction struct {
	Token    string    `json:"token"`
	ListID   string    `json:"list_id"`
	Row      Row       `json:"row"`
	ActionID string    `json:"action_id"`
	Variant  string    `json:"variant"`
	ArmedAt  time.Time `json:"armed_at"`
}

package searchstate

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pitabwire/tabula/model"
)

const isoDate = "2006-01-02"

// DateRange holds inclusive YYYY-MM-DD bounds. An empty bound is unbounded.
type DateRange struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// IsZero reports whether both bounds are open.
func (r DateRange) IsZero() bool { return r.From == "" && r.To == "" }

// ParseDateRange parses a "fromMs,toMs" value into calendar dates in loc.
// Either side may be empty. Sides already written as YYYY-MM-DD are accepted
// unchanged, so parsing is idempotent.
func ParseDateRange(s string, loc *time.Location) (DateRange, error) {
	if loc == nil {
		loc = time.UTC
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return DateRange{}, nil
	}
	fromRaw, toRaw, _ := strings.Cut(s, ",")

	from, err := parseBound(fromRaw, loc)
	if err != nil {
		return DateRange{}, fmt.Errorf("searchstate: date range %q: from: %w", s, err)
	}
	to, err := parseBound(toRaw, loc)
	if err != nil {
		return DateRange{}, fmt.Errorf("searchstate: date range %q: to: %w", s, err)
	}
	if from != "" && to != "" && from > to {
		from, to = to, from
	}
	return DateRange{From: from, To: to}, nil
}

func parseBound(raw string, loc *time.Location) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" || raw == "undefined" {
		return "", nil
	}
	if _, err := time.ParseInLocation(isoDate, raw, loc); err == nil {
		return raw, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return "", fmt.Errorf("not epoch milliseconds or a date: %q", raw)
	}
	return time.UnixMilli(ms).In(loc).Format(isoDate), nil
}

// String serializes the range back to "fromMs,toMs": From as the start of its
// day and To as the last millisecond of its day, both in loc.
func (r DateRange) String(loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	var from, to string
	if r.From != "" {
		if d, err := time.ParseInLocation(isoDate, r.From, loc); err == nil {
			from = strconv.FormatInt(d.UnixMilli(), 10)
		}
	}
	if r.To != "" {
		if d, err := time.ParseInLocation(isoDate, r.To, loc); err == nil {
			to = strconv.FormatInt(d.AddDate(0, 0, 1).UnixMilli()-1, 10)
		}
	}
	if from == "" && to == "" {
		return ""
	}
	return from + "," + to
}

// FormatRange encodes [from, to] as "fromMs,toMs".
func FormatRange(from, to time.Time) string {
	return strconv.FormatInt(from.UnixMilli(), 10) + "," + strconv.FormatInt(to.UnixMilli(), 10)
}

// PolicyRange returns the range a default filter policy starts from, or ""
// for none. Days are computed in loc.
func PolicyRange(policy string, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	endOfDay := startOfDay.AddDate(0, 0, 1).Add(-time.Millisecond)

	switch policy {
	case model.DefaultFilterMonthToDate:
		return FormatRange(time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc), endOfDay)
	case model.DefaultFilterToday:
		return FormatRange(startOfDay, endOfDay)
	case model.DefaultFilterLast7Days:
		return FormatRange(startOfDay.AddDate(0, 0, -6), endOfDay)
	default:
		return ""
	}
}

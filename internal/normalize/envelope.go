package normalize

import (
	"github.com/pitabwire/tabula/model"
)

// Envelope key fallbacks, tried in order after any configured path.
var (
	itemKeys    = []string{"data", "items", "results"}
	totalKeys   = []string{"total", "total_count", "meta.total"}
	pageKeys    = []string{"current_page", "page", "meta.current_page"}
	perPageKeys = []string{"per_page", "page_size", "meta.per_page"}
	nextKeys    = []string{"next_page_url", "links.next", "meta.next_page_url"}
)

// Page is a decoded page envelope. The Has flags record which paging fields
// the upstream actually sent.
type Page struct {
	Rows        []model.Row
	Total       int
	Page        int
	PerPage     int
	NextPageURL string

	HasTotal   bool
	HasPage    bool
	HasPerPage bool
}

// Page decodes a response body. A bare array is treated as the item list.
// Rows is never nil.
func (n *Normalizer) Page(body any) Page {
	var items []map[string]any
	var env map[string]any

	switch b := body.(type) {
	case []any:
		items = toMapSlice(b)
	case map[string]any:
		env = b
		items = toMapSlice(first(env, n.mapping.ItemsPath, itemKeys))
	}

	p := Page{Rows: n.Rows(items)}
	if env == nil {
		return p
	}
	p.Total, p.HasTotal = intAt(env, n.mapping.TotalPath, totalKeys)
	p.Page, p.HasPage = intAt(env, n.mapping.PagePath, pageKeys)
	p.PerPage, p.HasPerPage = intAt(env, n.mapping.PerPagePath, perPageKeys)
	p.NextPageURL = scalar(first(env, "", nextKeys))
	return p
}

// Resolve fills the paging fields the upstream omitted, first from last and
// then from the defaults: page 1, per_page 25, total 0.
func (p Page) Resolve(last *model.PageResult) model.PageResult {
	out := model.PageResult{
		Rows:        p.Rows,
		Total:       p.Total,
		Page:        p.Page,
		PerPage:     p.PerPage,
		NextPageURL: p.NextPageURL,
	}
	if out.Rows == nil {
		out.Rows = []model.Row{}
	}
	if !p.HasTotal {
		out.Total = 0
		if last != nil {
			out.Total = last.Total
		}
	}
	if !p.HasPage || out.Page < 1 {
		out.Page = model.DefaultPage
		if last != nil && last.Page >= 1 {
			out.Page = last.Page
		}
	}
	if !p.HasPerPage || out.PerPage < 1 {
		out.PerPage = model.DefaultPerPage
		if last != nil && last.PerPage >= 1 {
			out.PerPage = last.PerPage
		}
	}
	return out
}

func first(env map[string]any, configured string, keys []string) any {
	if configured != "" {
		if v := Lookup(env, configured); v != nil {
			return v
		}
	}
	for _, k := range keys {
		if v := Lookup(env, k); v != nil {
			return v
		}
	}
	return nil
}

func intAt(env map[string]any, configured string, keys []string) (int, bool) {
	v := first(env, configured, keys)
	if v == nil {
		return 0, false
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func toMapSlice(v any) []map[string]any {
	slice, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(slice))
	for _, item := range slice {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

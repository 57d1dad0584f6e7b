// Package columns builds the column model of a list table.
package columns

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pitabwire/tabula/internal/locale"
	"github.com/pitabwire/tabula/internal/normalize"
	"github.com/pitabwire/tabula/model"
)

// ActionsID is the id of the trailing row actions column.
const ActionsID = "actions"

// Column sizing in pixels.
const (
	charWidth       = 8
	cellPadding     = 32
	defaultMinWidth = 80
	defaultMaxWidth = 400
	actionsWidth    = 120
)

// Pinning edges.
const (
	PinLeft  = "left"
	PinRight = "right"
)

// Input is everything the column model depends on.
type Input struct {
	List      model.ListDefinition
	Caps      model.CapabilitySet
	Rows      []model.Row
	Direction string
	Localizer *locale.Localizer
}

// Build returns the columns of in.List in declaration order followed by the
// actions column when any row action is permitted. Build is pure.
func Build(in Input) []model.ColumnDescriptor {
	cols := make([]model.ColumnDescriptor, 0, len(in.List.Columns)+1)
	for _, def := range in.List.Columns {
		cols = append(cols, column(def, in))
	}

	if actions := Actions(in.Caps, in.List.RowActions, in.Localizer); len(actions) > 0 {
		cols = append(cols, model.ColumnDescriptor{
			ID:         ActionsID,
			Accessor:   ActionsID,
			Header:     in.Localizer.Fallback("columns.actions", "Actions"),
			Type:       ActionsID,
			Width:      actionsWidth,
			MinWidth:   actionsWidth,
			MaxWidth:   actionsWidth,
			Resizable:  false,
			Hideable:   false,
			Pinned:     TrailingEdge(in.Direction),
			RowActions: actions,
		})
	}
	return cols
}

// TrailingEdge returns the pinning edge at the end of a row: right in
// left-to-right layouts and left in right-to-left ones.
func TrailingEdge(direction string) string {
	if direction == model.DirectionRTL {
		return PinLeft
	}
	return PinRight
}

func column(def model.ColumnDefinition, in Input) model.ColumnDescriptor {
	header := def.Label
	if header == "" {
		header = "columns." + def.Field
	}
	desc := model.ColumnDescriptor{
		ID:         def.Field,
		Accessor:   def.Path(),
		Header:     in.Localizer.Fallback(header, humanize(def.Field, def.Label)),
		Type:       def.Type,
		Sortable:   def.Sortable,
		Filterable: def.Filterable,
		Format:     def.Format,
		MinWidth:   def.MinWidth,
		MaxWidth:   def.MaxWidth,
		Resizable:  true,
		Hideable:   def.Hideable == nil || *def.Hideable,
		StatusMap:  def.StatusMap,
	}
	if desc.Type == "" {
		desc.Type = model.CellText
	}
	if ltrOnly(desc.Type) {
		desc.Dir = model.DirectionLTR
	}
	if def.Filterable {
		desc.FilterVariant = filterVariant(def)
		desc.FilterParam = def.Param()
	}
	if opts := def.Options; opts != nil {
		desc.LookupID = opts.LookupID
		for _, o := range opts.Static {
			desc.Options = append(desc.Options, model.OptionDescriptor{
				Label: in.Localizer.Text(o.Label, nil),
				Value: o.Value,
			})
		}
	}
	if def.Link != nil {
		desc.Link = &model.LinkDescriptor{Route: def.Link.Route, Params: def.Link.Params}
	}

	if desc.MinWidth <= 0 {
		desc.MinWidth = defaultMinWidth
	}
	if desc.MaxWidth <= 0 {
		desc.MaxWidth = defaultMaxWidth
	}
	desc.Width = def.Width
	if desc.Width <= 0 {
		desc.Width = fitWidth(desc, in.Rows)
	}
	return desc
}

// ltrOnly reports whether cells of this type always render left to right.
func ltrOnly(cellType string) bool {
	switch cellType {
	case model.CellNumber, model.CellCurrency, model.CellGeo:
		return true
	}
	return false
}

func filterVariant(def model.ColumnDefinition) string {
	if def.FilterVariant != "" {
		return def.FilterVariant
	}
	switch def.Type {
	case model.CellDate, model.CellDateTime:
		return model.FilterDateRange
	case model.CellNumber, model.CellCurrency:
		return model.FilterNumber
	}
	if def.Options != nil {
		return model.FilterSelect
	}
	return model.FilterText
}

// fitWidth sizes a column to its longest header or cell text, clamped to the
// column bounds.
func fitWidth(col model.ColumnDescriptor, rows []model.Row) int {
	longest := utf8.RuneCountInString(col.Header)
	for _, row := range rows {
		v := normalize.Lookup(row.Values, col.ID)
		if v == nil {
			v = normalize.Lookup(row.Values, col.Accessor)
		}
		if n := utf8.RuneCountInString(display(v)); n > longest {
			longest = n
		}
	}
	return min(max(longest*charWidth+cellPadding, col.MinWidth), col.MaxWidth)
}

func display(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case map[string]any, []any:
		return ""
	}
	return fmt.Sprint(v)
}

func humanize(field, label string) string {
	if label != "" {
		return label
	}
	words := strings.FieldsFunc(field, func(r rune) bool { return r == '_' || r == '.' || r == '-' })
	for i, w := range words {
		if i == 0 && w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

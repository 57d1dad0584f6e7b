// Package export downloads a list's current result set as CSV or XLSX.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/pitabwire/tabula/internal/invoker"
	"github.com/pitabwire/tabula/internal/normalize"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/model"
)

// Formats.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

// Content types.
const (
	ContentTypeCSV  = "text/csv; charset=utf-8"
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

const sheetName = "Sheet1"

// BOM is the UTF-8 byte order mark every CSV file starts with.
var BOM = []byte{0xEF, 0xBB, 0xBF}

// File is a finished download.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Exporter fetches export payloads from the upstream API.
type Exporter struct {
	invoker  model.OperationInvoker
	metrics  *observability.Metrics
	location *time.Location
	now      func() time.Time
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithMetrics records export outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Exporter) { e.metrics = m }
}

// WithLocation sets the zone the filename date is taken in.
func WithLocation(loc *time.Location) Option {
	return func(e *Exporter) { e.location = loc }
}

// WithClock overrides the clock used for filenames.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) { e.now = now }
}

// New creates an Exporter.
func New(inv model.OperationInvoker, opts ...Option) *Exporter {
	e := &Exporter{invoker: inv, location: time.UTC, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Request is one export of a list under its current search state.
type Request struct {
	RequestContext *model.RequestContext
	List           model.ListDefinition
	// Params are the upstream query parameters of the current search state.
	Params map[string]string
	Format string
	// Headers labels the columns when the upstream answers with JSON rows
	// instead of CSV.
	Headers map[string]string
}

// Export requests the list endpoint with export=true and Accept: text/csv
// and returns the payload as a named file.
func (e *Exporter) Export(ctx context.Context, req Request) (File, error) {
	format := req.Format
	if format == "" {
		format = FormatCSV
	}
	if !Allowed(req.List, format) {
		return File{}, model.NewBadRequestError(fmt.Sprintf("format %q is not offered for list %q", format, req.List.ID))
	}

	ctx, span := observability.StartListSpan(ctx, "export."+format, req.List.ID, req.RequestContext,
		observability.AttrExportFmt.String(format))
	file, err := e.export(ctx, req, format)
	observability.EndSpanWithError(span, err)

	status := "ok"
	if err != nil {
		status = "error"
	}
	e.metrics.RecordExport(req.List.ID, format, status, len(file.Data))
	return file, err
}

func (e *Exporter) export(ctx context.Context, req Request, format string) (File, error) {
	params := make(map[string]string, len(req.Params)+1)
	maps.Copy(params, req.Params)
	params["export"] = "true"

	result, err := e.invoker.Invoke(ctx, req.RequestContext, Binding(req.List), model.InvocationInput{
		QueryParams: params,
		Headers:     map[string]string{"Accept": "text/csv"},
	})
	if err == nil {
		err = invoker.StatusError(result)
	}
	if err != nil {
		return File{}, fmt.Errorf("export %q: %w", req.List.ID, err)
	}

	data := result.Raw
	if result.Body != nil {
		// The upstream ignored Accept and sent a JSON page.
		data, err = rowsToCSV(req.List, req.Headers, result.Body)
		if err != nil {
			return File{}, fmt.Errorf("export %q: %w", req.List.ID, err)
		}
	}
	data = WithBOM(data)

	name := Filename(Prefix(req.List), format, e.now().In(e.location))
	if format == FormatCSV {
		return File{Name: name, ContentType: ContentTypeCSV, Data: data}, nil
	}

	xlsx, err := ToXLSX(data, numericHeaders(req.List, req.Headers))
	if err != nil {
		return File{}, fmt.Errorf("export %q: %w", req.List.ID, err)
	}
	return File{Name: name, ContentType: ContentTypeXLSX, Data: xlsx}, nil
}

// Binding returns the export operation, defaulting to the list's data source.
func Binding(list model.ListDefinition) model.OperationBinding {
	b := list.DataSource.Binding()
	if list.Export != nil && list.Export.OperationID != "" {
		b.OperationID = list.Export.OperationID
	}
	return b
}

// Prefix returns the filename prefix of list.
func Prefix(list model.ListDefinition) string {
	if list.Export != nil && list.Export.FilePrefix != "" {
		return list.Export.FilePrefix
	}
	return strings.ReplaceAll(list.ID, ".", "_")
}

// Formats returns the formats list offers, CSV when none are declared.
func Formats(list model.ListDefinition) []string {
	if list.Export == nil || len(list.Export.Formats) == 0 {
		return []string{FormatCSV}
	}
	return list.Export.Formats
}

// Allowed reports whether list exports in format.
func Allowed(list model.ListDefinition, format string) bool {
	for _, f := range Formats(list) {
		if f == format {
			return true
		}
	}
	return false
}

// Filename returns "<prefix>_<YYYYMMDD>.<format>".
func Filename(prefix, format string, day time.Time) string {
	return prefix + "_" + day.Format("20060102") + "." + format
}

// WithBOM prefixes data with the UTF-8 BOM unless it already starts with one.
func WithBOM(data []byte) []byte {
	if bytes.HasPrefix(data, BOM) {
		return data
	}
	out := make([]byte, 0, len(BOM)+len(data))
	out = append(out, BOM...)
	return append(out, data...)
}

// rowsToCSV writes the list's columns for each row of a JSON page.
func rowsToCSV(list model.ListDefinition, headers map[string]string, body any) ([]byte, error) {
	rows := normalize.New(list).Page(body).Rows

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := make([]string, len(list.Columns))
	for i, col := range list.Columns {
		header[i] = col.Field
		if h := headers[col.Field]; h != "" {
			header[i] = h
		}
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	record := make([]string, len(list.Columns))
	for _, row := range rows {
		for i, col := range list.Columns {
			record[i] = cell(row.Values[col.Field])
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func cell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

// numericHeaders returns the headers, lower-cased, of the list's number and
// currency columns under every name the CSV may use for them.
func numericHeaders(list model.ListDefinition, headers map[string]string) map[string]bool {
	out := make(map[string]bool)
	for _, col := range list.Columns {
		if col.Type != model.CellNumber && col.Type != model.CellCurrency {
			continue
		}
		for _, name := range []string{col.Field, col.Label, headers[col.Field]} {
			if name != "" {
				out[strings.ToLower(name)] = true
			}
		}
	}
	return out
}

// maxExactDigits is the longest digit run a float64 holds exactly.
const maxExactDigits = 15

// plainNumber reports whether s is a decimal that survives a round trip
// through a spreadsheet number: an optional minus sign, no leading zeros, no
// exponent and at most maxExactDigits digits.
func plainNumber(s string) bool {
	s = strings.TrimPrefix(s, "-")
	intPart, frac, hasFrac := strings.Cut(s, ".")
	if intPart == "" || (hasFrac && frac == "") {
		return false
	}
	if len(intPart) > 1 && intPart[0] == '0' {
		return false
	}
	if len(intPart)+len(frac) > maxExactDigits {
		return false
	}
	for _, r := range intPart + frac {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ToXLSX converts a CSV payload to a single-sheet workbook. Cells are written
// as text, except plain decimals in columns whose header is in numeric.
func ToXLSX(data []byte, numeric map[string]bool) ([]byte, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, BOM)))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading csv: %w", err)
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	var numberCols []bool
	for i, rec := range records {
		values := make([]any, len(rec))
		for j, s := range rec {
			values[j] = s
			if i == 0 {
				numberCols = append(numberCols, numeric[strings.ToLower(strings.TrimSpace(s))])
				continue
			}
			if j >= len(numberCols) || !numberCols[j] || !plainNumber(s) {
				continue
			}
			if n, err := strconv.ParseFloat(s, 64); err == nil {
				values[j] = n
			}
		}
		addr, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(sheetName, addr, &values); err != nil {
			return nil, fmt.Errorf("writing row %d: %w", i+1, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("writing workbook: %w", err)
	}
	return buf.Bytes(), nil
}

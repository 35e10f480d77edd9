// Package sink serializes batch results as tables.
package sink

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/headcount-cli/internal/model"
)

// Columns is the fixed column order of the results table.
var Columns = []string{"entity", "count", "confidence", "sources", "status", "explanation"}

// AnnotationHeader is the column appended to echoed upload rows.
const AnnotationHeader = "Number of Employees"

// Annotated cell text for non-success outcomes.
const (
	AnnotationNoData      = "No data available"
	AnnotationError       = "Error retrieving data"
	AnnotationRateLimited = "Rate limited"
)

// Format selects the output encoding.
type Format string

const (
	FormatCSV       Format = "csv"
	FormatXLSX      Format = "xlsx"
	FormatAnnotated Format = "annotated"
)

// ParseFormat validates a format name. Empty means CSV.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatCSV, nil
	case FormatCSV, FormatXLSX, FormatAnnotated:
		return f, nil
	default:
		return "", eris.Errorf("sink: unknown format %q", s)
	}
}

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

// Extension returns the file extension of f, without a dot.
func (f Format) Extension() string {
	if f == FormatXLSX {
		return "xlsx"
	}
	return "csv"
}

// Source is the original upload, echoed back by the annotated format.
type Source struct {
	Header []string
	Rows   [][]string
}

// Write encodes results in format f. src is required only for FormatAnnotated.
func Write(w io.Writer, f Format, results []model.EstimateResult, src *Source) error {
	switch f {
	case FormatCSV, "":
		return WriteCSV(w, results)
	case FormatXLSX:
		return WriteXLSX(w, results)
	case FormatAnnotated:
		if src == nil {
			return eris.New("sink: annotated output needs the source table")
		}
		return WriteAnnotated(w, src.Header, src.Rows, results)
	default:
		return eris.Errorf("sink: unknown format %q", f)
	}
}

// record renders one result in Columns order. A nil count is an empty field.
func record(r model.EstimateResult) []string {
	count := ""
	if r.Count != nil {
		count = strconv.Itoa(*r.Count)
	}
	return []string{
		r.Entity,
		count,
		string(r.Confidence),
		strings.Join(r.Sources, "; "),
		string(r.Status),
		r.Explanation,
	}
}

// CSVWriter streams result rows. Rows are flushed every flushEvery writes
// so memory stays bounded for large batches.
type CSVWriter struct {
	w       *csv.Writer
	pending int
}

const flushEvery = 100

// NewCSVWriter writes the header row and returns a writer for result rows.
func NewCSVWriter(w io.Writer) (*CSVWriter, error) {
	cw := &CSVWriter{w: csv.NewWriter(w)}
	if err := cw.w.Write(Columns); err != nil {
		return nil, eris.Wrap(err, "sink: write header")
	}
	return cw, nil
}

// Write appends one result row.
func (c *CSVWriter) Write(r model.EstimateResult) error {
	if err := c.w.Write(record(r)); err != nil {
		return eris.Wrapf(err, "sink: write row %q", r.Entity)
	}
	c.pending++
	if c.pending >= flushEvery {
		return c.Flush()
	}
	return nil
}

// Flush writes buffered rows to the underlying writer.
func (c *CSVWriter) Flush() error {
	c.pending = 0
	c.w.Flush()
	return eris.Wrap(c.w.Error(), "sink: flush")
}

// WriteCSV writes the fixed-column results table.
func WriteCSV(w io.Writer, results []model.EstimateResult) error {
	cw, err := NewCSVWriter(w)
	if err != nil {
		return err
	}
	for _, r := range results {
		if err := cw.Write(r); err != nil {
			return err
		}
	}
	return cw.Flush()
}

// WriteAnnotated echoes the upload with a Number of Employees column
// appended. rows and results correspond by index.
func WriteAnnotated(w io.Writer, header []string, rows [][]string, results []model.EstimateResult) error {
	if len(rows) != len(results) {
		return eris.Errorf("sink: %d rows but %d results", len(rows), len(results))
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(append(append([]string(nil), header...), AnnotationHeader)); err != nil {
		return eris.Wrap(err, "sink: write header")
	}

	width := len(header)
	for i, row := range rows {
		out := make([]string, max(width, len(row)), max(width, len(row))+1)
		copy(out, row)
		if err := cw.Write(append(out, Annotation(results[i]))); err != nil {
			return eris.Wrapf(err, "sink: write row %d", i)
		}
		if (i+1)%flushEvery == 0 {
			cw.Flush()
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "sink: flush")
}

// Annotation is the Number of Employees cell for r.
func Annotation(r model.EstimateResult) string {
	switch r.Status {
	case model.StatusSuccess:
		if r.Count != nil {
			return strconv.Itoa(*r.Count)
		}
		return AnnotationError
	case model.StatusNoData:
		return AnnotationNoData
	case model.StatusRateLimited:
		return AnnotationRateLimited
	default:
		return AnnotationError
	}
}

// WriteXLSX writes the results table as a single-sheet workbook. The
// workbook is built in memory before it is written.
func WriteXLSX(w io.Writer, results []model.EstimateResult) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Estimates")
	if err != nil {
		return eris.Wrap(err, "sink: add sheet")
	}

	header := sheet.AddRow()
	for _, c := range Columns {
		header.AddCell().SetString(c)
	}
	for _, r := range results {
		row := sheet.AddRow()
		for i, v := range record(r) {
			cell := row.AddCell()
			if i == 1 && r.Count != nil {
				cell.SetInt(*r.Count)
				continue
			}
			cell.SetString(v)
		}
	}

	return eris.Wrap(f.Write(w), "sink: write xlsx")
}

// Package ingest parses uploaded entity lists from CSV or XLSX.
package ingest

import (
	"bytes"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

var (
	// ErrNoEntityColumn means no header matched an entity alias.
	ErrNoEntityColumn = eris.New("ingest: no entity column")
	// ErrEmpty means the upload had no header row.
	ErrEmpty = eris.New("ingest: upload is empty")
	// ErrUnsupportedFormat means the file is neither CSV nor XLSX.
	ErrUnsupportedFormat = eris.New("ingest: unsupported file format")
)

// EntityAliases are the accepted entity column headers, most specific
// first. Matching ignores case and surrounding whitespace.
var EntityAliases = []string{
	"company name",
	"company",
	"name",
	"organization",
	"organisation",
	"account name",
}

// Table is a parsed upload. Rows keep their original cells so output can
// echo them back.
type Table struct {
	Header    []string
	Rows      [][]string
	EntityCol int
}

// Entities returns the entity cell of every row in order. A row too short
// to reach the entity column yields "".
func (t *Table) Entities() []string {
	out := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		if t.EntityCol < len(row) {
			out[i] = strings.TrimSpace(row[t.EntityCol])
		}
	}
	return out
}

// ParseFile opens path and parses it by extension.
func ParseFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: open %s", path)
	}
	defer f.Close() //nolint
	return Parse(filepath.Base(path), f)
}

// Parse reads an upload named name. A name without an extension is read as CSV.
func Parse(name string, r io.Reader) (*Table, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".txt", "":
		return ParseCSV(r)
	case ".xlsx":
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, eris.Wrap(err, "ingest: read xlsx upload")
		}
		return ParseXLSX(data)
	default:
		return nil, eris.Wrapf(ErrUnsupportedFormat, "ingest: %s", name)
	}
}

// ParseCSV reads a CSV upload. A UTF-8 byte order mark is dropped.
func ParseCSV(r io.Reader) (*Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: read csv upload")
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	reader := csv.NewReader(bytes.NewReader(data))
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "ingest: parse csv")
	}
	return newTable(records)
}

// ParseXLSX reads the first sheet of an XLSX workbook.
func ParseXLSX(data []byte) (*Table, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: open xlsx")
	}
	if len(f.Sheets) == 0 {
		return nil, ErrEmpty
	}

	var records [][]string
	for _, row := range f.Sheets[0].Rows {
		if row == nil {
			continue
		}
		cells := make([]string, len(row.Cells))
		for i, c := range row.Cells {
			cells[i] = c.String()
		}
		records = append(records, cells)
	}
	return newTable(records)
}

func newTable(records [][]string) (*Table, error) {
	records = dropBlank(records)
	if len(records) == 0 {
		return nil, ErrEmpty
	}

	header := make([]string, len(records[0]))
	for i, h := range records[0] {
		header[i] = strings.TrimSpace(h)
	}
	col, ok := EntityColumn(header)
	if !ok {
		return nil, eris.Wrapf(ErrNoEntityColumn, "headers %q", header)
	}
	return &Table{Header: header, Rows: records[1:], EntityCol: col}, nil
}

// EntityColumn finds the entity column by alias, preferring earlier aliases.
func EntityColumn(header []string) (int, bool) {
	for _, alias := range EntityAliases {
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), alias) {
				return i, true
			}
		}
	}
	return -1, false
}

func dropBlank(records [][]string) [][]string {
	out := records[:0]
	for _, rec := range records {
		for _, c := range rec {
			if strings.TrimSpace(c) != "" {
				out = append(out, rec)
				break
			}
		}
	}
	return out
}

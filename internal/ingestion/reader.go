// Package ingestion reads tabular import files and acquires them from
// uploads or remote URLs.
package ingestion

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/xuri/excelize/v2"

	"github.com/jonathan/event-importer/internal/types"
)

// BatchOptions selects a range of data rows. StartRow is zero-based and
// does not count the header. A Limit of zero or less reads to the end.
type BatchOptions struct {
	SheetIndex int
	StartRow   int
	Limit      int
}

// Reader reads a range of rows from an import file.
type Reader interface {
	ReadBatch(ctx context.Context, path string, opts BatchOptions) ([]types.Row, error)
}

// FileReader reads CSV, XLSX and HTML-table files, chosen by extension.
// The first row of each is the header. Every value is a string, and blank
// records are skipped before rows are counted.
type FileReader struct{}

var _ Reader = FileReader{}

// ReadBatch implements Reader.
func (FileReader) ReadBatch(ctx context.Context, path string, opts BatchOptions) ([]types.Row, error) {
	if opts.StartRow < 0 {
		return nil, &Error{Path: path, Message: fmt.Sprintf("invalid start row %d", opts.StartRow)}
	}

	var (
		rows []types.Row
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case FormatCSV, ".txt":
		rows, err = readCSV(ctx, path, opts)
	case FormatXLSX:
		rows, err = readXLSX(ctx, path, opts)
	case FormatHTML, ".htm":
		rows, err = readHTML(ctx, path, opts)
	default:
		return nil, &Error{Path: path, Message: "cannot read file", Cause: ErrUnsupportedFormat}
	}
	if err != nil {
		var ierr *Error
		if errors.As(err, &ierr) {
			return nil, err
		}
		return nil, &Error{Path: path, Message: "failed to read rows", Cause: err}
	}
	return rows, nil
}

// collector turns header plus records into rows within the batch window.
type collector struct {
	opts    BatchOptions
	headers []string
	index   int
	rows    []types.Row
}

// add consumes one record and reports whether the batch is full.
func (c *collector) add(record []string) bool {
	if c.headers == nil {
		if isBlankRecord(record) {
			return false
		}
		c.headers = CleanHeaders(record)
		return false
	}
	if isBlankRecord(record) {
		return false
	}

	idx := c.index
	c.index++
	if idx < c.opts.StartRow {
		return false
	}

	row := make(types.Row, len(c.headers))
	for i, header := range c.headers {
		if i < len(record) {
			row[header] = CleanCell(record[i])
		} else {
			row[header] = ""
		}
	}
	c.rows = append(c.rows, row)
	return c.opts.Limit > 0 && len(c.rows) >= c.opts.Limit
}

func (c *collector) result() []types.Row {
	if c.rows == nil {
		return []types.Row{}
	}
	return c.rows
}

func readCSV(ctx context.Context, path string, opts BatchOptions) ([]types.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	c := &collector{opts: opts}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if c.add(record) {
			break
		}
	}
	return c.result(), nil
}

func readXLSX(ctx context.Context, path string, opts BatchOptions) ([]types.Row, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if opts.SheetIndex < 0 || opts.SheetIndex >= len(sheets) {
		return nil, &Error{Path: path, Message: fmt.Sprintf("sheet index %d out of range (%d sheets)", opts.SheetIndex, len(sheets))}
	}

	iter, err := f.Rows(sheets[opts.SheetIndex])
	if err != nil {
		return nil, err
	}
	defer func() { _ = iter.Close() }()

	c := &collector{opts: opts}
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := iter.Columns()
		if err != nil {
			return nil, err
		}
		if c.add(record) {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return c.result(), nil
}

func readHTML(ctx context.Context, path string, opts BatchOptions) ([]types.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		return nil, err
	}

	table := doc.Find("table").First()
	if table.Length() == 0 {
		return nil, &Error{Path: path, Message: "no table found"}
	}

	c := &collector{opts: opts}
	table.Find("tr").EachWithBreak(func(_ int, tr *goquery.Selection) bool {
		if ctx.Err() != nil {
			return false
		}
		// Rows of nested tables belong to their own table.
		if tr.Closest("table").Get(0) != table.Get(0) {
			return true
		}
		var record []string
		tr.ChildrenFiltered("th, td").Each(func(_ int, cell *goquery.Selection) {
			record = append(record, cell.Text())
		})
		return !c.add(record)
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.result(), nil
}

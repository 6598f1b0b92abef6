package codec

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/orgtransfer/internal/core"
)

// decodeCSV reads one kind. The header names the fields; blank rows are
// skipped and empty cells are left out of the record so schema defaults
// apply.
func decodeCSV(r io.Reader, kind core.EntityKind, source string) ([]*core.Record, []core.ValidationError, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, []core.ValidationError{structural(source, 1, 0, "missing header row")}, nil
	}
	if err != nil {
		diags, ioErr := csvDiag(source, err)
		return nil, diags, ioErr
	}

	cols, diag := headerColumns(header, source)
	if diag != nil {
		return nil, []core.ValidationError{*diag}, nil
	}

	var out []*core.Record
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			diags, ioErr := csvDiag(source, err)
			return out, diags, ioErr
		}
		line, _ := cr.FieldPos(0)
		if blankRow(row) {
			continue
		}
		if len(row) > len(cols) && !blankRow(row[len(cols):]) {
			return out, []core.ValidationError{
				structural(source, line, len(out), "row has %d fields but the header has %d", len(row), len(cols)),
			}, nil
		}

		rec := core.NewRecord(kind, core.Locator{Source: source, Line: line, Index: len(out)})
		for j, col := range cols {
			if j >= len(row) || core.CleanCell(row[j]) == "" {
				continue
			}
			rec.Set(col, strings.TrimSpace(row[j]))
		}
		out = append(out, rec)
	}
	return out, nil, nil
}

// headerColumns normalizes header cells: "Unit Type ID" becomes "unit_type_id".
func headerColumns(header []string, source string) ([]string, *core.ValidationError) {
	cols := make([]string, len(header))
	seen := make(map[string]bool, len(header))
	for i, h := range header {
		name := strings.ToLower(core.CleanCell(h))
		name = strings.Join(strings.Fields(name), "_")
		if name == "" {
			// Trailing empty header cells come from spreadsheet exports.
			if blankRow(header[i:]) {
				return cols[:i], nil
			}
			e := structural(source, 1, 0, "header column %d has no name", i+1)
			return nil, &e
		}
		if seen[name] {
			e := structural(source, 1, 0, "duplicate header column %q", name)
			return nil, &e
		}
		seen[name] = true
		cols[i] = name
	}
	return cols, nil
}

func blankRow(row []string) bool {
	for _, c := range row {
		if core.CleanCell(c) != "" {
			return false
		}
	}
	return true
}

// csvDiag turns parse errors into diagnostics and passes I/O errors through.
func csvDiag(source string, err error) ([]core.ValidationError, error) {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return []core.ValidationError{structural(source, pe.Line, 0, "invalid CSV: %v", pe.Err)}, nil
	}
	return nil, fmt.Errorf("read %s: %w", source, err)
}

func encodeCSV(w io.Writer, cols []string, recs []*core.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return err
	}
	row := make([]string, len(cols))
	for _, rec := range recs {
		for j, col := range cols {
			row[j] = cell(rec.Value(col))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadDir decodes every "<kind>.csv" file at the top of fsys.
func (c *Codec) ReadDir(fsys fs.FS) (core.Dataset, []core.ValidationError, error) {
	names, err := fs.Glob(fsys, "*.csv")
	if err != nil {
		return nil, nil, err
	}
	if len(names) == 0 {
		return nil, []core.ValidationError{structural("", 0, 0, "no .csv files found")}, nil
	}

	ds := make(core.Dataset, len(names))
	var diags []core.ValidationError
	for _, name := range names {
		kind := core.EntityKind(strings.TrimSuffix(name, path.Ext(name)))
		recs, d, err := c.readFile(fsys, name, kind)
		if err != nil {
			return nil, diags, err
		}
		diags = append(diags, d...)
		ds[kind] = recs
	}
	return ds, diags, nil
}

func (c *Codec) readFile(fsys fs.FS, name string, kind core.EntityKind) ([]*core.Record, []core.ValidationError, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return decodeCSV(clean(f, c.maxSize), kind, name)
}

// WriteDir writes one "<kind>.csv" per kind into dir, creating it if needed.
func (c *Codec) WriteDir(dir string, ds core.Dataset, order []core.EntityKind) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	for _, kind := range c.complete(ds, order) {
		if err := c.writeFile(filepath.Join(dir, string(kind)+".csv"), kind, ds[kind]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Codec) writeFile(name string, kind core.EntityKind, recs []*core.Record) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := encodeCSV(f, c.columns(kind, recs), recs); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	return f.Close()
}

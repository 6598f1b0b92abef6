package codec

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/orgtransfer/internal/core"
)

// decodeXLSX reads one kind per sheet, named after the kind. Cells arrive as
// the formatted text Excel shows, which the validator coerces like CSV.
func decodeXLSX(r io.Reader, source string) (core.Dataset, []core.ValidationError, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		if errors.Is(err, ErrInputTooLarge) {
			return nil, nil, err
		}
		return nil, []core.ValidationError{structural(source, 0, 0, "invalid XLSX workbook: %v", err)}, nil
	}
	defer f.Close()

	ds := make(core.Dataset)
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return ds, []core.ValidationError{structural(sheetSource(source, sheet), 0, 0, "read sheet: %v", err)}, nil
		}
		if len(rows) == 0 || blankRow(rows[0]) {
			continue
		}

		src := sheetSource(source, sheet)
		cols, diag := headerColumns(rows[0], src)
		if diag != nil {
			return ds, []core.ValidationError{*diag}, nil
		}

		kind := core.EntityKind(strings.TrimSpace(sheet))
		recs := make([]*core.Record, 0, len(rows)-1)
		for i, row := range rows[1:] {
			if blankRow(row) {
				continue
			}
			line := i + 2
			if len(row) > len(cols) && !blankRow(row[len(cols):]) {
				return ds, []core.ValidationError{
					structural(src, line, len(recs), "row has %d cells but the header has %d", len(row), len(cols)),
				}, nil
			}
			rec := core.NewRecord(kind, core.Locator{Source: src, Line: line, Index: len(recs)})
			for j, col := range cols {
				if j < len(row) && core.CleanCell(row[j]) != "" {
					rec.Set(col, strings.TrimSpace(row[j]))
				}
			}
			recs = append(recs, rec)
		}
		ds[kind] = recs
	}
	return ds, nil, nil
}

func sheetSource(source, sheet string) string {
	if source == "" {
		return sheet
	}
	return source + "#" + sheet
}

// encodeXLSX writes one sheet per kind with a bold header row.
func (c *Codec) encodeXLSX(w io.Writer, ds core.Dataset, order []core.EntityKind) error {
	f := excelize.NewFile()
	defer f.Close()

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}

	const defaultSheet = "Sheet1"
	for i, kind := range order {
		sheet := string(kind)
		if i == 0 {
			if err := f.SetSheetName(defaultSheet, sheet); err != nil {
				return fmt.Errorf("sheet %s: %w", sheet, err)
			}
		} else if _, err := f.NewSheet(sheet); err != nil {
			return fmt.Errorf("sheet %s: %w", sheet, err)
		}

		cols := c.columns(kind, ds[kind])
		if err := writeSheetRow(f, sheet, 1, cols); err != nil {
			return err
		}
		if err := f.SetRowStyle(sheet, 1, 1, bold); err != nil {
			return err
		}
		row := make([]string, len(cols))
		for r, rec := range ds[kind] {
			for j, col := range cols {
				row[j] = cell(rec.Value(col))
			}
			if err := writeSheetRow(f, sheet, r+2, row); err != nil {
				return err
			}
		}
	}
	f.SetActiveSheet(0)
	return f.Write(w)
}

func writeSheetRow(f *excelize.File, sheet string, row int, values []string) error {
	start, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	cells := make([]any, len(values))
	for i, v := range values {
		cells[i] = v
	}
	return f.SetSheetRow(sheet, start, &cells)
}

package table

import (
	"fmt"
	"log/slog"

	"github.com/xuri/excelize/v2"
)

// SheetName is the fixed label of the single sheet every export uses.
const SheetName = "Extracted Data"

// Export writes the rows to an XLSX workbook at path. The header row is the
// union of all row field names in first-seen order; cells whose row lacks
// the field stay blank. Failing to write the file does not invalidate the
// in-memory rows.
func Export(rows []Row, path string) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}

	columns := Columns(rows)
	for i, name := range columns {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return fmt.Errorf("addressing header cell: %w", err)
		}
		if err := f.SetCellValue(SheetName, cell, name); err != nil {
			return fmt.Errorf("writing header cell: %w", err)
		}
	}

	for r, row := range rows {
		for c, name := range columns {
			value, ok := row.Values[name]
			if !ok || value == nil {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return fmt.Errorf("addressing cell: %w", err)
			}
			if err := f.SetCellValue(SheetName, cell, value); err != nil {
				return fmt.Errorf("writing cell %s: %w", cell, err)
			}
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("saving spreadsheet: %w", err)
	}

	slog.Info("Spreadsheet saved", "path", path, "rows", len(rows), "columns", len(columns))
	return nil
}

package reconcile

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
)

const (
	summarySheet = "Summary"
	storeSheet   = "Orphaned in store"
	indexSheet   = "Orphaned in index"
)

// WriteXLSX saves the full orphan lists of out as a workbook at path.
func WriteXLSX(path string, out *Outcome) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return err
	}
	summary := [][]any{
		{"Run", out.RunID},
		{"Status", out.Status},
		{"Started", out.StartedAt.UTC().Format(time.RFC3339)},
		{"Objects in store", out.StoreCount},
		{"Keys tracked by index", out.IndexCount},
		{"Orphaned in store", len(out.OrphanedInStore)},
		{"Orphaned in index", len(out.OrphanedInIndex)},
	}
	for i, row := range summary {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return err
		}
	}
	if err := f.SetColWidth(summarySheet, "A", "A", 24); err != nil {
		return err
	}

	for _, sheet := range []struct {
		name string
		keys []string
	}{
		{storeSheet, out.OrphanedInStore},
		{indexSheet, out.OrphanedInIndex},
	} {
		if _, err := f.NewSheet(sheet.name); err != nil {
			return err
		}
		if err := f.SetCellValue(sheet.name, "A1", "Key"); err != nil {
			return err
		}
		for i, k := range sheet.keys {
			if err := f.SetCellValue(sheet.name, fmt.Sprintf("A%d", i+2), k); err != nil {
				return err
			}
		}
		if err := f.SetColWidth(sheet.name, "A", "A", 100); err != nil {
			return err
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

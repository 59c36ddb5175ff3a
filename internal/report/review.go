// Package report exports crawl review artifacts for human operators.
// The review queue workbook collects every item the engine refused to
// auto-resolve: uncertain routings, flagged mismatches, and page
// failures of uncertain certainty.
package report

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/shelfwatch/shelfwatch/internal/catalog"
)

const (
	itemsSheet      = "Review Queue"
	mismatchesSheet = "Mismatches"
	failuresSheet   = "Failures"

	maxCellLength = 32767
)

// ReviewQueue accumulates review material across pages before export.
type ReviewQueue struct {
	Retailer   string
	CrawlID    string
	Items      []catalog.CatalogItem
	Mismatches []catalog.ValidationMismatch
	Failures   []catalog.PageFailure
}

// AddOutcome folds one page outcome into the queue, keeping only the
// items that need eyes.
func (q *ReviewQueue) AddOutcome(outcome *catalog.CrawlOutcome) {
	for _, item := range outcome.Items {
		if item.Uncertain {
			q.Items = append(q.Items, item)
		}
	}
	q.Mismatches = append(q.Mismatches, outcome.Mismatches...)
	for _, f := range outcome.Failures {
		if f.Certainty == catalog.CertaintyUncertain {
			q.Failures = append(q.Failures, f)
		}
	}
}

// Empty reports whether there is anything to review.
func (q *ReviewQueue) Empty() bool {
	return len(q.Items) == 0 && len(q.Mismatches) == 0 && len(q.Failures) == 0
}

// WriteFile renders the queue as an Excel workbook at path.
func (q *ReviewQueue) WriteFile(path string) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := q.writeItems(f); err != nil {
		return err
	}
	if err := q.writeMismatches(f); err != nil {
		return err
	}
	if err := q.writeFailures(f); err != nil {
		return err
	}

	// Drop the default sheet excelize creates.
	if idx, err := f.GetSheetIndex("Sheet1"); err == nil && idx >= 0 {
		f.DeleteSheet("Sheet1")
	}
	if idx, err := f.GetSheetIndex(itemsSheet); err == nil {
		f.SetActiveSheet(idx)
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("report: save workbook: %w", err)
	}
	return nil
}

func (q *ReviewQueue) writeItems(f *excelize.File) error {
	if _, err := f.NewSheet(itemsSheet); err != nil {
		return fmt.Errorf("report: create sheet: %w", err)
	}
	headers := []string{
		"Identity", "Title", "Source URL", "Item Code",
		"Price", "Original Price", "Stock", "Sale",
		"Coverage", "Tier",
	}
	if err := writeRow(f, itemsSheet, 1, headers); err != nil {
		return err
	}
	if err := styleHeader(f, itemsSheet, len(headers)); err != nil {
		return err
	}

	for i, item := range q.Items {
		row := []interface{}{
			item.Identity(),
			clip(item.Title),
			clip(item.SourceURL),
			item.ItemCode,
			item.Price.String(),
			item.OriginalPrice.String(),
			string(item.StockStatus),
			string(item.SaleStatus),
			item.ValidationCoverage,
			string(item.ExtractionTier),
		}
		if err := writeValues(f, itemsSheet, i+2, row); err != nil {
			return err
		}
	}
	return nil
}

func (q *ReviewQueue) writeMismatches(f *excelize.File) error {
	if _, err := f.NewSheet(mismatchesSheet); err != nil {
		return fmt.Errorf("report: create sheet: %w", err)
	}
	headers := []string{"Field", "Structural Value", "Visual Value", "Resolution"}
	if err := writeRow(f, mismatchesSheet, 1, headers); err != nil {
		return err
	}
	if err := styleHeader(f, mismatchesSheet, len(headers)); err != nil {
		return err
	}
	for i, m := range q.Mismatches {
		row := []interface{}{m.Field, clip(m.StructuralValue), clip(m.VisualValue), string(m.Resolution)}
		if err := writeValues(f, mismatchesSheet, i+2, row); err != nil {
			return err
		}
	}
	return nil
}

func (q *ReviewQueue) writeFailures(f *excelize.File) error {
	if _, err := f.NewSheet(failuresSheet); err != nil {
		return fmt.Errorf("report: create sheet: %w", err)
	}
	headers := []string{"Page URL", "Stage", "Reason", "Certainty"}
	if err := writeRow(f, failuresSheet, 1, headers); err != nil {
		return err
	}
	if err := styleHeader(f, failuresSheet, len(headers)); err != nil {
		return err
	}
	for i, fail := range q.Failures {
		row := []interface{}{clip(fail.URL), fail.Stage, clip(fail.Reason), string(fail.Certainty)}
		if err := writeValues(f, failuresSheet, i+2, row); err != nil {
			return err
		}
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, values []string) error {
	cells := make([]interface{}, len(values))
	for i, v := range values {
		cells[i] = v
	}
	return writeValues(f, sheet, row, cells)
}

func writeValues(f *excelize.File, sheet string, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return fmt.Errorf("report: cell name: %w", err)
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("report: write row %d: %w", row, err)
	}
	return nil
}

func styleHeader(f *excelize.File, sheet string, columns int) error {
	style, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#DCE6F1"}},
	})
	if err != nil {
		return fmt.Errorf("report: header style: %w", err)
	}
	end, err := excelize.CoordinatesToCellName(columns, 1)
	if err != nil {
		return fmt.Errorf("report: cell name: %w", err)
	}
	if err := f.SetCellStyle(sheet, "A1", end, style); err != nil {
		return fmt.Errorf("report: apply header style: %w", err)
	}
	return nil
}

func clip(s string) string {
	if len(s) > maxCellLength {
		return strings.ToValidUTF8(s[:maxCellLength], "")
	}
	return s
}

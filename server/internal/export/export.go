package export

import (
	"bytes"
	"fmt"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"github.com/bvscope/bvscope/pkg/types"
)

// Content types for the export formats.
const (
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	ContentTypePDF  = "application/pdf"
)

// Sheet names in the workbook.
const (
	SheetSummary    = "summary"
	SheetIndicators = "indicators"
	SheetSeries     = "series"
)

// seriesColumns lists the series columns in export order. PRR is appended
// only when the report carries it.
func seriesColumns(s types.Series) ([]string, [][]float64) {
	names := []string{"time_min", "bv_pct", "uf_rate_lph", "uf_volume_l", "sbp", "dbp", "pulse", "map"}
	cols := [][]float64{s.TimeMin, s.BVPct, s.UFRateLph, s.UFVolumeL, s.SBP, s.DBP, s.Pulse, s.MAP}
	if len(s.PRRLph) > 0 {
		names = append(names, "prr_lph")
		cols = append(cols, s.PRRLph)
	}
	return names, cols
}

func valueText(ind types.Indicator) string {
	if !ind.OK() {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", *ind.Value)
}

// BuildReportXLSX renders a workbook with a summary sheet, the indicator
// table and the full derived series.
func BuildReportXLSX(r *types.Report) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return nil, fmt.Errorf("export: xlsx: %w", err)
	}
	for _, name := range []string{SheetIndicators, SheetSeries} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, fmt.Errorf("export: xlsx: %w", err)
		}
	}

	summary := [][2]any{
		{"Session report", ""},
		{"ID", r.ID},
		{"File", r.Filename},
		{"Patient", r.Patient},
		{"Created", r.CreatedAt},
		{"Records", r.Records},
		{"Dry weight (kg)", r.DryWeight.Kg},
		{"Dry weight source", r.DryWeight.Source},
		{"SBP drop policy", r.SBPDropPolicy},
		{"Worst", r.Worst},
	}
	for i, kv := range summary {
		row := i + 1
		_ = f.SetCellValue(SheetSummary, fmt.Sprintf("A%d", row), kv[0])
		_ = f.SetCellValue(SheetSummary, fmt.Sprintf("B%d", row), kv[1])
	}
	row := len(summary) + 2
	_ = f.SetCellValue(SheetSummary, fmt.Sprintf("A%d", row), "Notes")
	for _, n := range r.Notes {
		row++
		_ = f.SetCellValue(SheetSummary, fmt.Sprintf("A%d", row), n.Level)
		_ = f.SetCellValue(SheetSummary, fmt.Sprintf("B%d", row), n.Title)
		_ = f.SetCellValue(SheetSummary, fmt.Sprintf("C%d", row), n.Detail)
	}

	header := []any{"Indicator", "Value", "Unit", "Label", "Rationale", "Error"}
	if err := f.SetSheetRow(SheetIndicators, "A1", &header); err != nil {
		return nil, fmt.Errorf("export: xlsx: %w", err)
	}
	for i, ind := range r.Indicators {
		var v any = ""
		if ind.OK() {
			v = *ind.Value
		}
		line := []any{ind.Name, v, ind.Unit, ind.Label, ind.Rationale, ind.Error}
		if err := f.SetSheetRow(SheetIndicators, fmt.Sprintf("A%d", i+2), &line); err != nil {
			return nil, fmt.Errorf("export: xlsx: %w", err)
		}
	}

	names, cols := seriesColumns(r.Series)
	for c, name := range names {
		cell, err := excelize.CoordinatesToCellName(c+1, 1)
		if err != nil {
			return nil, fmt.Errorf("export: xlsx: %w", err)
		}
		_ = f.SetCellValue(SheetSeries, cell, name)
		for i, v := range cols[c] {
			cell, _ = excelize.CoordinatesToCellName(c+1, i+2)
			_ = f.SetCellValue(SheetSeries, cell, v)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("export: xlsx: %w", err)
	}
	return buf.Bytes(), nil
}

// BuildReportPDF renders a one-page summary: header fields, the indicator
// table and the notes. The series itself is left to the workbook.
func BuildReportPDF(r *types.Report) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetFont("Arial", "B", 14)
	pdf.AddPage()

	pdf.Cell(0, 8, "Dialysis session report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	for _, line := range []string{
		fmt.Sprintf("Session: %s", r.ID),
		fmt.Sprintf("File: %s", r.Filename),
		fmt.Sprintf("Patient: %s", r.Patient),
		fmt.Sprintf("Created: %s", r.CreatedAt),
		fmt.Sprintf("Records: %d", r.Records),
		fmt.Sprintf("Dry weight: %.1f kg (%s)", r.DryWeight.Kg, r.DryWeight.Source),
		fmt.Sprintf("SBP drop policy: %s", r.SBPDropPolicy),
		fmt.Sprintf("Overall: %s", r.Worst),
	} {
		pdf.Cell(0, 6, tr(line))
		pdf.Ln(5)
	}

	pdf.Ln(4)
	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(40, 6, "Indicator", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Value", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Unit", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Label", "1", 0, "C", false, 0, "")
	pdf.CellFormat(75, 6, "Rationale", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, ind := range r.Indicators {
		note := ind.Rationale
		if !ind.OK() {
			note = ind.ErrorKind
		}
		pdf.CellFormat(40, 6, ind.Name, "1", 0, "L", false, 0, "")
		pdf.CellFormat(25, 6, valueText(ind), "1", 0, "R", false, 0, "")
		pdf.CellFormat(25, 6, tr(ind.Unit), "1", 0, "C", false, 0, "")
		pdf.CellFormat(25, 6, ind.Label, "1", 0, "C", false, 0, "")
		pdf.CellFormat(75, 6, tr(note), "1", 0, "L", false, 0, "")
		pdf.Ln(-1)
	}

	if len(r.Notes) > 0 {
		pdf.Ln(4)
		pdf.SetFont("Arial", "B", 10)
		pdf.Cell(0, 6, "Notes")
		pdf.Ln(6)
		pdf.SetFont("Arial", "", 9)
		for _, n := range r.Notes {
			pdf.MultiCell(0, 5, tr(fmt.Sprintf("[%s] %s: %s", n.Level, n.Title, n.Detail)), "", "L", false)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("export: pdf: %w", err)
	}
	return buf.Bytes(), nil
}

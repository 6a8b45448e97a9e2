package exporter

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/xuri/excelize/v2"

	"entitlecli/internal/config"
	"entitlecli/internal/store"
	"entitlecli/internal/validation"
)

// Sheet names of an exported workbook
const (
	SummarySheet = "Summary"
	UsageSheet   = "Usage"
	FeatureSheet = "Features"
)

// WorkbookSummary counts what was written
type WorkbookSummary struct {
	Path           string         `json:"path"`
	UsageRows      int            `json:"usage_rows"`
	FeatureRows    int            `json:"feature_rows"`
	PendingUsage   int            `json:"pending_usage"`
	PendingFeature int            `json:"pending_feature"`
	StatusCounts   map[string]int `json:"status_counts"`
}

// WorkbookWriter exports records to a single XLSX workbook
type WorkbookWriter struct {
	paths *config.Paths
	files *validation.FileValidator
}

// NewWorkbookWriter creates a workbook writer. Relative file names are placed
// in the exports directory of paths.
func NewWorkbookWriter(paths *config.Paths) *WorkbookWriter {
	return &WorkbookWriter{paths: paths, files: validation.NewFileValidator(slog.Default())}
}

// WriteWorkbook writes the usage and feature records of src plus a summary sheet to filePath
func (w *WorkbookWriter) WriteWorkbook(ctx context.Context, src RecordSource, filePath string) (*WorkbookSummary, error) {
	fullPath := resolvePath(w.paths, filePath)
	if err := w.files.ValidateOutputDirectory(filepath.Dir(fullPath)); err != nil {
		return nil, err
	}

	usage, err := src.UsageRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read usage records: %w", err)
	}
	features, err := src.FeatureRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read feature records: %w", err)
	}

	summary := &WorkbookSummary{Path: fullPath, StatusCounts: map[string]int{}}

	f := excelize.NewFile()
	defer f.Close()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	usageRows := make([][]string, 0, len(usage))
	for _, r := range usage {
		usageRows = append(usageRows, store.UsageRow(r))
		summary.StatusCounts[r.Status.String()]++
		if !r.Posted {
			summary.PendingUsage++
		}
	}
	featureRows := make([][]string, 0, len(features))
	for _, r := range features {
		featureRows = append(featureRows, store.FeatureRow(r))
		if !r.Posted {
			summary.PendingFeature++
		}
	}
	summary.UsageRows = len(usageRows)
	summary.FeatureRows = len(featureRows)

	// The default sheet becomes the summary so it opens first.
	if err := f.SetSheetName(f.GetSheetName(0), SummarySheet); err != nil {
		return nil, err
	}
	if err := writeSheet(f, UsageSheet, store.UsageHeader, usageRows, headerStyle); err != nil {
		return nil, err
	}
	if err := writeSheet(f, FeatureSheet, store.FeatureHeader, featureRows, headerStyle); err != nil {
		return nil, err
	}
	if err := writeSummary(f, summary, headerStyle); err != nil {
		return nil, err
	}

	if err := f.SaveAs(fullPath); err != nil {
		return nil, fmt.Errorf("failed to save workbook: %w", err)
	}

	slog.Info("Workbook exported",
		slog.String("path", fullPath),
		slog.Int("usage_rows", summary.UsageRows),
		slog.Int("feature_rows", summary.FeatureRows))
	return summary, nil
}

func writeSheet(f *excelize.File, sheet string, header []string, rows [][]string, headerStyle int) error {
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", sheet, err)
	}

	if err := setRow(f, sheet, 1, header); err != nil {
		return err
	}
	for i, row := range rows {
		if err := setRow(f, sheet, i+2, row); err != nil {
			return err
		}
	}

	last, err := excelize.ColumnNumberToName(len(header))
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", last+"1", headerStyle); err != nil {
		return err
	}
	if err := f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return err
	}
	return f.AutoFilter(sheet, fmt.Sprintf("A1:%s%d", last, len(rows)+1), nil)
}

func setRow(f *excelize.File, sheet string, row int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	vals := make([]interface{}, len(values))
	for i, v := range values {
		vals[i] = v
	}
	return f.SetSheetRow(sheet, cell, &vals)
}

func writeSummary(f *excelize.File, s *WorkbookSummary, headerStyle int) error {
	rows := [][]interface{}{
		{"metric", "value"},
		{"usage_rows", s.UsageRows},
		{"feature_rows", s.FeatureRows},
		{"pending_usage", s.PendingUsage},
		{"pending_feature", s.PendingFeature},
	}

	statuses := make([]string, 0, len(s.StatusCounts))
	for status := range s.StatusCounts {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		rows = append(rows, []interface{}{"status_" + status, s.StatusCounts[status]})
	}

	for i, row := range rows {
		if err := f.SetSheetRow(SummarySheet, fmt.Sprintf("A%d", i+1), &row); err != nil {
			return err
		}
	}
	if err := f.SetCellStyle(SummarySheet, "A1", "B1", headerStyle); err != nil {
		return err
	}
	return f.SetColWidth(SummarySheet, "A", "A", 24)
}

// Package exporter writes the locally recorded usage and feature events to
// files an operator can hand to support or open in a spreadsheet.
//
// CSVWriter writes one record kind per CSV file, with a UTF-8 BOM so Excel
// detects the encoding. WorkbookWriter writes both kinds plus a summary sheet
// into a single XLSX workbook.
//
// Example usage:
//
//	w := exporter.NewCSVWriter(paths)
//	n, err := w.ExportRecords(ctx, st, domain.RecordKindUsage, "usage.csv")
//
//	wb := exporter.NewWorkbookWriter(paths)
//	summary, err := wb.WriteWorkbook(ctx, st, "records.xlsx")
package exporter

package exporter

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"entitlecli/internal/config"
	"entitlecli/internal/store"
	"entitlecli/internal/validation"
	"entitlecli/pkg/contracts/domain"
)

// RecordSource is the read side of the licensing store used for exports
type RecordSource interface {
	UsageRecords(ctx context.Context) ([]domain.UsageRecord, error)
	FeatureRecords(ctx context.Context) ([]domain.FeatureRecord, error)
}

var _ RecordSource = (*store.Store)(nil)

// CSVWriter provides CSV export functionality
type CSVWriter struct {
	paths *config.Paths
	files *validation.FileValidator
}

// NewCSVWriter creates a new CSV writer instance. Relative file names are
// placed in the exports directory of paths.
func NewCSVWriter(paths *config.Paths) *CSVWriter {
	return &CSVWriter{paths: paths, files: validation.NewFileValidator(slog.Default())}
}

// WriteOptions configures CSV writing behavior
type WriteOptions struct {
	Headers   []string
	Records   [][]string
	Append    bool
	BOMPrefix bool // Add UTF-8 BOM for Excel compatibility
}

// WriteCSV writes data to a CSV file with the given options
func (w *CSVWriter) WriteCSV(filePath string, options WriteOptions) error {
	fullPath := resolvePath(w.paths, filePath)

	slog.Info("Writing CSV file",
		slog.String("file_path", filePath),
		slog.String("full_path", fullPath),
		slog.Int("record_count", len(options.Records)))

	if err := w.files.ValidateOutputDirectory(filepath.Dir(fullPath)); err != nil {
		return err
	}

	flags := os.O_CREATE | os.O_WRONLY
	if options.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	file, err := os.OpenFile(fullPath, flags, 0644)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	if options.BOMPrefix && !options.Append {
		if _, err := file.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
			return fmt.Errorf("failed to write BOM: %w", err)
		}
	}

	writer := csv.NewWriter(file)
	if !options.Append && len(options.Headers) > 0 {
		if err := writer.Write(options.Headers); err != nil {
			return fmt.Errorf("failed to write headers: %w", err)
		}
	}
	for i, record := range options.Records {
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// ExportRecords writes every record of kind to filePath and returns the row count
func (w *CSVWriter) ExportRecords(ctx context.Context, src RecordSource, kind domain.RecordKind, filePath string) (int, error) {
	header, rows, err := recordRows(ctx, src, kind)
	if err != nil {
		return 0, err
	}
	if err := w.WriteCSV(filePath, WriteOptions{Headers: header, Records: rows, BOMPrefix: true}); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func recordRows(ctx context.Context, src RecordSource, kind domain.RecordKind) ([]string, [][]string, error) {
	switch kind {
	case domain.RecordKindUsage:
		records, err := src.UsageRecords(ctx)
		if err != nil {
			return nil, nil, err
		}
		rows := make([][]string, 0, len(records))
		for _, r := range records {
			rows = append(rows, store.UsageRow(r))
		}
		return store.UsageHeader, rows, nil
	case domain.RecordKindFeature:
		records, err := src.FeatureRecords(ctx)
		if err != nil {
			return nil, nil, err
		}
		rows := make([][]string, 0, len(records))
		for _, r := range records {
			rows = append(rows, store.FeatureRow(r))
		}
		return store.FeatureHeader, rows, nil
	default:
		return nil, nil, fmt.Errorf("unknown record kind %q", kind)
	}
}

// resolvePath keeps absolute paths and places relative ones in the exports directory
func resolvePath(paths *config.Paths, filePath string) string {
	if filepath.IsAbs(filePath) || paths == nil {
		return filePath
	}
	return paths.ExportPath(filePath)
}

package store

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"entitlecli/pkg/contracts/domain"
)

// UsageHeader is the column layout of exported usage records
var UsageHeader = []string{"id", "product_id", "version", "device_id", "policy_id", "user_id", "access_key", "project_id", "country", "trial", "status", "recorded_at", "posted"}

// FeatureHeader is the column layout of exported feature records
var FeatureHeader = []string{"id", "product_id", "feature_id", "version", "device_id", "policy_id", "user_id", "access_key", "project_id", "country", "trial", "user_data", "started_at", "recorded_at", "posted"}

// UsageRow flattens a usage record in UsageHeader order
func UsageRow(r domain.UsageRecord) []string {
	return []string{
		r.ID, r.ProductID, r.Version, r.DeviceID,
		r.Identity.PolicyID, r.Identity.UserID, r.Identity.AccessKey, r.Identity.ProjectID, r.Identity.Country,
		strconv.FormatBool(r.Identity.Trial), r.Status.String(), formatTime(r.RecordedAt), strconv.FormatBool(r.Posted),
	}
}

// FeatureRow flattens a feature record in FeatureHeader order
func FeatureRow(r domain.FeatureRecord) []string {
	return []string{
		r.ID, r.ProductID, r.FeatureID, r.Version, r.DeviceID,
		r.Identity.PolicyID, r.Identity.UserID, r.Identity.AccessKey, r.Identity.ProjectID, r.Identity.Country,
		strconv.FormatBool(r.Identity.Trial), r.UserData, formatTime(r.StartedAt), formatTime(r.RecordedAt), strconv.FormatBool(r.Posted),
	}
}

// ExportCSV writes all records of kind to w as CSV with a header row
func (s *Store) ExportCSV(ctx context.Context, kind domain.RecordKind, w io.Writer) (int, error) {
	var (
		header []string
		rows   [][]string
	)

	switch kind {
	case domain.RecordKindUsage:
		records, err := s.UsageRecords(ctx)
		if err != nil {
			return 0, err
		}
		header = UsageHeader
		for _, r := range records {
			rows = append(rows, UsageRow(r))
		}
	case domain.RecordKindFeature:
		records, err := s.FeatureRecords(ctx)
		if err != nil {
			return 0, err
		}
		header = FeatureHeader
		for _, r := range records {
			rows = append(rows, FeatureRow(r))
		}
	default:
		return 0, fmt.Errorf("unknown record kind %q", kind)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return 0, fmt.Errorf("failed to write header: %w", err)
	}
	if err := cw.WriteAll(rows); err != nil {
		return 0, fmt.Errorf("failed to write rows: %w", err)
	}
	return len(rows), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

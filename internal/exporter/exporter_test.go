package exporter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"entitlecli/internal/config"
	"entitlecli/internal/store"
	"entitlecli/pkg/contracts/domain"
)

var recordedAt = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func setupTestEnv(t *testing.T) (*config.Paths, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	paths := &config.Paths{BaseDir: dir, ExportsDir: filepath.Join(dir, "exports")}

	st := store.New(filepath.Join(dir, "licensing.db"))
	ctx := context.Background()
	require.NoError(t, st.Open(ctx))
	t.Cleanup(func() { _ = st.Close() })

	identity := domain.PolicyIdentity{PolicyID: "pol-1", UserID: "user-1", Country: "DE"}
	require.NoError(t, st.InsertUsageRecord(ctx, domain.UsageRecord{
		ID: "u-1", ProductID: "studio", Version: "1.4.0", DeviceID: "device-1",
		Identity: identity, Status: domain.StatusOk, RecordedAt: recordedAt,
	}))
	require.NoError(t, st.InsertUsageRecord(ctx, domain.UsageRecord{
		ID: "u-2", ProductID: "studio", Version: "1.4.0", DeviceID: "device-1",
		Identity: identity, Status: domain.StatusOffline, RecordedAt: recordedAt.Add(time.Hour),
	}))
	require.NoError(t, st.MarkUsagePosted(ctx, []string{"u-1"}))
	require.NoError(t, st.InsertFeatureRecord(ctx, domain.FeatureRecord{
		ID: "f-1", ProductID: "studio", FeatureID: "render", Version: "1.4.0", DeviceID: "device-1",
		Identity: identity, UserData: `{"frames":3}`, StartedAt: recordedAt, RecordedAt: recordedAt.Add(time.Minute),
	}))
	return paths, st
}

type failingSource struct{}

func (failingSource) UsageRecords(context.Context) ([]domain.UsageRecord, error) {
	return nil, errors.New("store closed")
}

func (failingSource) FeatureRecords(context.Context) ([]domain.FeatureRecord, error) {
	return nil, errors.New("store closed")
}

func TestCSVWriter_WriteCSV(t *testing.T) {
	dir := t.TempDir()
	writer := NewCSVWriter(&config.Paths{ExportsDir: dir})

	tests := []struct {
		name     string
		options  WriteOptions
		validate func(t *testing.T, content string)
	}{
		{
			name: "basic write with headers",
			options: WriteOptions{
				Headers: []string{"id", "status"},
				Records: [][]string{{"a", "ok"}, {"b", "offline"}},
			},
			validate: func(t *testing.T, content string) {
				lines := strings.Split(strings.TrimSpace(content), "\n")
				assert.Equal(t, []string{"id,status", "a,ok", "b,offline"}, lines)
			},
		},
		{
			name: "write with BOM prefix",
			options: WriteOptions{
				Headers:   []string{"id"},
				Records:   [][]string{{"a"}},
				BOMPrefix: true,
			},
			validate: func(t *testing.T, content string) {
				assert.True(t, strings.HasPrefix(content, "\xEF\xBB\xBFid\n"))
			},
		},
		{
			name: "quotes fields with commas",
			options: WriteOptions{
				Headers: []string{"user_data"},
				Records: [][]string{{`{"a":1,"b":2}`}},
			},
			validate: func(t *testing.T, content string) {
				assert.Contains(t, content, `"{""a"":1,""b"":2}"`)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name := strings.ReplaceAll(tt.name, " ", "_") + ".csv"
			require.NoError(t, writer.WriteCSV(name, tt.options))

			content, err := os.ReadFile(filepath.Join(dir, name))
			require.NoError(t, err)
			tt.validate(t, string(content))
		})
	}
}

func TestCSVWriter_Append(t *testing.T) {
	dir := t.TempDir()
	writer := NewCSVWriter(&config.Paths{ExportsDir: dir})
	path := filepath.Join(dir, "nested", "append.csv")

	require.NoError(t, writer.WriteCSV(path, WriteOptions{Headers: []string{"id"}, Records: [][]string{{"a"}}}))
	require.NoError(t, writer.WriteCSV(path, WriteOptions{Headers: []string{"id"}, Records: [][]string{{"b"}}, Append: true}))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "id\na\nb\n", string(content))
}

func TestCSVWriter_ExportRecords(t *testing.T) {
	paths, st := setupTestEnv(t)
	writer := NewCSVWriter(paths)
	ctx := context.Background()

	n, err := writer.ExportRecords(ctx, st, domain.RecordKindUsage, "usage.csv")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	content, err := os.ReadFile(filepath.Join(paths.ExportsDir, "usage.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(strings.TrimPrefix(string(content), "\xEF\xBB\xBF")), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(store.UsageHeader, ","), lines[0])
	assert.Contains(t, string(content), "offline")

	n, err = writer.ExportRecords(ctx, st, domain.RecordKindFeature, "features.csv")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = writer.ExportRecords(ctx, st, domain.RecordKind("bogus"), "x.csv")
	assert.Error(t, err)

	_, err = writer.ExportRecords(ctx, failingSource{}, domain.RecordKindUsage, "y.csv")
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(paths.ExportsDir, "y.csv"))
}

func TestWorkbookWriter_WriteWorkbook(t *testing.T) {
	paths, st := setupTestEnv(t)
	writer := NewWorkbookWriter(paths)

	summary, err := writer.WriteWorkbook(context.Background(), st, "records.xlsx")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(paths.ExportsDir, "records.xlsx"), summary.Path)
	assert.Equal(t, 2, summary.UsageRows)
	assert.Equal(t, 1, summary.FeatureRows)
	assert.Equal(t, 1, summary.PendingUsage)
	assert.Equal(t, 1, summary.PendingFeature)
	assert.Equal(t, map[string]int{"ok": 1, "offline": 1}, summary.StatusCounts)

	f, err := excelize.OpenFile(summary.Path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SummarySheet, UsageSheet, FeatureSheet}, f.GetSheetList())

	usage, err := f.GetRows(UsageSheet)
	require.NoError(t, err)
	require.Len(t, usage, 3)
	assert.Equal(t, store.UsageHeader, usage[0])

	features, err := f.GetRows(FeatureSheet)
	require.NoError(t, err)
	require.Len(t, features, 2)
	assert.Equal(t, "render", features[1][2])
	assert.Equal(t, `{"frames":3}`, features[1][11])

	rows, err := f.GetRows(SummarySheet)
	require.NoError(t, err)
	assert.Equal(t, []string{"usage_rows", "2"}, rows[1])
	assert.Equal(t, []string{"status_offline", "1"}, rows[5])
	assert.Equal(t, []string{"status_ok", "1"}, rows[6])
}

func TestWorkbookWriter_SourceFailure(t *testing.T) {
	dir := t.TempDir()
	writer := NewWorkbookWriter(&config.Paths{ExportsDir: dir})

	_, err := writer.WriteWorkbook(context.Background(), failingSource{}, "records.xlsx")
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "records.xlsx"))
}

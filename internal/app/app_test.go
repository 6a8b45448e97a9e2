package app

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitlecli/internal/config"
	licenseErrors "entitlecli/internal/errors"
	"entitlecli/internal/license"
	"entitlecli/internal/policy"
	"entitlecli/internal/shared/testutil"
	"entitlecli/internal/signature"
	"entitlecli/internal/store"
	"entitlecli/pkg/contracts/domain"
)

var errOffline = licenseErrors.ProviderError("provider.get_policy", licenseErrors.ErrProviderUnavailable)

type offlineProvider struct{}

func (offlineProvider) GetPolicyForUser(context.Context) (*policy.Policy, error) {
	return nil, errOffline
}

func (offlineProvider) GetPolicyWithAccessKey(context.Context, string, string) (*policy.Policy, error) {
	return nil, errOffline
}

func (offlineProvider) GetPolicyForProject(context.Context, string) (*policy.Policy, error) {
	return nil, errOffline
}

func (offlineProvider) ValidateAccessKey(context.Context, domain.ApplicationInfo, string, string) (domain.AccessKeyValidation, error) {
	return domain.AccessKeyValidation{}, errOffline
}

func (offlineProvider) PostUsageRecords(context.Context, domain.ApplicationInfo, store.Records, *policy.Policy) (int, error) {
	return 0, errOffline
}

func (offlineProvider) PostFeatureRecords(context.Context, domain.ApplicationInfo, store.Records, *policy.Policy) (int, error) {
	return 0, errOffline
}

type entitledProvider struct {
	offlineProvider
	pol *policy.Policy
}

func (p entitledProvider) GetPolicyForUser(context.Context) (*policy.Policy, error) {
	return p.pol, nil
}

func newTestApp(t *testing.T, mutate func(*config.Config)) *Application {
	t.Helper()
	return newTestAppWith(t, mutate, offlineProvider{}, slog.New(slog.DiscardHandler))
}

func newTestAppWith(t *testing.T, mutate func(*config.Config), prov interface {
	license.PolicyProvider
	license.UsageProvider
}, logger *slog.Logger) *Application {
	t.Helper()
	cfg := config.Default()
	cfg.Application.ProductID = "prod-1"
	cfg.Application.DeviceID = "device-1"
	if mutate != nil {
		mutate(cfg)
	}

	a, err := New(Options{
		Config:        cfg,
		BaseDir:       t.TempDir(),
		Logger:        logger,
		SkipTelemetry: true,
		Policies:      prov,
		Usage:         prov,
		Signatures:    signature.NewGenerator(signature.StaticSource{Host: "host-a"}, "test-salt"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop(context.Background()) })
	return a
}

func TestNewResolvesPaths(t *testing.T) {
	a := newTestApp(t, nil)

	assert.Equal(t, filepath.Join(a.Paths.BaseDir, "data", "licensing.db"), a.Paths.DBFile)
	assert.DirExists(t, a.Paths.DataDir)
	assert.DirExists(t, a.Paths.ExportsDir)
	assert.Equal(t, license.StateStopped, a.Session.State())
	assert.Equal(t, domain.PolicySourceUser, a.Session.Scope().Source)
}

func TestRouterServesControlAPI(t *testing.T) {
	a := newTestApp(t, nil)

	tests := []struct {
		path string
		want int
	}{
		{"/health/live", http.StatusOK},
		{"/version", http.StatusOK},
		{"/api/v1/license/status", http.StatusOK},
		{"/api/v1/records/usage.csv", http.StatusOK},
		{"/missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			a.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestStartSessionWithoutServiceOrCache(t *testing.T) {
	a := newTestApp(t, nil)

	status, err := a.StartSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNotEntitled, status)
	assert.Equal(t, license.StateStopped, a.Session.State())
	assert.False(t, a.Store.IsOpen())
}

func TestEntitledSessionServesFeatureRoute(t *testing.T) {
	fixtures := testutil.NewLicenseFixtures(t, "prod-1", time.Now().Truncate(time.Second))
	logger, logs := testutil.NewTestLogger()
	a := newTestAppWith(t, nil, entitledProvider{pol: fixtures.Policy(nil)}, logger)

	status, err := a.StartSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOk, status)
	assert.Equal(t, license.StateRunning, a.Session.State())
	testutil.AssertLogContains(t, logs, slog.LevelInfo, "License session started")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/license/features", strings.NewReader(`{"feature_id":"render"}`))
	req.Header.Set("Content-Type", "application/json")
	a.Router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.NoError(t, a.Stop(context.Background()))
	assert.Equal(t, license.StateStopped, a.Session.State())
	assert.False(t, a.Store.IsOpen())
}

func TestStartSessionForProject(t *testing.T) {
	a := newTestApp(t, func(cfg *config.Config) {
		cfg.Licensing.PolicySource = "project"
		cfg.Licensing.ProjectID = "proj-9"
	})

	assert.Equal(t, domain.PolicySourceProject, a.Session.Scope().Source)
	status, err := a.StartSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNotEntitled, status)
	assert.Equal(t, "proj-9", a.Session.Scope().ProjectID)
}

func TestOneShotStoreCommands(t *testing.T) {
	a := newTestApp(t, nil)
	ctx := context.Background()

	purged, err := a.PurgePosted(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, purged)

	n, err := a.ExportCSV(ctx, domain.RecordKindUsage, "usage.csv")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.FileExists(t, filepath.Join(a.Paths.ExportsDir, "usage.csv"))

	summary, err := a.ExportWorkbook(ctx, "records.xlsx")
	require.NoError(t, err)
	assert.FileExists(t, summary.Path)

	assert.False(t, a.Store.IsOpen(), "one-shot commands must release the store")
}

func TestScopeFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LicensingConfig
		want    domain.Scope
		wantErr bool
	}{
		{"default user", config.LicensingConfig{}, domain.Scope{Source: domain.PolicySourceUser}, false},
		{"access key", config.LicensingConfig{PolicySource: "access_key", AccessKey: "k", UltimateID: "u"},
			domain.Scope{Source: domain.PolicySourceAccessKey, AccessKey: "k", UltimateID: "u"}, false},
		{"project", config.LicensingConfig{PolicySource: "project", ProjectID: "p"},
			domain.Scope{Source: domain.PolicySourceProject, ProjectID: "p"}, false},
		{"unknown", config.LicensingConfig{PolicySource: "team"}, domain.Scope{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ScopeFromConfig(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStopIsSafeWhenNothingStarted(t *testing.T) {
	a := newTestApp(t, nil)
	assert.NoError(t, a.Stop(context.Background()))
}

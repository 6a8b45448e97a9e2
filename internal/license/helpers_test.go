package license

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"entitlecli/internal/policy"
	"entitlecli/internal/store"
	"entitlecli/pkg/contracts/domain"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

var (
	keyOnce sync.Once
	testKey ed25519.PrivateKey
)

func signingKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		testKey = priv
	})
	return testKey
}

func baseClaims() policy.Claims {
	return policy.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "pol-1",
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(testNow.Add(30 * 24 * time.Hour)),
		},
		Country:     "DE",
		OfflineDays: 7,
		Securables: []policy.Securable{
			{ProductID: "studio", AllowOffline: true},
			{ProductID: "studio", FeatureID: "export", AllowOffline: false},
		},
	}
}

func signClaims(t *testing.T, c policy.Claims) (string, string) {
	t.Helper()
	tok, cert, err := policy.Issue(c, signingKey(t))
	require.NoError(t, err)
	return tok, cert
}

// issuePolicy signs baseClaims after applying mutate
func issuePolicy(t *testing.T, mutate func(c *policy.Claims)) *policy.Policy {
	t.Helper()
	c := baseClaims()
	if mutate != nil {
		mutate(&c)
	}
	tok, cert := signClaims(t, c)
	p, err := policy.Parse(tok, cert)
	require.NoError(t, err)
	return p
}

func withID(id string) func(c *policy.Claims) {
	return func(c *policy.Claims) { c.ID = id }
}

func testApp() domain.ApplicationInfo {
	return domain.ApplicationInfo{ProductID: "studio", Version: "1.4.0", DeviceID: "device-1"}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s := store.New(filepath.Join(t.TempDir(), "licensing.db"))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func cachePolicy(t *testing.T, s *store.Store, p *policy.Policy, fetched time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Open(ctx))
	id := p.Identity()
	require.NoError(t, s.SavePolicy(ctx, domain.CachedPolicy{
		PolicyID:    id.PolicyID,
		UserID:      id.UserID,
		AccessKey:   id.AccessKey,
		ProjectID:   id.ProjectID,
		ProductIDs:  p.ProductIDs(),
		Token:       p.Token(),
		Certificate: p.Certificate(),
		FetchedAt:   fetched,
	}))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// mockPolicyProvider is a testify mock of PolicyProvider
type mockPolicyProvider struct {
	mock.Mock
}

func (m *mockPolicyProvider) GetPolicyForUser(ctx context.Context) (*policy.Policy, error) {
	args := m.Called(ctx)
	return policyArg(args, 0), args.Error(1)
}

func (m *mockPolicyProvider) GetPolicyWithAccessKey(ctx context.Context, key, ultimateID string) (*policy.Policy, error) {
	args := m.Called(ctx, key, ultimateID)
	return policyArg(args, 0), args.Error(1)
}

func (m *mockPolicyProvider) GetPolicyForProject(ctx context.Context, projectID string) (*policy.Policy, error) {
	args := m.Called(ctx, projectID)
	return policyArg(args, 0), args.Error(1)
}

func policyArg(args mock.Arguments, i int) *policy.Policy {
	if p, ok := args.Get(i).(*policy.Policy); ok {
		return p
	}
	return nil
}

// mockUsageProvider is a testify mock of UsageProvider
type mockUsageProvider struct {
	mock.Mock
}

func (m *mockUsageProvider) ValidateAccessKey(ctx context.Context, app domain.ApplicationInfo, key, ultimateID string) (domain.AccessKeyValidation, error) {
	args := m.Called(ctx, app, key, ultimateID)
	return args.Get(0).(domain.AccessKeyValidation), args.Error(1)
}

func (m *mockUsageProvider) PostUsageRecords(ctx context.Context, app domain.ApplicationInfo, records store.Records, pol *policy.Policy) (int, error) {
	args := m.Called(ctx, app, records, pol)
	return args.Int(0), args.Error(1)
}

func (m *mockUsageProvider) PostFeatureRecords(ctx context.Context, app domain.ApplicationInfo, records store.Records, pol *policy.Policy) (int, error) {
	args := m.Called(ctx, app, records, pol)
	return args.Int(0), args.Error(1)
}

package policy

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitlecli/pkg/contracts/domain"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func issue(t *testing.T, c Claims) (string, string) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	tok, cert, err := Issue(c, priv)
	require.NoError(t, err)
	return tok, cert
}

func parse(t *testing.T, c Claims) *Policy {
	t.Helper()
	tok, cert := issue(t, c)
	p, err := Parse(tok, cert)
	require.NoError(t, err)
	return p
}

func baseClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "pol-1",
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(now.Add(30 * 24 * time.Hour)),
		},
		Country:     "DE",
		OfflineDays: 7,
		Securables: []Securable{
			{ProductID: "studio", MinVersion: "1.0.0", MaxVersion: "2", AllowOffline: true},
			{ProductID: "studio", FeatureID: "render", Status: SecurableDenied},
			{ProductID: "viewer", Status: SecurableTrial},
		},
	}
}

func TestParseRoundTrip(t *testing.T) {
	p := parse(t, baseClaims())

	assert.Equal(t, "pol-1", p.ID())
	assert.Equal(t, domain.PolicyIdentity{PolicyID: "pol-1", UserID: "user-1", Country: "DE"}, p.Identity())
	assert.ElementsMatch(t, []string{"studio", "viewer"}, p.ProductIDs())
	assert.NotEmpty(t, p.Token())
	assert.NotEmpty(t, p.Certificate())
}

func TestParseRejects(t *testing.T) {
	tok, cert := issue(t, baseClaims())
	_, otherCert := issue(t, baseClaims())

	tests := []struct {
		name  string
		token string
		cert  string
	}{
		{"empty token", "", cert},
		{"empty certificate", tok, ""},
		{"garbage certificate", tok, "not-base64!"},
		{"wrong key", tok, otherCert},
		{"tampered token", tok + "x", cert},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.token, tt.cert)
			assert.Error(t, err)
		})
	}
}

func TestParseRequiresPolicyID(t *testing.T) {
	c := baseClaims()
	c.ID = ""
	tok, cert := issue(t, c)
	_, err := Parse(tok, cert)
	assert.Error(t, err)
}

func TestParseKeepsExpiredPolicies(t *testing.T) {
	c := baseClaims()
	c.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Hour))
	p := parse(t, c)
	assert.Equal(t, domain.ValidityExpired, p.Validity(now))
}

func TestValidity(t *testing.T) {
	c := baseClaims()
	assert.Equal(t, domain.ValidityValid, parse(t, c).Validity(now))

	c.Disabled = true
	assert.Equal(t, domain.ValidityOther, parse(t, c).Validity(now))

	c = baseClaims()
	c.NotBefore = jwt.NewNumericDate(now.Add(time.Hour))
	assert.Equal(t, domain.ValidityOther, parse(t, c).Validity(now))
}

func TestEvaluateProduct(t *testing.T) {
	p := parse(t, baseClaims())

	tests := []struct {
		name    string
		product string
		feature string
		version string
		want    domain.LicenseStatus
	}{
		{"granted", "studio", "export", "1.4.0", domain.StatusOk},
		{"major line admitted", "studio", "", "2.9.3", domain.StatusOk},
		{"version too new", "studio", "", "3.0.0", domain.StatusAccessDenied},
		{"version too old", "studio", "", "0.9.0", domain.StatusAccessDenied},
		{"feature denied", "studio", "render", "1.4.0", domain.StatusAccessDenied},
		{"trial securable", "viewer", "", "5.0.0", domain.StatusTrial},
		{"unknown product", "mixer", "", "1.0.0", domain.StatusNotEntitled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.EvaluateProduct(tt.product, tt.feature, tt.version, now))
		})
	}
}

func TestEvaluateProductExpiry(t *testing.T) {
	c := baseClaims()
	c.Securables[0].ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))
	assert.Equal(t, domain.StatusExpired, parse(t, c).EvaluateProduct("studio", "", "1.0.0", now))

	c = baseClaims()
	c.Trial = true
	c.TrialEndsAt = jwt.NewNumericDate(now.Add(-time.Minute))
	assert.Equal(t, domain.StatusExpired, parse(t, c).EvaluateProduct("studio", "", "1.0.0", now))
}

func TestAllowsOffline(t *testing.T) {
	p := parse(t, baseClaims())
	assert.True(t, p.AllowsOffline("studio", "export"))
	assert.False(t, p.AllowsOffline("studio", "render"))
	assert.False(t, p.AllowsOffline("viewer", ""))
	assert.False(t, p.AllowsOffline("mixer", ""))
}

func TestIntervalsDefault(t *testing.T) {
	p := parse(t, baseClaims())
	assert.Equal(t, DefaultHeartbeatInterval, p.HeartbeatInterval())
	assert.Equal(t, DefaultRefreshInterval, p.RefreshInterval())
	assert.Equal(t, DefaultLogRetention, p.LogRetention())
	assert.Equal(t, int64(7), p.OfflineDurationDays())

	c := baseClaims()
	c.HeartbeatSeconds = 60
	c.RefreshSeconds = 120
	c.LogRetentionSeconds = 7200
	c.OfflineDays = -3
	p = parse(t, c)
	assert.Equal(t, time.Minute, p.HeartbeatInterval())
	assert.Equal(t, 2*time.Minute, p.RefreshInterval())
	assert.Equal(t, 2*time.Hour, p.LogRetention())
	assert.Equal(t, int64(0), p.OfflineDurationDays())
}

func TestTrialDaysRemaining(t *testing.T) {
	c := baseClaims()
	assert.Equal(t, int64(0), parse(t, c).TrialDaysRemaining(now), "non-trial")

	c.Trial = true
	c.TrialEndsAt = jwt.NewNumericDate(now.Add(5*24*time.Hour + time.Hour))
	p := parse(t, c)
	assert.True(t, p.IsTrial())
	assert.Equal(t, int64(5), p.TrialDaysRemaining(now))
	assert.Equal(t, int64(0), p.TrialDaysRemaining(now.Add(10*24*time.Hour)))
}

func TestBoundDevice(t *testing.T) {
	c := baseClaims()
	c.DeviceSignature = "sig-abc"
	assert.Equal(t, "sig-abc", parse(t, c).BoundDevice())
}

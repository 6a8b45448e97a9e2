package testutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"entitlecli/internal/policy"
)

// LicenseFixtures signs policies with a throwaway Ed25519 key
type LicenseFixtures struct {
	t   testing.TB
	key ed25519.PrivateKey

	Now       time.Time
	ProductID string
}

// NewLicenseFixtures creates fixtures for productID with a fresh signing key
func NewLicenseFixtures(t testing.TB, productID string, now time.Time) *LicenseFixtures {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &LicenseFixtures{t: t, key: priv, Now: now, ProductID: productID}
}

// Claims returns a 30-day policy granting the product with a week of offline use
func (f *LicenseFixtures) Claims() policy.Claims {
	return policy.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "pol-fixture",
			Subject:   "user-fixture",
			IssuedAt:  jwt.NewNumericDate(f.Now),
			ExpiresAt: jwt.NewNumericDate(f.Now.Add(30 * 24 * time.Hour)),
		},
		Country:     "DE",
		OfflineDays: 7,
		Securables: []policy.Securable{
			{ProductID: f.ProductID, AllowOffline: true},
		},
	}
}

// Sign returns the token and certificate lines for Claims after mutate
func (f *LicenseFixtures) Sign(mutate func(c *policy.Claims)) (token, certificate string) {
	f.t.Helper()
	c := f.Claims()
	if mutate != nil {
		mutate(&c)
	}
	token, certificate, err := policy.Issue(c, f.key)
	require.NoError(f.t, err)
	return token, certificate
}

// Policy signs and parses a policy
func (f *LicenseFixtures) Policy(mutate func(c *policy.Claims)) *policy.Policy {
	f.t.Helper()
	p, err := policy.Parse(f.Sign(mutate))
	require.NoError(f.t, err)
	return p
}

// Trial returns a trial policy ending days after Now
func (f *LicenseFixtures) Trial(days int) *policy.Policy {
	return f.Policy(func(c *policy.Claims) {
		c.ID = "pol-trial"
		c.Trial = true
		c.TrialEndsAt = jwt.NewNumericDate(f.Now.Add(time.Duration(days) * 24 * time.Hour))
	})
}

// WriteCheckout writes a checkout file bound to deviceSignature into dir
func (f *LicenseFixtures) WriteCheckout(dir, name, deviceSignature string) string {
	f.t.Helper()
	token, certificate := f.Sign(func(c *policy.Claims) {
		c.ID = "pol-checkout"
		c.DeviceSignature = deviceSignature
	})
	path := filepath.Join(dir, name)
	require.NoError(f.t, os.WriteFile(path, []byte(fmt.Sprintf("%s\n%s\n", token, certificate)), 0o600))
	return path
}

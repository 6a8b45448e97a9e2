package license

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"

	"entitlecli/internal/policy"
	"entitlecli/pkg/contracts/domain"
)

func daysAgo(days int) GracePeriod {
	return GracePeriod{Active: true, StartMillis: testNow.Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()}
}

func TestEvaluate(t *testing.T) {
	valid := issuePolicy(t, nil)
	expired := issuePolicy(t, func(c *policy.Claims) {
		c.ExpiresAt = jwt.NewNumericDate(testNow.Add(-time.Hour))
	})
	disabled := issuePolicy(t, func(c *policy.Claims) { c.Disabled = true })
	notYet := issuePolicy(t, func(c *policy.Claims) {
		c.NotBefore = jwt.NewNumericDate(testNow.Add(time.Hour))
	})
	trial := issuePolicy(t, func(c *policy.Claims) {
		c.Trial = true
		c.TrialEndsAt = jwt.NewNumericDate(testNow.Add(5 * 24 * time.Hour))
	})
	noOffline := issuePolicy(t, func(c *policy.Claims) {
		c.Securables[0].AllowOffline = false
	})

	tests := []struct {
		name    string
		pol     *policy.Policy
		product string
		feature string
		grace   GracePeriod
		want    domain.LicenseStatus
	}{
		{name: "no policy", pol: nil, product: "studio", want: domain.StatusNotEntitled},
		{name: "expired policy", pol: expired, product: "studio", want: domain.StatusExpired},
		{name: "expired wins over grace", pol: expired, product: "studio", grace: daysAgo(1), want: domain.StatusExpired},
		{name: "disabled policy", pol: disabled, product: "studio", want: domain.StatusDisabledByPolicy},
		{name: "not yet valid", pol: notYet, product: "studio", want: domain.StatusDisabledByPolicy},
		{name: "unknown product", pol: valid, product: "viewer", want: domain.StatusNotEntitled},
		{name: "trial passes through", pol: trial, product: "studio", want: domain.StatusTrial},
		{name: "ok without grace", pol: valid, product: "studio", want: domain.StatusOk},
		{name: "grace 2 days of 7", pol: valid, product: "studio", grace: daysAgo(2), want: domain.StatusOffline},
		{name: "grace 10 days of 7", pol: valid, product: "studio", grace: daysAgo(10), want: domain.StatusExpired},
		{name: "grace exactly 7 days", pol: valid, product: "studio", grace: daysAgo(7), want: domain.StatusExpired},
		{name: "offline not allowed", pol: noOffline, product: "studio", grace: daysAgo(2), want: domain.StatusDisabledByPolicy},
		{name: "offline not allowed for feature", pol: valid, product: "studio", feature: "export", grace: daysAgo(2), want: domain.StatusDisabledByPolicy},
		{name: "offline not allowed even when exhausted", pol: noOffline, product: "studio", grace: daysAgo(10), want: domain.StatusDisabledByPolicy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.pol, tt.product, tt.feature, "1.4.0", tt.grace, testNow))
		})
	}
}

func TestEvaluateIsPure(t *testing.T) {
	pol := issuePolicy(t, nil)
	tracker := NewGraceTracker(nil, discardLogger())
	tracker.StartIfNotStarted(t.Context(), daysAgo(2).StartMillis)
	before := tracker.Snapshot()

	first := Evaluate(pol, "studio", "", "1.4.0", tracker.Snapshot(), testNow)
	second := Evaluate(pol, "studio", "", "1.4.0", tracker.Snapshot(), testNow)

	assert.Equal(t, domain.StatusOffline, first)
	assert.Equal(t, first, second)
	assert.Equal(t, before, tracker.Snapshot())
}

func TestTrialDaysRemaining(t *testing.T) {
	trial := issuePolicy(t, func(c *policy.Claims) {
		c.Trial = true
		c.TrialEndsAt = jwt.NewNumericDate(testNow.Add(5*24*time.Hour + time.Hour))
	})
	endedTrial := issuePolicy(t, func(c *policy.Claims) {
		c.Trial = true
		c.TrialEndsAt = jwt.NewNumericDate(testNow.Add(-time.Hour))
	})
	expired := issuePolicy(t, func(c *policy.Claims) {
		c.ExpiresAt = jwt.NewNumericDate(testNow.Add(-time.Hour))
	})

	assert.Equal(t, int64(-1), TrialDaysRemaining(nil, "studio", testNow))
	assert.Equal(t, int64(-1), TrialDaysRemaining(expired, "studio", testNow))
	assert.Equal(t, int64(-1), TrialDaysRemaining(trial, "viewer", testNow))
	assert.Equal(t, int64(5), TrialDaysRemaining(trial, "studio", testNow))
	assert.Equal(t, int64(0), TrialDaysRemaining(endedTrial, "studio", testNow))
	assert.Equal(t, int64(0), TrialDaysRemaining(issuePolicy(t, nil), "studio", testNow))
}

package testutil

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferedSlogHandler(t *testing.T) {
	t.Run("captures records with derived attrs", func(t *testing.T) {
		logger, h := NewTestLogger()
		child := logger.With(slog.String("component", "license_session"))

		child.Info("started", slog.String("status", "ok"))
		logger.Error("failed", slog.Int("code", 500))

		records := h.Records()
		require.Len(t, records, 2)
		assert.Equal(t, "license_session", records[0].Attr("component"))
		assert.Equal(t, "ok", records[0].Attr("status"))
		assert.Equal(t, "500", records[1].Attr("code"))
		assert.Empty(t, records[1].Attr("component"))
	})

	t.Run("groups prefix keys", func(t *testing.T) {
		logger, h := NewTestLogger()
		logger.WithGroup("http").Info("request", slog.String("method", "GET"))

		require.Len(t, h.Records(), 1)
		assert.Equal(t, "GET", h.Records()[0].Attr("http.method"))
	})

	t.Run("find and contains", func(t *testing.T) {
		logger, h := NewTestLogger()
		logger.Warn("Access key rejected", slog.String("access_key", "abcd****wxyz"))

		assert.Len(t, h.Find("rejected"), 1)
		assert.True(t, h.Contains("abcd****"))
		assert.False(t, h.Contains("abcd1234wxyz"))
		AssertLogContains(t, h, slog.LevelWarn, "Access key")
	})

	t.Run("no errors", func(t *testing.T) {
		logger, h := NewTestLogger()
		logger.Info("fine")
		AssertNoErrors(t, h)
	})
}

func TestLicenseFixtures(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	f := NewLicenseFixtures(t, "prod-1", now)

	p := f.Policy(nil)
	assert.Equal(t, "pol-fixture", p.ID())
	assert.Equal(t, []string{"prod-1"}, p.ProductIDs())
	assert.False(t, p.IsTrial())

	trial := f.Trial(3)
	assert.True(t, trial.IsTrial())
	assert.Equal(t, int64(3), trial.TrialDaysRemaining(now))

	path := f.WriteCheckout(t.TempDir(), "a.checkout", "sig")
	assert.FileExists(t, path)
}

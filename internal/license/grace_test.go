package license

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitlecli/internal/policy"
)

type failingGracePersistence struct{}

func (failingGracePersistence) GracePeriodStart(context.Context) (int64, bool, error) {
	return 0, false, errors.New("disk gone")
}

func (failingGracePersistence) SetGracePeriodStart(context.Context, int64) error {
	return errors.New("disk gone")
}

func (failingGracePersistence) ResetGracePeriod(context.Context) error {
	return errors.New("disk gone")
}

func TestGraceTrackerStartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	g := NewGraceTracker(nil, discardLogger())

	assert.False(t, g.IsActive())
	assert.Equal(t, GracePeriod{}, g.Snapshot())

	assert.True(t, g.StartIfNotStarted(ctx, 1000))
	assert.False(t, g.StartIfNotStarted(ctx, 5000))
	assert.Equal(t, GracePeriod{Active: true, StartMillis: 1000}, g.Snapshot())

	assert.True(t, g.Reset(ctx))
	assert.False(t, g.Reset(ctx))
	assert.False(t, g.IsActive())

	assert.True(t, g.StartIfNotStarted(ctx, 9000))
	assert.Equal(t, int64(9000), g.Snapshot().StartMillis)
}

func TestGraceDaysRemaining(t *testing.T) {
	pol := issuePolicy(t, func(c *policy.Claims) { c.OfflineDays = 7 })
	now := testNow.UnixMilli()

	assert.Equal(t, int64(0), GracePeriod{}.DaysRemaining(pol, now))
	assert.Equal(t, int64(0), daysAgo(1).DaysRemaining(nil, now))
	assert.Equal(t, int64(7), daysAgo(0).DaysRemaining(pol, now))
	assert.Equal(t, int64(5), daysAgo(2).DaysRemaining(pol, now))
	assert.Equal(t, int64(-3), daysAgo(10).DaysRemaining(pol, now))

	// partial days do not count
	g := GracePeriod{Active: true, StartMillis: testNow.Add(-47 * time.Hour).UnixMilli()}
	assert.Equal(t, int64(6), g.DaysRemaining(pol, now))
}

func TestGraceTrackerPersists(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.Open(ctx))

	g := NewGraceTracker(st, discardLogger())
	require.NoError(t, g.Load(ctx))
	assert.False(t, g.IsActive())

	g.StartIfNotStarted(ctx, 4242)

	restored := NewGraceTracker(st, discardLogger())
	require.NoError(t, restored.Load(ctx))
	assert.Equal(t, GracePeriod{Active: true, StartMillis: 4242}, restored.Snapshot())

	restored.Reset(ctx)
	again := NewGraceTracker(st, discardLogger())
	require.NoError(t, again.Load(ctx))
	assert.False(t, again.IsActive())
}

func TestGraceTrackerAbsorbsPersistenceFailures(t *testing.T) {
	ctx := context.Background()
	g := NewGraceTracker(failingGracePersistence{}, discardLogger())

	assert.Error(t, g.Load(ctx))
	assert.True(t, g.StartIfNotStarted(ctx, 10))
	assert.True(t, g.IsActive())
	assert.True(t, g.Reset(ctx))
	assert.False(t, g.IsActive())
}

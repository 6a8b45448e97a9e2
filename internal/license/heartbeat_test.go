package license

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitlecli/internal/clock"
	licenseErrors "entitlecli/internal/errors"
)

const testQuantum = 5 * time.Millisecond

func newTestHeartbeat(clk clock.Clock) *Heartbeat {
	return NewHeartbeat(HeartbeatUsage, NewHeartbeatState(), clk, testQuantum, discardLogger())
}

func TestHeartbeatStateInitial(t *testing.T) {
	st := NewHeartbeatState()
	snap := st.Snapshot(HeartbeatPolicy)

	assert.Equal(t, HeartbeatSnapshot{Kind: "policy", FirstTickPending: true, Stopped: true}, snap)
	assert.True(t, st.ConsumeFirstTick())
	assert.False(t, st.ConsumeFirstTick())

	st.MarkRun(1000)
	assert.False(t, st.Due(1999, time.Second))
	assert.True(t, st.Due(2000, time.Second))
}

func TestHeartbeatRunsImmediately(t *testing.T) {
	clk := clock.NewManual(testNow)
	hb := newTestHeartbeat(clk)

	var calls atomic.Int32
	require.NoError(t, hb.Start(context.Background(), func(context.Context, *HeartbeatState) {
		calls.Add(1)
	}))
	defer hb.Stop()

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, time.Millisecond)
	assert.Equal(t, testNow.UnixMilli(), hb.State().LastRun())
	assert.False(t, hb.State().Stopped())
	assert.True(t, hb.Running())

	// later invocations come from the quantum loop
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
}

func TestHeartbeatStopResetsState(t *testing.T) {
	clk := clock.NewManual(testNow)
	hb := newTestHeartbeat(clk)

	for round := 0; round < 3; round++ {
		require.NoError(t, hb.Start(context.Background(), func(_ context.Context, st *HeartbeatState) {
			st.ConsumeFirstTick()
			st.MarkRun(clk.NowMillis())
		}))
		clk.Advance(time.Minute)
		time.Sleep(3 * testQuantum)

		hb.Stop()

		snap := hb.State().Snapshot(HeartbeatUsage)
		assert.True(t, snap.Stopped, "round %d", round)
		assert.Equal(t, int64(0), snap.LastRunMillis, "round %d", round)
		assert.True(t, snap.FirstTickPending, "round %d", round)
		assert.False(t, snap.StopRequested, "round %d", round)
		assert.False(t, hb.Running())
	}
}

func TestHeartbeatStopWithoutStart(t *testing.T) {
	hb := newTestHeartbeat(clock.NewManual(testNow))
	hb.Stop()
	assert.True(t, hb.State().Stopped())
}

func TestHeartbeatDoubleStart(t *testing.T) {
	hb := newTestHeartbeat(clock.NewManual(testNow))
	noop := func(context.Context, *HeartbeatState) {}

	require.NoError(t, hb.Start(context.Background(), noop))
	defer hb.Stop()

	err := hb.Start(context.Background(), noop)
	require.Error(t, err)
	assert.ErrorIs(t, err, licenseErrors.ErrAlreadyRunning)
}

func TestHeartbeatNeverOverlaps(t *testing.T) {
	hb := newTestHeartbeat(clock.NewManual(testNow))

	var inFlight, maxInFlight, calls atomic.Int32
	require.NoError(t, hb.Start(context.Background(), func(context.Context, *HeartbeatState) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * testQuantum)
		calls.Add(1)
		inFlight.Add(-1)
	}))

	require.Eventually(t, func() bool { return calls.Load() >= 4 }, 2*time.Second, time.Millisecond)
	hb.Stop()
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestHeartbeatStopWaitsForTask(t *testing.T) {
	hb := newTestHeartbeat(clock.NewManual(testNow))

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, hb.Start(context.Background(), func(context.Context, *HeartbeatState) {
		select {
		case <-entered:
		default:
			close(entered)
			<-release
			finished.Store(true)
		}
	}))
	<-entered

	stopped := make(chan struct{})
	go func() {
		hb.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while the task was still running")
	case <-time.After(10 * testQuantum):
	}

	close(release)
	<-stopped
	assert.True(t, finished.Load())
	assert.True(t, hb.State().Stopped())
}

func TestHeartbeatSurvivesPanics(t *testing.T) {
	hb := newTestHeartbeat(clock.NewManual(testNow))

	var calls atomic.Int32
	require.NoError(t, hb.Start(context.Background(), func(context.Context, *HeartbeatState) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	}))
	defer hb.Stop()

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
}

func TestHeartbeatIgnoresCallerCancellation(t *testing.T) {
	hb := newTestHeartbeat(clock.NewManual(testNow))
	ctx, cancel := context.WithCancel(context.Background())

	var sawCancel atomic.Bool
	var calls atomic.Int32
	require.NoError(t, hb.Start(ctx, func(taskCtx context.Context, _ *HeartbeatState) {
		if taskCtx.Err() != nil {
			sawCancel.Store(true)
		}
		calls.Add(1)
	}))
	cancel()

	start := calls.Load()
	require.Eventually(t, func() bool { return calls.Load() > start+2 }, time.Second, time.Millisecond)
	hb.Stop()
	assert.False(t, sawCancel.Load())
}

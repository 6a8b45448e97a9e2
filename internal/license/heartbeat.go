package license

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"entitlecli/internal/clock"
	licenseErrors "entitlecli/internal/errors"
)

// DefaultHeartbeatQuantum is how often a heartbeat asks its task whether it is due
const DefaultHeartbeatQuantum = 100 * time.Millisecond

// HeartbeatKind names one of the session heartbeats
type HeartbeatKind int

const (
	HeartbeatUsage HeartbeatKind = iota
	HeartbeatPolicy
	HeartbeatLogPosting

	heartbeatKinds = 3
)

func (k HeartbeatKind) String() string {
	switch k {
	case HeartbeatUsage:
		return "usage"
	case HeartbeatPolicy:
		return "policy"
	case HeartbeatLogPosting:
		return "log_posting"
	default:
		return fmt.Sprintf("heartbeat(%d)", int(k))
	}
}

// HeartbeatState is the per-heartbeat bookkeeping. Only the heartbeat's own
// goroutine and its Stop path mutate it.
type HeartbeatState struct {
	lastRun       atomic.Int64
	firstTick     atomic.Bool
	stopRequested atomic.Bool
	stopped       atomic.Bool
}

// NewHeartbeatState returns a state in its initial, stopped form
func NewHeartbeatState() *HeartbeatState {
	s := &HeartbeatState{}
	s.reset()
	return s
}

func (s *HeartbeatState) reset() {
	s.lastRun.Store(0)
	s.firstTick.Store(true)
	s.stopRequested.Store(false)
	s.stopped.Store(true)
}

// LastRun is the start of the last run in Unix milliseconds, 0 when never started
func (s *HeartbeatState) LastRun() int64 { return s.lastRun.Load() }

// MarkRun records the start of a run
func (s *HeartbeatState) MarkRun(nowMillis int64) { s.lastRun.Store(nowMillis) }

// ConsumeFirstTick returns true exactly once per start
func (s *HeartbeatState) ConsumeFirstTick() bool {
	return s.firstTick.CompareAndSwap(true, false)
}

// Due reports whether interval has elapsed since the last run
func (s *HeartbeatState) Due(nowMillis int64, interval time.Duration) bool {
	return nowMillis-s.lastRun.Load() >= interval.Milliseconds()
}

// StopRequested reports whether Stop has been called
func (s *HeartbeatState) StopRequested() bool { return s.stopRequested.Load() }

// Stopped reports whether the heartbeat goroutine has exited
func (s *HeartbeatState) Stopped() bool { return s.stopped.Load() }

// HeartbeatSnapshot is a point-in-time copy of a HeartbeatState
type HeartbeatSnapshot struct {
	Kind             string `json:"kind"`
	LastRunMillis    int64  `json:"last_run_ms"`
	FirstTickPending bool   `json:"first_tick_pending"`
	StopRequested    bool   `json:"stop_requested"`
	Stopped          bool   `json:"stopped"`
}

// Snapshot copies the state
func (s *HeartbeatState) Snapshot(kind HeartbeatKind) HeartbeatSnapshot {
	return HeartbeatSnapshot{
		Kind:             kind.String(),
		LastRunMillis:    s.lastRun.Load(),
		FirstTickPending: s.firstTick.Load(),
		StopRequested:    s.stopRequested.Load(),
		Stopped:          s.stopped.Load(),
	}
}

// Task is one heartbeat body. It decides for itself whether it is due.
type Task func(ctx context.Context, state *HeartbeatState)

// Heartbeat runs a Task on its own goroutine: once immediately, then every
// quantum until stopped. Runs of the same heartbeat never overlap.
type Heartbeat struct {
	kind    HeartbeatKind
	state   *HeartbeatState
	clock   clock.Clock
	quantum time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewHeartbeat creates a stopped heartbeat around state
func NewHeartbeat(kind HeartbeatKind, state *HeartbeatState, clk clock.Clock, quantum time.Duration, logger *slog.Logger) *Heartbeat {
	if quantum <= 0 {
		quantum = DefaultHeartbeatQuantum
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		kind:    kind,
		state:   state,
		clock:   clk,
		quantum: quantum,
		logger:  logger.With(slog.String("heartbeat", kind.String())),
	}
}

// Kind returns the heartbeat kind
func (h *Heartbeat) Kind() HeartbeatKind { return h.kind }

// State returns the heartbeat state
func (h *Heartbeat) State() *HeartbeatState { return h.state }

// Running reports whether the goroutine is live
func (h *Heartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Start launches the heartbeat. The task context is detached from ctx's
// cancellation; only Stop ends the heartbeat.
func (h *Heartbeat) Start(ctx context.Context, task Task) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return licenseErrors.StateError("heartbeat.start", fmt.Errorf("%s heartbeat: %w", h.kind, licenseErrors.ErrAlreadyRunning))
	}

	if h.state.LastRun() == 0 {
		h.state.MarkRun(h.clock.NowMillis())
	}
	h.state.stopRequested.Store(false)
	h.state.stopped.Store(false)

	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})
	h.running = true

	go h.loop(context.WithoutCancel(ctx), task, h.stopCh, h.doneCh)
	return nil
}

func (h *Heartbeat) loop(ctx context.Context, task Task, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer h.state.stopped.Store(true)

	h.invoke(ctx, task)

	ticker := time.NewTicker(h.quantum)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if h.state.StopRequested() {
				return
			}
			h.invoke(ctx, task)
		}
	}
}

// invoke runs one tick; a panicking task is logged and the heartbeat goes on
func (h *Heartbeat) invoke(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.ErrorContext(ctx, "heartbeat task panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	task(ctx, h.state)
}

// Stop blocks until the heartbeat goroutine has exited, then resets the
// state so Start can be called again. Stopping a stopped heartbeat is a no-op.
// There is no timeout: a task blocked in a provider call delays Stop.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return
	}

	h.state.stopRequested.Store(true)
	close(h.stopCh)
	<-h.doneCh

	h.running = false
	h.stopCh = nil
	h.doneCh = nil
	h.state.reset()
}

package license

import (
	"context"
	"log/slog"
	"sync"

	"entitlecli/internal/policy"
)

const dayMillis = int64(24 * 60 * 60 * 1000)

// GracePeriod is a copy of the tracker state handed to Evaluate
type GracePeriod struct {
	Active      bool  `json:"active"`
	StartMillis int64 `json:"start_ms,omitempty"`
}

// DaysRemaining is the policy's offline allowance minus whole days elapsed
// since the grace start. It is 0 when inactive and may go negative.
func (g GracePeriod) DaysRemaining(pol *policy.Policy, nowMillis int64) int64 {
	if !g.Active || pol == nil {
		return 0
	}
	elapsed := (nowMillis - g.StartMillis) / dayMillis
	return pol.OfflineDurationDays() - elapsed
}

// GraceTracker holds the single offline grace start. When persistence is set
// the start survives restarts; persistence failures are logged, never returned.
type GraceTracker struct {
	mu     sync.Mutex
	start  int64
	active bool

	persistence GracePersistence
	log         actionLogger
}

// NewGraceTracker creates an inactive tracker. persistence may be nil.
func NewGraceTracker(persistence GracePersistence, logger *slog.Logger) *GraceTracker {
	return &GraceTracker{
		persistence: persistence,
		log:         newActionLogger(logger, "grace_tracker"),
	}
}

// Load replaces the in-memory state with the persisted one
func (g *GraceTracker) Load(ctx context.Context) error {
	if g.persistence == nil {
		return nil
	}
	start, found, err := g.persistence.GracePeriodStart(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.start, g.active = start, found
	g.mu.Unlock()

	if found {
		g.log.logInfo(ctx, "grace_load", "Restored offline grace period",
			slog.Int64("started_at_ms", start))
	}
	return nil
}

// StartIfNotStarted sets the start to nowMillis unless a grace period is
// already active. It reports whether this call started one.
func (g *GraceTracker) StartIfNotStarted(ctx context.Context, nowMillis int64) bool {
	g.mu.Lock()
	if g.active {
		g.mu.Unlock()
		return false
	}
	g.start, g.active = nowMillis, true
	g.mu.Unlock()

	if g.persistence != nil {
		if err := g.persistence.SetGracePeriodStart(ctx, nowMillis); err != nil {
			g.log.logWarn(ctx, "grace_start", "Failed to persist grace period start", errAttr(err))
		}
	}
	g.log.logWarn(ctx, "grace_start", "Offline grace period started",
		slog.Int64("started_at_ms", nowMillis))
	return true
}

// Reset clears the grace period and reports whether one was active
func (g *GraceTracker) Reset(ctx context.Context) bool {
	g.mu.Lock()
	wasActive := g.active
	g.start, g.active = 0, false
	g.mu.Unlock()

	if !wasActive {
		return false
	}
	if g.persistence != nil {
		if err := g.persistence.ResetGracePeriod(ctx); err != nil {
			g.log.logWarn(ctx, "grace_reset", "Failed to clear persisted grace period", errAttr(err))
		}
	}
	g.log.logInfo(ctx, "grace_reset", "Offline grace period cleared")
	return true
}

// IsActive reports whether a grace period is running
func (g *GraceTracker) IsActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Snapshot copies the current state
func (g *GraceTracker) Snapshot() GracePeriod {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GracePeriod{Active: g.active, StartMillis: g.start}
}

// DaysRemaining is Snapshot().DaysRemaining
func (g *GraceTracker) DaysRemaining(pol *policy.Policy, nowMillis int64) int64 {
	return g.Snapshot().DaysRemaining(pol, nowMillis)
}

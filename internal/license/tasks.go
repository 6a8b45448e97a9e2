package license

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"entitlecli/internal/infrastructure"
	"entitlecli/internal/policy"
	"entitlecli/pkg/contracts/domain"
)

// usageTask records a usage event on the first tick and then once per
// policy heartbeat interval.
func (s *Session) usageTask(ctx context.Context, st *HeartbeatState) {
	now := s.clock.NowMillis()
	pol := s.current.Load()

	if !st.ConsumeFirstTick() {
		interval := policy.DefaultHeartbeatInterval
		if pol != nil {
			interval = pol.HeartbeatInterval()
		}
		if !st.Due(now, interval) {
			return
		}
	}
	st.MarkRun(now)

	ctx = infrastructure.ContextWithTraceID(ctx)
	if err := s.recordUsage(ctx, pol); err != nil {
		s.metrics.recordTick(ctx, HeartbeatUsage, "error")
		s.log.logWarn(ctx, "usage_heartbeat", "Failed to record usage", errAttr(err))
		return
	}
	s.metrics.recordTick(ctx, HeartbeatUsage, "ok")
}

func (s *Session) recordUsage(ctx context.Context, pol *policy.Policy) error {
	rec := domain.UsageRecord{
		ID:         uuid.NewString(),
		ProductID:  s.opts.App.ProductID,
		Version:    s.opts.App.Version,
		DeviceID:   s.opts.App.DeviceID,
		Status:     s.evaluate(ctx, pol),
		RecordedAt: s.clock.Now(),
	}
	if pol != nil {
		rec.Identity = pol.Identity()
	}
	if err := s.store.InsertUsageRecord(ctx, rec); err != nil {
		return err
	}
	s.metrics.recordWritten(ctx, domain.RecordKindUsage)
	return nil
}

// policyTask only sets its baseline on the first tick. Afterwards it
// re-resolves the policy once per refresh interval and prunes the cache.
func (s *Session) policyTask(ctx context.Context, st *HeartbeatState) {
	now := s.clock.NowMillis()
	if st.ConsumeFirstTick() {
		st.MarkRun(now)
		return
	}

	interval := policy.DefaultRefreshInterval
	if pol := s.current.Load(); pol != nil {
		interval = pol.RefreshInterval()
	}
	if !st.Due(now, interval) {
		return
	}
	st.MarkRun(now)

	ctx = infrastructure.ContextWithTraceID(ctx)
	s.refreshPolicy(ctx)

	if _, err := s.cleanUpPolicies(ctx); err != nil {
		s.log.logWarn(ctx, "policy_heartbeat", "Policy cleanup failed", errAttr(err))
	}
}

func (s *Session) refreshPolicy(ctx context.Context) {
	res := s.resolver.Resolve(ctx, s.Scope())
	if res.Policy == nil {
		if s.grace.StartIfNotStarted(ctx, s.clock.NowMillis()) {
			s.metrics.recordGraceStart(ctx)
		}
		s.metrics.recordTick(ctx, HeartbeatPolicy, "unavailable")
		return
	}

	// A refresh that reached the service has already cleared the grace period in Resolve.
	previous := s.current.Swap(res.Policy)
	s.metrics.recordTick(ctx, HeartbeatPolicy, res.Source.String())

	if previous == nil || previous.ID() != res.Policy.ID() {
		s.log.logInfo(ctx, "policy_heartbeat", "Policy replaced",
			slog.String("policy_id", res.Policy.ID()),
			slog.String("resolution", res.Source.String()))
	}
}

// logPostingTask posts leftovers from a previous run on the first tick and
// then posts every min(log retention, cap).
func (s *Session) logPostingTask(ctx context.Context, st *HeartbeatState) {
	now := s.clock.NowMillis()

	if st.ConsumeFirstTick() {
		st.MarkRun(now)
		usage, features, err := s.store.CountPending(ctx)
		if err != nil {
			s.log.logWarn(ctx, "log_heartbeat", "Failed to count pending records", errAttr(err))
			return
		}
		if usage+features == 0 {
			return
		}
	} else {
		if !st.Due(now, s.logPostingInterval()) {
			return
		}
		st.MarkRun(now)
	}

	ctx = infrastructure.ContextWithTraceID(ctx)
	if _, err := s.postRecords(ctx); err != nil {
		s.metrics.recordTick(ctx, HeartbeatLogPosting, "error")
		s.log.logWarn(ctx, "log_heartbeat", "Record upload failed, will retry", errAttr(err))
		return
	}
	s.metrics.recordTick(ctx, HeartbeatLogPosting, "ok")
}

func (s *Session) logPostingInterval() time.Duration {
	interval := policy.DefaultLogRetention
	if pol := s.current.Load(); pol != nil {
		interval = pol.LogRetention()
	}
	return min(interval, s.opts.LogPostingCap)
}

// postRecords uploads pending usage and feature records. Both kinds are
// attempted even when the first fails.
func (s *Session) postRecords(ctx context.Context) (int, error) {
	if s.usage == nil || !s.store.IsOpen() {
		return 0, nil
	}
	pol := s.current.Load()

	usage, uerr := s.usage.PostUsageRecords(ctx, s.opts.App, s.store, pol)
	s.metrics.recordPosted(ctx, domain.RecordKindUsage, usage)

	features, ferr := s.usage.PostFeatureRecords(ctx, s.opts.App, s.store, pol)
	s.metrics.recordPosted(ctx, domain.RecordKindFeature, features)

	if usage+features > 0 {
		s.log.logDebug(ctx, "post_records", "Records uploaded",
			slog.Int("usage", usage),
			slog.Int("features", features))
	}
	return usage + features, errors.Join(uerr, ferr)
}

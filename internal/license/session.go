package license

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"entitlecli/internal/clock"
	licenseErrors "entitlecli/internal/errors"
	"entitlecli/internal/infrastructure"
	"entitlecli/internal/policy"
	"entitlecli/internal/validation"
	"entitlecli/pkg/contracts/domain"
)

// DefaultLogPostingCap bounds the log-posting cadence regardless of the policy's retention
const DefaultLogPostingCap = time.Hour

// Options configures a Session. App, DBPath, Clock and Store are required;
// StartApplication reports a ParamError when one is missing.
type Options struct {
	App       domain.ApplicationInfo
	FeatureID string
	DBPath    string
	Scope     domain.Scope
	// Username selects the user signature as an accepted checkout binding
	Username string

	HeartbeatQuantum time.Duration
	LogPostingCap    time.Duration

	Clock      clock.Clock
	Store      LicensingStore
	Policies   PolicyProvider
	Usage      UsageProvider
	Signatures DeviceSignature

	Logger *slog.Logger
	Meter  metric.Meter
	Tracer trace.Tracer
}

// Session is the license runtime of one application instance. All exported
// methods are safe for concurrent use.
type Session struct {
	opts Options

	clock      clock.Clock
	store      LicensingStore
	usage      UsageProvider
	signatures DeviceSignature
	grace      *GraceTracker
	resolver   *Resolver
	files      *validation.FileValidator
	metrics    *SessionMetrics
	tracer     trace.Tracer
	log        actionLogger

	states     [heartbeatKinds]*HeartbeatState
	heartbeats [heartbeatKinds]*Heartbeat

	current        atomic.Pointer[policy.Policy]
	scope          atomic.Pointer[domain.Scope]
	checkoutActive atomic.Bool
	startedAt      atomic.Int64

	// lifecycleMu serialises Start, Stop and calls that open the store on demand.
	// Heartbeat tasks and reads of an already open store never take it.
	lifecycleMu sync.Mutex
	state       atomic.Int32
}

// NewSession builds a stopped session. Missing collaborators are reported by
// StartApplication, not here.
func NewSession(opts Options) *Session {
	if opts.LogPostingCap <= 0 {
		opts.LogPostingCap = DefaultLogPostingCap
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(TracerName)
	}
	logger := opts.Logger
	if logger == nil {
		logger = infrastructure.GetLogger()
	}

	s := &Session{
		opts:       opts,
		clock:      opts.Clock,
		store:      opts.Store,
		usage:      opts.Usage,
		signatures: opts.Signatures,
		files:      validation.NewFileValidator(logger),
		tracer:     opts.Tracer,
		log:        newActionLogger(logger, "license_session"),
	}

	metrics, err := NewSessionMetrics(opts.Meter)
	if err != nil {
		logger.Warn("license metrics disabled", slog.String("error", err.Error()))
	}
	s.metrics = metrics

	var persistence GracePersistence
	var cache PolicyCache
	if opts.Store != nil {
		persistence, cache = opts.Store, opts.Store
	}
	s.grace = NewGraceTracker(persistence, logger)
	s.resolver = NewResolver(opts.Policies, cache, s.grace, opts.Clock, opts.App.ProductID, logger)
	s.resolver.metrics = metrics
	s.resolver.tracer = opts.Tracer

	for k := HeartbeatKind(0); k < heartbeatKinds; k++ {
		s.states[k] = NewHeartbeatState()
		s.heartbeats[k] = NewHeartbeat(k, s.states[k], opts.Clock, opts.HeartbeatQuantum, logger)
	}

	scope := opts.Scope
	s.scope.Store(&scope)
	return s
}

// State returns the lifecycle state
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(st SessionState) {
	s.state.Store(int32(st))
}

// Clock returns the clock the session evaluates against
func (s *Session) Clock() clock.Clock {
	return s.clock
}

// CurrentPolicy returns the policy in force, or nil
func (s *Session) CurrentPolicy() *policy.Policy {
	return s.current.Load()
}

// Scope returns the scope of the last start
func (s *Session) Scope() domain.Scope {
	return *s.scope.Load()
}

// Grace returns a copy of the offline grace state
func (s *Session) Grace() GracePeriod {
	return s.grace.Snapshot()
}

// HeartbeatSnapshot returns a copy of one heartbeat's state
func (s *Session) HeartbeatSnapshot(kind HeartbeatKind) HeartbeatSnapshot {
	return s.states[kind].Snapshot(kind)
}

// StartApplication starts the session with the configured scope
func (s *Session) StartApplication(ctx context.Context) (domain.LicenseStatus, error) {
	return s.start(ctx, s.opts.Scope)
}

// StartApplicationForProject starts the session for a project-scoped policy
func (s *Session) StartApplicationForProject(ctx context.Context, projectID string) (domain.LicenseStatus, error) {
	scope := s.opts.Scope
	scope.Source = domain.PolicySourceProject
	scope.ProjectID = projectID
	return s.start(ctx, scope)
}

func (s *Session) start(ctx context.Context, scope domain.Scope) (status domain.LicenseStatus, err error) {
	ctx = infrastructure.EnsureTraceID(ctx)
	ctx, span := s.tracer.Start(ctx, "license.start_application",
		trace.WithAttributes(
			attribute.String("license.product_id", s.opts.App.ProductID),
			attribute.String("license.policy_source", scope.Source.String()),
		))
	defer func() {
		span.SetAttributes(attribute.String("license.status", status.String()))
		endSpan(span, err)
	}()

	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.State() != StateStopped {
		return domain.StatusError, licenseErrors.StateError("session.start", licenseErrors.ErrAlreadyRunning)
	}
	if err := s.validate(scope); err != nil {
		s.log.logError(ctx, "start_application", "Invalid session parameters", errAttr(err))
		return domain.StatusError, err
	}

	s.setState(StateStarting)
	if err := s.store.Open(ctx); err != nil {
		s.setState(StateStopped)
		s.log.logError(ctx, "start_application", "Failed to open licensing store", errAttr(err),
			slog.String("db_path", s.opts.DBPath))
		if licenseErrors.KindOf(err) == "" {
			err = licenseErrors.PersistenceError("session.start", err)
		}
		return domain.StatusError, err
	}
	if err := s.grace.Load(ctx); err != nil {
		s.log.logWarn(ctx, "start_application", "Failed to load grace period", errAttr(err))
	}

	s.scope.Store(&scope)
	s.startedAt.Store(s.clock.NowMillis())

	if pol, ok := s.validCheckout(ctx); ok {
		s.current.Store(pol)
		s.checkoutActive.Store(true)
		s.startHeartbeat(ctx, HeartbeatLogPosting)
		s.setState(StateRunning)
		s.log.logInfo(ctx, "start_application", "Started from checkout",
			slog.String("policy_id", pol.ID()))
		return domain.StatusOk, nil
	}
	s.checkoutActive.Store(false)

	if scope.Source == domain.PolicySourceAccessKey && s.usage != nil {
		v, verr := s.usage.ValidateAccessKey(ctx, s.opts.App, scope.AccessKey, scope.UltimateID)
		switch {
		case verr != nil:
			s.log.logWarn(ctx, "validate_access_key", "Access key validation unavailable, continuing",
				append(accessKeyAttrs(scope.AccessKey), errAttr(verr))...)
		case !v.Accepted:
			s.log.logWarn(ctx, "validate_access_key", "Access key rejected",
				append(accessKeyAttrs(scope.AccessKey), slog.String("message", v.Message))...)
			s.closeStore(ctx)
			s.setState(StateStopped)
			return domain.StatusNotEntitled, nil
		}
	}

	res := s.resolver.Resolve(ctx, scope)
	s.current.Store(res.Policy)

	status = s.evaluate(ctx, res.Policy)
	if !status.Usable() {
		s.log.logWarn(ctx, "start_application", "License status does not permit use",
			slog.String("status", status.String()),
			slog.String("resolution", res.Source.String()))
		s.closeStore(ctx)
		s.setState(StateStopped)
		return status, nil
	}

	for k := HeartbeatKind(0); k < heartbeatKinds; k++ {
		s.startHeartbeat(ctx, k)
	}
	s.setState(StateRunning)

	s.log.logInfo(ctx, "start_application", "License session started",
		slog.String("status", status.String()),
		slog.String("resolution", res.Source.String()),
		slog.String("policy_id", res.Policy.ID()))
	return status, nil
}

func (s *Session) validate(scope domain.Scope) error {
	const op = "session.validate"
	if _, err := validation.Struct(s.opts.App); err != nil {
		return licenseErrors.ParamError(op, fmt.Errorf("%w: application info: %v", licenseErrors.ErrMissingParameter, err))
	}
	if s.opts.DBPath == "" {
		return licenseErrors.ParamError(op, fmt.Errorf("%w: database path", licenseErrors.ErrMissingParameter))
	}
	if s.clock == nil {
		return licenseErrors.ParamError(op, fmt.Errorf("%w: clock", licenseErrors.ErrMissingParameter))
	}
	if s.store == nil {
		return licenseErrors.ParamError(op, fmt.Errorf("%w: store", licenseErrors.ErrMissingParameter))
	}
	switch scope.Source {
	case domain.PolicySourceAccessKey:
		if scope.AccessKey == "" {
			return licenseErrors.ParamError(op, fmt.Errorf("%w: access key", licenseErrors.ErrMissingParameter))
		}
	case domain.PolicySourceProject:
		if scope.ProjectID == "" {
			return licenseErrors.ParamError(op, fmt.Errorf("%w: project id", licenseErrors.ErrMissingParameter))
		}
	}
	return nil
}

func (s *Session) startHeartbeat(ctx context.Context, kind HeartbeatKind) {
	var task Task
	switch kind {
	case HeartbeatUsage:
		task = s.usageTask
	case HeartbeatPolicy:
		task = s.policyTask
	default:
		task = s.logPostingTask
	}
	if err := s.heartbeats[kind].Start(ctx, task); err != nil {
		s.log.logWarn(ctx, "start_heartbeat", "Heartbeat already running",
			slog.String("heartbeat", kind.String()))
	}
}

// StopApplication stops the heartbeats, posts pending records one last time
// and closes the store. It blocks until every heartbeat has exited and always
// returns nil.
func (s *Session) StopApplication(ctx context.Context) error {
	ctx = infrastructure.EnsureTraceID(ctx)
	ctx, span := s.tracer.Start(ctx, "license.stop_application")
	defer span.End()

	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.State() == StateStopped {
		return nil
	}

	var g errgroup.Group
	for _, hb := range s.heartbeats {
		g.Go(func() error {
			hb.Stop()
			return nil
		})
	}
	_ = g.Wait()

	if _, err := s.postRecords(ctx); err != nil {
		s.log.logWarn(ctx, "stop_application", "Final record upload failed", errAttr(err))
	}
	s.closeStore(ctx)
	s.checkoutActive.Store(false)
	s.setState(StateStopped)

	s.log.logInfo(ctx, "stop_application", "License session stopped")
	return nil
}

func (s *Session) closeStore(ctx context.Context) {
	if err := s.store.Close(); err != nil {
		s.log.logWarn(ctx, "close_store", "Failed to close licensing store", errAttr(err))
	}
}

// withOpenStore runs fn with the store open. An open store is used without
// taking lifecycleMu, so reads never wait behind a Start or Stop that is
// blocked on the network. Otherwise the store is opened for the duration of
// the call.
func (s *Session) withOpenStore(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if s.store == nil || s.clock == nil || s.opts.DBPath == "" {
		return licenseErrors.ParamError(op, licenseErrors.ErrMissingParameter)
	}

	if s.store.IsOpen() {
		err := fn(ctx)
		if err == nil || s.store.IsOpen() {
			return err
		}
		// closed by a concurrent Stop; retry with the store opened on demand
	}

	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.store.IsOpen() {
		if err := s.store.Open(ctx); err != nil {
			return err
		}
		defer s.closeStore(ctx)
		if err := s.grace.Load(ctx); err != nil {
			s.log.logWarn(ctx, op, "Failed to load grace period", errAttr(err))
		}
	}
	return fn(ctx)
}

func (s *Session) evaluate(ctx context.Context, pol *policy.Policy) domain.LicenseStatus {
	status := Evaluate(pol, s.opts.App.ProductID, s.opts.FeatureID, s.opts.App.Version, s.grace.Snapshot(), s.clock.Now())
	s.metrics.recordEvaluation(ctx, status)
	return status
}

// GetLicenseStatus re-evaluates the status from the local cache. It never
// calls the network and works whether or not the session is running.
func (s *Session) GetLicenseStatus(ctx context.Context) domain.LicenseStatus {
	ctx = infrastructure.EnsureTraceID(ctx)
	status := domain.StatusError

	err := s.withOpenStore(ctx, "session.get_status", func(ctx context.Context) error {
		if _, ok := s.validCheckout(ctx); ok {
			status = domain.StatusOk
			return nil
		}

		pol, err := s.resolver.Cached(ctx, s.Scope())
		if err != nil {
			s.log.logWarn(ctx, "get_license_status", "Cached policy lookup failed", errAttr(err))
		}
		if pol == nil {
			pol = s.current.Load()
		}
		status = s.evaluate(ctx, pol)
		return nil
	})
	if err != nil {
		s.log.logError(ctx, "get_license_status", "Status unavailable", errAttr(err))
		return domain.StatusError
	}
	return status
}

// GetTrialDaysRemaining returns the trial days left, or -1 when there is no
// valid policy for the product.
func (s *Session) GetTrialDaysRemaining(ctx context.Context) int64 {
	if s.clock == nil {
		return -1
	}
	pol := s.current.Load()
	if pol == nil {
		_ = s.withOpenStore(ctx, "session.trial_days", func(ctx context.Context) error {
			var err error
			pol, err = s.resolver.Cached(ctx, s.Scope())
			return err
		})
	}
	return TrialDaysRemaining(pol, s.opts.App.ProductID, s.clock.Now())
}

// MarkFeature records use of featureID. userData is stored as JSON; strings
// and byte slices are stored as given.
func (s *Session) MarkFeature(ctx context.Context, featureID string, userData any) error {
	const op = "session.mark_feature"
	ctx = infrastructure.EnsureTraceID(ctx)

	if featureID == "" {
		return licenseErrors.ParamError(op, fmt.Errorf("%w: feature id", licenseErrors.ErrMissingParameter))
	}
	if s.store == nil || !s.store.IsOpen() {
		return licenseErrors.StateError(op, licenseErrors.ErrNotRunning)
	}

	pol := s.current.Load()
	if pol == nil {
		return licenseErrors.StateError(op, licenseErrors.ErrNoPolicy)
	}

	status := s.markableStatus(ctx, pol)
	if !status.Usable() {
		return licenseErrors.NewLicensingError(licenseErrors.KindNotEntitled, op,
			fmt.Errorf("%w: %s", licenseErrors.ErrStatusNotUsable, status))
	}

	data, err := encodeUserData(userData)
	if err != nil {
		return licenseErrors.ParamError(op, fmt.Errorf("user data: %w", err))
	}

	now := s.clock.Now()
	startedAt := now
	if ms := s.startedAt.Load(); ms != 0 {
		startedAt = clock.FromMillis(ms)
	}

	rec := domain.FeatureRecord{
		ID:         uuid.NewString(),
		ProductID:  s.opts.App.ProductID,
		FeatureID:  featureID,
		Version:    s.opts.App.Version,
		DeviceID:   s.opts.App.DeviceID,
		Identity:   pol.Identity(),
		UserData:   data,
		StartedAt:  startedAt,
		RecordedAt: now,
	}
	if err := s.store.InsertFeatureRecord(ctx, rec); err != nil {
		s.log.logError(ctx, "mark_feature", "Failed to record feature use", errAttr(err),
			slog.String("feature_id", featureID))
		return err
	}
	s.metrics.recordWritten(ctx, domain.RecordKindFeature)
	s.log.logDebug(ctx, "mark_feature", "Feature use recorded",
		slog.String("feature_id", featureID),
		slog.String("policy_id", pol.ID()))
	return nil
}

// markableStatus evaluates pol now. A session started from a checkout stays
// usable only while a stored checkout is still valid.
func (s *Session) markableStatus(ctx context.Context, pol *policy.Policy) domain.LicenseStatus {
	if s.checkoutActive.Load() {
		if _, ok := s.validCheckout(ctx); ok {
			return domain.StatusOk
		}
	}
	return s.evaluate(ctx, pol)
}

func encodeUserData(v any) (string, error) {
	switch d := v.(type) {
	case nil:
		return "", nil
	case string:
		return d, nil
	case []byte:
		return string(d), nil
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

// CleanUpPolicies deletes cached policies that are no longer valid and
// expired checkouts. It can be called whether or not the session is running.
func (s *Session) CleanUpPolicies(ctx context.Context) (int64, error) {
	ctx = infrastructure.EnsureTraceID(ctx)
	var removed int64
	err := s.withOpenStore(ctx, "session.cleanup", func(ctx context.Context) error {
		var err error
		removed, err = s.cleanUpPolicies(ctx)
		return err
	})
	return removed, err
}

// cleanUpPolicies expects the store to be open
func (s *Session) cleanUpPolicies(ctx context.Context) (int64, error) {
	policies, err := s.store.ListPolicies(ctx)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	var removed int64
	for _, cp := range policies {
		pol, err := policy.Parse(cp.Token, cp.Certificate)
		if err == nil && pol.Validity(now) == domain.ValidityValid {
			continue
		}
		n, err := s.store.DeletePolicy(ctx, cp.PolicyID)
		if err != nil {
			return removed, err
		}
		removed += n
	}

	expired, err := s.store.DeleteExpiredCheckouts(ctx, now)
	if err != nil {
		return removed, err
	}
	removed += expired

	if removed > 0 {
		s.log.logInfo(ctx, "cleanup_policies", "Removed invalid policies and checkouts",
			slog.Int64("removed", removed))
	}
	return removed, nil
}

// PurgePostedRecords deletes uploaded records recorded before cutoff. The
// store is opened for the call when the session is stopped.
func (s *Session) PurgePostedRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx = infrastructure.EnsureTraceID(ctx)
	var purged int64
	err := s.withOpenStore(ctx, "session.purge_posted", func(ctx context.Context) error {
		var err error
		purged, err = s.store.PurgePosted(ctx, cutoff)
		return err
	})
	if err == nil && purged > 0 {
		s.log.logInfo(ctx, "purge_posted", "Purged uploaded records", slog.Int64("records", purged))
	}
	return purged, err
}

// ExportCSV streams every record of kind to w as CSV
func (s *Session) ExportCSV(ctx context.Context, kind domain.RecordKind, w io.Writer) (int, error) {
	var n int
	err := s.withOpenStore(ctx, "session.export_csv", func(ctx context.Context) error {
		var err error
		n, err = s.store.ExportCSV(ctx, kind, w)
		return err
	})
	return n, err
}

// DeleteAllOtherPoliciesByUser removes the owner's other user-scoped policies
func (s *Session) DeleteAllOtherPoliciesByUser(ctx context.Context, keep *policy.Policy) (int64, error) {
	return s.deleteOthers(ctx, "session.delete_others_by_user", keep, func(ctx context.Context, id domain.PolicyIdentity) (int64, error) {
		return s.store.DeleteOtherPoliciesByUser(ctx, id.UserID, id.PolicyID)
	})
}

// DeleteAllOtherPoliciesByKey removes the other policies cached for keep's access key
func (s *Session) DeleteAllOtherPoliciesByKey(ctx context.Context, keep *policy.Policy) (int64, error) {
	return s.deleteOthers(ctx, "session.delete_others_by_key", keep, func(ctx context.Context, id domain.PolicyIdentity) (int64, error) {
		return s.store.DeleteOtherPoliciesByKey(ctx, id.AccessKey, id.PolicyID)
	})
}

// DeleteAllOtherPoliciesByProject removes the other policies cached for keep's project
func (s *Session) DeleteAllOtherPoliciesByProject(ctx context.Context, keep *policy.Policy) (int64, error) {
	return s.deleteOthers(ctx, "session.delete_others_by_project", keep, func(ctx context.Context, id domain.PolicyIdentity) (int64, error) {
		return s.store.DeleteOtherPoliciesByProject(ctx, id.ProjectID, id.PolicyID)
	})
}

func (s *Session) deleteOthers(ctx context.Context, op string, keep *policy.Policy, del func(context.Context, domain.PolicyIdentity) (int64, error)) (int64, error) {
	if keep == nil {
		return 0, licenseErrors.ParamError(op, fmt.Errorf("%w: policy", licenseErrors.ErrMissingParameter))
	}
	var removed int64
	err := s.withOpenStore(ctx, op, func(ctx context.Context) error {
		var err error
		removed, err = del(ctx, keep.Identity())
		return err
	})
	return removed, err
}

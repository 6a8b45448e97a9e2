package license

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"entitlecli/internal/clock"
	licenseErrors "entitlecli/internal/errors"
	"entitlecli/internal/policy"
	"entitlecli/internal/store"
	"entitlecli/pkg/contracts/domain"
)

// ResolutionSource tells where a resolved policy came from
type ResolutionSource int

const (
	SourceNone ResolutionSource = iota
	SourceOnline
	SourceCache
)

func (s ResolutionSource) String() string {
	switch s {
	case SourceOnline:
		return "online"
	case SourceCache:
		return "cache"
	default:
		return "none"
	}
}

// Resolution is the outcome of Resolve. ProviderErr is set whenever the
// online call failed, including when the cache answered instead.
type Resolution struct {
	Policy      *policy.Policy
	Source      ResolutionSource
	ProviderErr error
}

// Resolver obtains the best available policy for a scope
type Resolver struct {
	provider  PolicyProvider
	cache     PolicyCache
	grace     *GraceTracker
	clock     clock.Clock
	productID string

	metrics *SessionMetrics
	tracer  trace.Tracer
	log     actionLogger
}

// NewResolver wires a resolver. provider may be nil, in which case every
// online call fails and Resolve serves from the cache.
func NewResolver(provider PolicyProvider, cache PolicyCache, grace *GraceTracker, clk clock.Clock, productID string, logger *slog.Logger) *Resolver {
	return &Resolver{
		provider:  provider,
		cache:     cache,
		grace:     grace,
		clock:     clk,
		productID: productID,
		tracer:    otel.Tracer(TracerName),
		log:       newActionLogger(logger, "policy_resolver"),
	}
}

// Resolve fetches the policy online. On success the policy is cached, older
// policies of the same owner are removed and any grace period is cleared. On
// failure the newest cached policy for the product is returned and a grace
// period is started if none is active. There is no retry.
func (r *Resolver) Resolve(ctx context.Context, scope domain.Scope) Resolution {
	ctx, span := r.tracer.Start(ctx, "license.resolve",
		trace.WithAttributes(attribute.String("license.policy_source", scope.Source.String())))
	start := r.clock.Now()

	res := r.resolve(ctx, scope)

	span.SetAttributes(attribute.String("license.resolution", res.Source.String()))
	r.metrics.recordResolution(ctx, res.Source, r.clock.Now().Sub(start))
	endSpan(span, nil)
	return res
}

func (r *Resolver) resolve(ctx context.Context, scope domain.Scope) Resolution {
	pol, err := r.FetchOnline(ctx, scope)
	if err == nil {
		if perr := r.persist(ctx, scope, pol); perr != nil {
			r.log.logWarn(ctx, "policy_cache", "Failed to cache policy", errAttr(perr),
				slog.String("policy_id", pol.ID()))
		}
		if r.grace.Reset(ctx) {
			r.metrics.recordGraceReset(ctx)
		}
		r.log.logDebug(ctx, "policy_resolve", "Policy fetched online",
			slog.String("policy_id", pol.ID()))
		return Resolution{Policy: pol, Source: SourceOnline}
	}

	attrs := append([]slog.Attr{errAttr(err), slog.String("policy_source", scope.Source.String())}, accessKeyAttrs(scope.AccessKey)...)
	r.log.logWarn(ctx, "policy_resolve", "Online policy fetch failed, falling back to cache", attrs...)

	cached, cerr := r.Cached(ctx, scope)
	if cerr != nil {
		r.log.logWarn(ctx, "policy_cache", "Cached policy lookup failed", errAttr(cerr))
	}
	if cached == nil {
		return Resolution{Source: SourceNone, ProviderErr: err}
	}

	if r.grace.StartIfNotStarted(ctx, r.clock.NowMillis()) {
		r.metrics.recordGraceStart(ctx)
	}
	return Resolution{Policy: cached, Source: SourceCache, ProviderErr: err}
}

// FetchOnline calls the provider for scope
func (r *Resolver) FetchOnline(ctx context.Context, scope domain.Scope) (*policy.Policy, error) {
	const op = "resolver.fetch"
	if r.provider == nil {
		return nil, licenseErrors.ProviderError(op, fmt.Errorf("%w: no policy provider configured", licenseErrors.ErrProviderUnavailable))
	}

	var (
		pol *policy.Policy
		err error
	)
	switch scope.Source {
	case domain.PolicySourceAccessKey:
		pol, err = r.provider.GetPolicyWithAccessKey(ctx, scope.AccessKey, scope.UltimateID)
	case domain.PolicySourceProject:
		pol, err = r.provider.GetPolicyForProject(ctx, scope.ProjectID)
	default:
		pol, err = r.provider.GetPolicyForUser(ctx)
	}
	if err != nil {
		if licenseErrors.KindOf(err) == "" {
			err = licenseErrors.ProviderError(op, err)
		}
		return nil, err
	}
	if pol == nil {
		return nil, licenseErrors.ProviderError(op, licenseErrors.ErrNoPolicy)
	}
	return pol, nil
}

// Cached returns the newest cached policy for the product within scope, or nil
func (r *Resolver) Cached(ctx context.Context, scope domain.Scope) (*policy.Policy, error) {
	f := store.PolicyFilter{ProductID: r.productID}
	switch scope.Source {
	case domain.PolicySourceAccessKey:
		f.AccessKey = scope.AccessKey
	case domain.PolicySourceProject:
		f.ProjectID = scope.ProjectID
	default:
		f.UserScoped = true
	}

	cp, err := r.cache.FindLatestPolicy(ctx, f)
	if err != nil || cp == nil {
		return nil, err
	}

	pol, err := policy.Parse(cp.Token, cp.Certificate)
	if err != nil {
		return nil, licenseErrors.PersistenceError("resolver.cached", fmt.Errorf("cached policy %s is unreadable: %w", cp.PolicyID, err))
	}
	return pol, nil
}

// persist caches pol and keeps one live policy per owner
func (r *Resolver) persist(ctx context.Context, scope domain.Scope, pol *policy.Policy) error {
	id := pol.Identity()
	if scope.Source == domain.PolicySourceAccessKey && id.AccessKey == "" {
		id.AccessKey = scope.AccessKey
	}
	if scope.Source == domain.PolicySourceProject && id.ProjectID == "" {
		id.ProjectID = scope.ProjectID
	}

	if err := r.cache.SavePolicy(ctx, domain.CachedPolicy{
		PolicyID:    id.PolicyID,
		UserID:      id.UserID,
		AccessKey:   id.AccessKey,
		ProjectID:   id.ProjectID,
		ProductIDs:  pol.ProductIDs(),
		Token:       pol.Token(),
		Certificate: pol.Certificate(),
		FetchedAt:   r.clock.Now(),
	}); err != nil {
		return err
	}

	var (
		removed int64
		err     error
	)
	switch scope.Source {
	case domain.PolicySourceAccessKey:
		removed, err = r.cache.DeleteOtherPoliciesByKey(ctx, id.AccessKey, id.PolicyID)
	case domain.PolicySourceProject:
		removed, err = r.cache.DeleteOtherPoliciesByProject(ctx, id.ProjectID, id.PolicyID)
	default:
		removed, err = r.cache.DeleteOtherPoliciesByUser(ctx, id.UserID, id.PolicyID)
	}
	if err != nil {
		return err
	}
	if removed > 0 {
		r.log.logDebug(ctx, "policy_dedup", "Removed superseded cached policies",
			slog.Int64("removed", removed))
	}
	return nil
}

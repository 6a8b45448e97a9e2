package license

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/render"
	"go.opentelemetry.io/otel/attribute"

	"entitlecli/internal/infrastructure"
	"entitlecli/pkg/contracts/domain"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents health of a specific component
type ComponentHealth struct {
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// HealthCheckResult contains the session health report
type HealthCheckResult struct {
	OverallStatus HealthStatus                `json:"status"`
	Message       string                      `json:"message"`
	Timestamp     time.Time                   `json:"timestamp"`
	TraceID       string                      `json:"trace_id"`
	Components    map[string]*ComponentHealth `json:"components"`
	Summary       *HealthSummary              `json:"summary"`
}

// HealthSummary provides aggregated health metrics
type HealthSummary struct {
	TotalComponents     int     `json:"total_components"`
	HealthyComponents   int     `json:"healthy_components"`
	DegradedComponents  int     `json:"degraded_components"`
	UnhealthyComponents int     `json:"unhealthy_components"`
	OverallScore        float64 `json:"overall_score"`
}

// LicenseHealthCheck reports on a running session without touching the network
type LicenseHealthCheck struct {
	session *Session
}

// NewLicenseHealthCheck creates a health check for session
func NewLicenseHealthCheck(session *Session) *LicenseHealthCheck {
	return &LicenseHealthCheck{session: session}
}

// PerformHealthCheck inspects the session, its policy, the grace period and the heartbeats
func (hc *LicenseHealthCheck) PerformHealthCheck(ctx context.Context) *HealthCheckResult {
	ctx = infrastructure.EnsureTraceID(ctx)
	ctx, span := hc.session.tracer.Start(ctx, "license.health_check")
	defer span.End()

	now := hc.session.clock.Now()
	result := &HealthCheckResult{
		Timestamp: now,
		TraceID:   infrastructure.GetTraceID(ctx),
		Components: map[string]*ComponentHealth{
			"session":    hc.checkSession(now),
			"policy":     hc.checkPolicy(ctx, now),
			"grace":      hc.checkGrace(now),
			"heartbeats": hc.checkHeartbeats(now),
		},
	}

	result.Summary = calculateHealthSummary(result.Components)
	result.OverallStatus = determineOverallStatus(result.Components)
	result.Message = generateStatusMessage(result.OverallStatus, result.Summary)

	span.SetAttributes(
		attribute.String("health.overall_status", string(result.OverallStatus)),
		attribute.Float64("health.overall_score", result.Summary.OverallScore),
	)
	return result
}

func (hc *LicenseHealthCheck) checkSession(now time.Time) *ComponentHealth {
	s := hc.session
	health := &ComponentHealth{
		Timestamp: now,
		Metadata: map[string]interface{}{
			"state":       s.State().String(),
			"store_open":  s.store != nil && s.store.IsOpen(),
			"checkout":    s.checkoutActive.Load(),
			"policy_mode": s.Scope().Source.String(),
		},
	}

	switch s.State() {
	case StateRunning:
		health.Status = HealthStatusHealthy
		health.Message = "License session running"
	case StateStarting:
		health.Status = HealthStatusDegraded
		health.Message = "License session starting"
	default:
		health.Status = HealthStatusUnhealthy
		health.Message = "License session stopped"
	}
	return health
}

func (hc *LicenseHealthCheck) checkPolicy(ctx context.Context, now time.Time) *ComponentHealth {
	s := hc.session
	health := &ComponentHealth{Timestamp: now, Metadata: map[string]interface{}{}}

	pol := s.CurrentPolicy()
	if pol == nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "No policy in force"
		return health
	}

	status := domain.StatusOk
	if !s.checkoutActive.Load() {
		status = s.evaluate(ctx, pol)
	}
	health.Metadata["policy_id"] = pol.ID()
	health.Metadata["validity"] = pol.Validity(now).String()
	health.Metadata["license_status"] = status.String()
	if exp := pol.ExpiresAt(); !exp.IsZero() {
		health.Metadata["expires_at"] = exp
	}

	switch {
	case status == domain.StatusOk || status == domain.StatusTrial:
		health.Status = HealthStatusHealthy
		health.Message = "Policy permits use"
	case status.Usable():
		health.Status = HealthStatusDegraded
		health.Message = "Policy served offline"
	default:
		health.Status = HealthStatusUnhealthy
		health.Message = fmt.Sprintf("Policy does not permit use (%s)", status)
	}
	return health
}

func (hc *LicenseHealthCheck) checkGrace(now time.Time) *ComponentHealth {
	s := hc.session
	grace := s.Grace()
	health := &ComponentHealth{
		Timestamp: now,
		Metadata:  map[string]interface{}{"active": grace.Active},
	}
	if !grace.Active {
		health.Status = HealthStatusHealthy
		health.Message = "Entitlement service reachable"
		return health
	}

	days := grace.DaysRemaining(s.CurrentPolicy(), now.UnixMilli())
	health.Metadata["started_at"] = time.UnixMilli(grace.StartMillis).UTC()
	health.Metadata["days_remaining"] = days
	if days > 0 {
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("Offline grace period active, %d days remaining", days)
	} else {
		health.Status = HealthStatusUnhealthy
		health.Message = "Offline grace period exhausted"
	}
	return health
}

func (hc *LicenseHealthCheck) checkHeartbeats(now time.Time) *ComponentHealth {
	s := hc.session
	health := &ComponentHealth{Timestamp: now, Metadata: map[string]interface{}{}}

	running := 0
	for k := HeartbeatKind(0); k < heartbeatKinds; k++ {
		snap := s.HeartbeatSnapshot(k)
		health.Metadata[k.String()] = snap
		if !snap.Stopped {
			running++
		}
	}

	want := 0
	if s.State() == StateRunning {
		want = heartbeatKinds
		if s.checkoutActive.Load() {
			want = 1
		}
	}

	if running == want {
		health.Status = HealthStatusHealthy
		health.Message = fmt.Sprintf("%d heartbeats running", running)
	} else {
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("%d of %d heartbeats running", running, want)
	}
	return health
}

// calculateHealthSummary computes aggregate health metrics
func calculateHealthSummary(components map[string]*ComponentHealth) *HealthSummary {
	summary := &HealthSummary{
		TotalComponents: len(components),
	}

	for _, health := range components {
		switch health.Status {
		case HealthStatusHealthy:
			summary.HealthyComponents++
		case HealthStatusDegraded:
			summary.DegradedComponents++
		case HealthStatusUnhealthy:
			summary.UnhealthyComponents++
		}
	}

	// healthy=1.0, degraded=0.5, unhealthy=0.0
	if summary.TotalComponents > 0 {
		score := float64(summary.HealthyComponents) + (float64(summary.DegradedComponents) * 0.5)
		summary.OverallScore = score / float64(summary.TotalComponents)
	}

	return summary
}

func determineOverallStatus(components map[string]*ComponentHealth) HealthStatus {
	hasDegraded := false
	for _, health := range components {
		switch health.Status {
		case HealthStatusUnhealthy:
			return HealthStatusUnhealthy
		case HealthStatusDegraded:
			hasDegraded = true
		}
	}
	if hasDegraded {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}

func generateStatusMessage(status HealthStatus, summary *HealthSummary) string {
	switch status {
	case HealthStatusHealthy:
		return fmt.Sprintf("All %d license components are healthy", summary.TotalComponents)
	case HealthStatusDegraded:
		return fmt.Sprintf("License runtime operational with %d degraded components out of %d",
			summary.DegradedComponents, summary.TotalComponents)
	default:
		return fmt.Sprintf("License runtime unhealthy: %d unhealthy, %d degraded out of %d components",
			summary.UnhealthyComponents, summary.DegradedComponents, summary.TotalComponents)
	}
}

// HTTPHandler serves the health report. Unhealthy maps to 503.
func (hc *LicenseHealthCheck) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := hc.PerformHealthCheck(r.Context())

		statusCode := http.StatusOK
		if result.OverallStatus == HealthStatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		render.Status(r, statusCode)
		render.JSON(w, r, result)
	}
}

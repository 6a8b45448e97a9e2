package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	licenseErrors "entitlecli/internal/errors"
	"entitlecli/pkg/contracts/domain"
)

const (
	TracerName = "entitlecli/license"
	MeterName  = "entitlecli/license"
)

// SessionMetrics holds the license runtime instruments
type SessionMetrics struct {
	HeartbeatTicks  metric.Int64Counter
	Resolutions     metric.Int64Counter
	ResolveDuration metric.Float64Histogram
	GraceStarts     metric.Int64Counter
	GraceResets     metric.Int64Counter
	Evaluations     metric.Int64Counter
	RecordsPosted   metric.Int64Counter
	RecordsWritten  metric.Int64Counter
	CheckoutImports metric.Int64Counter
}

// NewSessionMetrics creates all license runtime instruments on meter
func NewSessionMetrics(meter metric.Meter) (*SessionMetrics, error) {
	if meter == nil {
		meter = otel.Meter(MeterName)
	}

	m := &SessionMetrics{}
	var err error

	if m.HeartbeatTicks, err = meter.Int64Counter(
		"license_heartbeat_ticks_total",
		metric.WithDescription("Heartbeat task executions that did work, by kind and outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create heartbeat ticks counter: %w", err)
	}

	if m.Resolutions, err = meter.Int64Counter(
		"license_policy_resolutions_total",
		metric.WithDescription("Policy resolutions by source (online, cache, none)"),
	); err != nil {
		return nil, fmt.Errorf("failed to create resolutions counter: %w", err)
	}

	if m.ResolveDuration, err = meter.Float64Histogram(
		"license_policy_resolve_duration_seconds",
		metric.WithDescription("Policy resolution duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create resolve duration histogram: %w", err)
	}

	if m.GraceStarts, err = meter.Int64Counter(
		"license_grace_period_starts_total",
		metric.WithDescription("Offline grace periods started"),
	); err != nil {
		return nil, fmt.Errorf("failed to create grace starts counter: %w", err)
	}

	if m.GraceResets, err = meter.Int64Counter(
		"license_grace_period_resets_total",
		metric.WithDescription("Offline grace periods cleared after an online refresh"),
	); err != nil {
		return nil, fmt.Errorf("failed to create grace resets counter: %w", err)
	}

	if m.Evaluations, err = meter.Int64Counter(
		"license_status_evaluations_total",
		metric.WithDescription("License status evaluations by resulting status"),
	); err != nil {
		return nil, fmt.Errorf("failed to create evaluations counter: %w", err)
	}

	if m.RecordsPosted, err = meter.Int64Counter(
		"license_records_posted_total",
		metric.WithDescription("Usage and feature records uploaded, by kind"),
	); err != nil {
		return nil, fmt.Errorf("failed to create records posted counter: %w", err)
	}

	if m.RecordsWritten, err = meter.Int64Counter(
		"license_records_written_total",
		metric.WithDescription("Usage and feature records persisted locally, by kind"),
	); err != nil {
		return nil, fmt.Errorf("failed to create records written counter: %w", err)
	}

	if m.CheckoutImports, err = meter.Int64Counter(
		"license_checkout_imports_total",
		metric.WithDescription("Checkout import attempts by result"),
	); err != nil {
		return nil, fmt.Errorf("failed to create checkout imports counter: %w", err)
	}

	return m, nil
}

// The record helpers below accept a nil receiver so tests can run without metrics.

func (m *SessionMetrics) recordTick(ctx context.Context, kind HeartbeatKind, outcome string) {
	if m == nil {
		return
	}
	m.HeartbeatTicks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("heartbeat", kind.String()),
		attribute.String("outcome", outcome),
	))
}

func (m *SessionMetrics) recordResolution(ctx context.Context, source ResolutionSource, duration time.Duration) {
	if m == nil {
		return
	}
	labels := metric.WithAttributes(attribute.String("source", source.String()))
	m.Resolutions.Add(ctx, 1, labels)
	m.ResolveDuration.Record(ctx, duration.Seconds(), labels)
}

func (m *SessionMetrics) recordGraceStart(ctx context.Context) {
	if m == nil {
		return
	}
	m.GraceStarts.Add(ctx, 1)
}

func (m *SessionMetrics) recordGraceReset(ctx context.Context) {
	if m == nil {
		return
	}
	m.GraceResets.Add(ctx, 1)
}

func (m *SessionMetrics) recordEvaluation(ctx context.Context, status domain.LicenseStatus) {
	if m == nil {
		return
	}
	m.Evaluations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status.String())))
}

func (m *SessionMetrics) recordPosted(ctx context.Context, kind domain.RecordKind, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RecordsPosted.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (m *SessionMetrics) recordWritten(ctx context.Context, kind domain.RecordKind) {
	if m == nil {
		return
	}
	m.RecordsWritten.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (m *SessionMetrics) recordImport(ctx context.Context, result ImportResult) {
	if m == nil {
		return
	}
	m.CheckoutImports.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result.String())))
}

// endSpan sets the span outcome from err and ends it
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if kind := licenseErrors.KindOf(err); kind != "" {
			span.SetAttributes(attribute.String("license.error_kind", string(kind)))
		}
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

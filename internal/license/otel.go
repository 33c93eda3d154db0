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
)

const (
	TracerName = "license-validator"
	MeterName  = "license-validator"
)

// Metrics holds the validator's OpenTelemetry instruments
type Metrics struct {
	// Validation metrics
	ValidationAttempts metric.Int64Counter
	ValidationOutcomes metric.Int64Counter
	ValidationDuration metric.Float64Histogram

	// Stage metrics
	SignatureErrors     metric.Int64Counter
	TimeQueryDuration   metric.Float64Histogram
	TimeQueryFailures   metric.Int64Counter
	FingerprintDuration metric.Float64Histogram
}

// NewMetrics creates all validator instruments on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ValidationAttempts, err = meter.Int64Counter(
		"license_validation_attempts_total",
		metric.WithDescription("Total number of license validation attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation attempts counter: %w", err)
	}

	m.ValidationOutcomes, err = meter.Int64Counter(
		"license_validation_outcomes_total",
		metric.WithDescription("License validation outcomes by kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation outcomes counter: %w", err)
	}

	m.ValidationDuration, err = meter.Float64Histogram(
		"license_validation_duration_seconds",
		metric.WithDescription("License validation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation duration histogram: %w", err)
	}

	m.SignatureErrors, err = meter.Int64Counter(
		"license_signature_errors_total",
		metric.WithDescription("Signature checks that failed for configuration reasons"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signature errors counter: %w", err)
	}

	m.TimeQueryDuration, err = meter.Float64Histogram(
		"license_time_query_duration_seconds",
		metric.WithDescription("Trusted time lookup duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create time query duration histogram: %w", err)
	}

	m.TimeQueryFailures, err = meter.Int64Counter(
		"license_time_query_failures_total",
		metric.WithDescription("Trusted time lookups that produced no time"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create time query failures counter: %w", err)
	}

	m.FingerprintDuration, err = meter.Float64Histogram(
		"license_fingerprint_duration_seconds",
		metric.WithDescription("Device fingerprint generation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fingerprint duration histogram: %w", err)
	}

	return m, nil
}

// startSpan opens the span covering one validation
func startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "license."+operation,
		trace.WithAttributes(
			attribute.String("license.operation", operation),
			attribute.String("component", "license_validator"),
		),
	)
}

// finishSpan records the outcome on span
func finishSpan(span trace.Span, outcome Outcome, duration time.Duration) {
	span.SetAttributes(
		attribute.Float64("license.duration_ms", float64(duration.Milliseconds())),
		attribute.String("license.outcome", outcome.Kind.String()),
		attribute.Bool("license.valid", outcome.Valid()),
	)
	switch {
	case outcome.Valid():
		span.SetStatus(codes.Ok, "license valid")
	case outcome.Cause != nil:
		span.RecordError(outcome.Cause)
		span.SetStatus(codes.Error, outcome.String())
	default:
		span.SetStatus(codes.Error, outcome.String())
	}
}

func (m *Metrics) recordValidation(ctx context.Context, outcome Outcome, duration time.Duration) {
	if m == nil {
		return
	}
	labels := metric.WithAttributes(attribute.String("outcome", outcome.Kind.String()))
	m.ValidationAttempts.Add(ctx, 1)
	m.ValidationOutcomes.Add(ctx, 1, labels)
	m.ValidationDuration.Record(ctx, duration.Seconds(), labels)
}

func (m *Metrics) recordSignatureError(ctx context.Context) {
	if m == nil {
		return
	}
	m.SignatureErrors.Add(ctx, 1)
}

func (m *Metrics) recordTimeQuery(ctx context.Context, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.TimeQueryDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.Bool("success", err == nil)))
	if err != nil {
		m.TimeQueryFailures.Add(ctx, 1)
	}
}

func (m *Metrics) recordFingerprint(ctx context.Context, duration time.Duration) {
	if m == nil {
		return
	}
	m.FingerprintDuration.Record(ctx, duration.Seconds())
}

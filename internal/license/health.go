package license

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"licverify/internal/fingerprint"
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
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Duration  string         `json:"duration,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// DocumentSource loads the license document a health check validates
type DocumentSource func(ctx context.Context) ([]byte, error)

// OutcomeSource reports the outcome for the installed license, usually
// from a cache shared with request gating
type OutcomeSource func(ctx context.Context) (Outcome, error)

// HealthCheckConfig configures health check behavior
type HealthCheckConfig struct {
	CheckTimeout          time.Duration
	MaxValidationDuration time.Duration
	// TimeReadingTTL is how long a successful trusted time reading is reused
	TimeReadingTTL time.Duration
	// ExpectedName is checked when the health check validates the document
	// itself; it should match what request gating uses
	ExpectedName *string
}

// DefaultHealthCheckConfig returns the default timeouts
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		CheckTimeout:          10 * time.Second,
		MaxValidationDuration: 5 * time.Second,
		TimeReadingTTL:        time.Minute,
	}
}

// HealthCheck reports whether the validator can do its job: the key
// resolves, trusted time is reachable and the installed license is valid
type HealthCheck struct {
	validator *Validator
	document  DocumentSource
	outcomes  OutcomeSource
	config    HealthCheckConfig

	mu       sync.Mutex
	lastTime time.Time // last trusted reading
	readAt   time.Time // local instant of lastTime, with monotonic clock
	since    func(time.Time) time.Duration
}

// NewHealthCheck creates a health check for v. document may be nil, in
// which case no license is validated.
func NewHealthCheck(v *Validator, document DocumentSource, config HealthCheckConfig) *HealthCheck {
	return &HealthCheck{validator: v, document: document, config: config, since: time.Since}
}

// SetOutcomeSource makes the license check report src's outcome instead of
// validating the document on every check
func (hc *HealthCheck) SetOutcomeSource(src OutcomeSource) {
	hc.outcomes = src
}

// HealthCheckResult contains the health of every component
type HealthCheckResult struct {
	OverallStatus HealthStatus                `json:"status"`
	Message       string                      `json:"message"`
	Timestamp     time.Time                   `json:"timestamp"`
	Duration      string                      `json:"duration"`
	TraceID       string                      `json:"trace_id,omitempty"`
	Components    map[string]*ComponentHealth `json:"components"`
}

// Perform runs all component checks concurrently
func (hc *HealthCheck) Perform(ctx context.Context) *HealthCheckResult {
	ctx, span := otel.Tracer(TracerName).Start(ctx, "license.health_check",
		trace.WithAttributes(attribute.String("component", "license_health")),
	)
	defer span.End()

	start := time.Now()
	result := &HealthCheckResult{
		Timestamp:  start,
		Components: make(map[string]*ComponentHealth),
		TraceID:    traceIDFromContext(ctx),
	}

	checks := map[string]func(context.Context) *ComponentHealth{
		"public_key":   hc.checkPublicKey,
		"trusted_time": hc.checkTrustedTime,
		"fingerprint":  hc.checkFingerprint,
	}
	if hc.document != nil || hc.outcomes != nil {
		checks["license"] = hc.checkLicense
	}

	type checkResult struct {
		name   string
		health *ComponentHealth
	}
	results := make(chan checkResult, len(checks))
	for name, check := range checks {
		go func() {
			checkCtx, cancel := context.WithTimeout(ctx, hc.config.CheckTimeout)
			defer cancel()
			results <- checkResult{name: name, health: check(checkCtx)}
		}()
	}
	for range checks {
		res := <-results
		result.Components[res.name] = res.health
	}

	result.OverallStatus = overallStatus(result.Components)
	result.Duration = time.Since(start).String()
	result.Message = statusMessage(result.OverallStatus, result.Components)

	span.SetAttributes(
		attribute.String("health.overall_status", string(result.OverallStatus)),
		attribute.Int("health.total_components", len(result.Components)),
	)
	return result
}

func (hc *HealthCheck) checkPublicKey(ctx context.Context) *ComponentHealth {
	health := newComponentHealth()
	if hc.validator.keys == nil {
		health.Status = HealthStatusHealthy
		health.Message = "Custom signature verifier configured"
		return health
	}

	key, err := hc.validator.keys.PublicKey(ctx)
	health.Duration = time.Since(health.Timestamp).String()
	if err != nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "Public key unavailable"
		health.Error = err.Error()
		return health
	}
	health.Status = HealthStatusHealthy
	health.Message = "Public key loaded"
	health.Metadata["key_bits"] = key.N.BitLen()
	return health
}

func (hc *HealthCheck) checkTrustedTime(ctx context.Context) *ComponentHealth {
	health := newComponentHealth()
	now, cached, err := hc.trustedNow(ctx)
	health.Duration = time.Since(health.Timestamp).String()
	health.Metadata["require_network_time"] = hc.validator.cfg.RequireNetworkTimeCheck
	health.Metadata["cached"] = cached
	if err != nil {
		health.Status = HealthStatusDegraded
		health.Message = "Trusted time unavailable"
		health.Error = err.Error()
		return health
	}
	health.Status = HealthStatusHealthy
	health.Message = "Trusted time available"
	health.Metadata["time"] = now.UTC()
	return health
}

// trustedNow returns trusted time, extrapolating from the last successful
// reading while it is younger than TimeReadingTTL. Failures are not cached.
func (hc *HealthCheck) trustedNow(ctx context.Context) (time.Time, bool, error) {
	hc.mu.Lock()
	if !hc.readAt.IsZero() {
		if age := hc.since(hc.readAt); age < hc.config.TimeReadingTTL {
			now := hc.lastTime.Add(age)
			hc.mu.Unlock()
			return now, true, nil
		}
	}
	hc.mu.Unlock()

	now, err := hc.validator.clock.Now(ctx)
	if err != nil {
		return time.Time{}, false, err
	}

	hc.mu.Lock()
	hc.lastTime = now
	hc.readAt = time.Now()
	hc.mu.Unlock()
	return now, false, nil
}

func (hc *HealthCheck) checkFingerprint(ctx context.Context) *ComponentHealth {
	health := newComponentHealth()
	fp := hc.validator.Fingerprint(ctx)
	health.Duration = time.Since(health.Timestamp).String()
	health.Metadata["fingerprint"] = fp.String()

	if g, ok := hc.validator.fingerprinter.(*fingerprint.Generator); ok {
		unknown := 0
		for _, v := range g.Components(ctx) {
			if v == fingerprint.UnknownValue {
				unknown++
			}
		}
		health.Metadata["unknown_components"] = unknown
		if unknown > 0 {
			health.Status = HealthStatusDegraded
			health.Message = fmt.Sprintf("%d fingerprint components unavailable", unknown)
			return health
		}
	}
	health.Status = HealthStatusHealthy
	health.Message = "Fingerprint generated"
	return health
}

func (hc *HealthCheck) checkLicense(ctx context.Context) *ComponentHealth {
	health := newComponentHealth()
	outcome, err := hc.licenseOutcome(ctx)
	if err != nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "License document unavailable"
		health.Error = err.Error()
		return health
	}

	duration := time.Since(health.Timestamp)
	health.Duration = duration.String()
	health.Metadata["outcome"] = outcome.Kind.String()

	switch {
	case outcome.Valid() && duration > hc.config.MaxValidationDuration:
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("License valid but validation slow (%.2fs)", duration.Seconds())
	case outcome.Valid():
		health.Status = HealthStatusHealthy
		health.Message = "License valid"
	case outcome.Kind == KindNetworkTimeUnavailable:
		health.Status = HealthStatusDegraded
		health.Message = outcome.String()
	default:
		health.Status = HealthStatusUnhealthy
		health.Message = outcome.String()
	}
	return health
}

func (hc *HealthCheck) licenseOutcome(ctx context.Context) (Outcome, error) {
	if hc.outcomes != nil {
		return hc.outcomes(ctx)
	}
	doc, err := hc.document(ctx)
	if err != nil {
		return Outcome{}, err
	}
	return hc.validator.ValidateMachine(ctx, doc, hc.config.ExpectedName), nil
}

func newComponentHealth() *ComponentHealth {
	return &ComponentHealth{
		Timestamp: time.Now(),
		Metadata:  make(map[string]any),
	}
}

func overallStatus(components map[string]*ComponentHealth) HealthStatus {
	status := HealthStatusHealthy
	for _, health := range components {
		switch health.Status {
		case HealthStatusUnhealthy:
			return HealthStatusUnhealthy
		case HealthStatusDegraded:
			status = HealthStatusDegraded
		}
	}
	return status
}

func statusMessage(status HealthStatus, components map[string]*ComponentHealth) string {
	switch status {
	case HealthStatusHealthy:
		return fmt.Sprintf("All %d license components are healthy", len(components))
	case HealthStatusDegraded:
		return "License system operational with degraded components"
	default:
		return "License system unhealthy"
	}
}

func traceIDFromContext(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}

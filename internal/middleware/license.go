package middleware

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	apierrors "licverify/internal/errors"
	"licverify/internal/infrastructure"
	"licverify/internal/license"
)

const flightKey = "license"

// GateConfig configures the license gate
type GateConfig struct {
	// ExpectedName, when set, must match the license holder
	ExpectedName *string
	// ValidTTL is how long a valid outcome is reused
	ValidTTL time.Duration
	// InvalidTTL is how long a failed outcome is reused; it is shorter so
	// that a fixed license or restored network is picked up quickly
	InvalidTTL time.Duration
	// ValidationTimeout bounds one validation, NTP query included
	ValidationTimeout time.Duration

	ExcludePaths    []string
	ExcludePrefixes []string
}

// DefaultGateConfig returns the default gate configuration
func DefaultGateConfig() GateConfig {
	return GateConfig{
		ValidTTL:          5 * time.Minute,
		InvalidTTL:        30 * time.Second,
		ValidationTimeout: 10 * time.Second,
		ExcludePaths: []string{
			"/",
			"/metrics",
			"/favicon.ico",
		},
		ExcludePrefixes: []string{
			"/api/health",
			"/api/license/",
		},
	}
}

// cachedOutcome is the last validation result
type cachedOutcome struct {
	outcome   license.Outcome
	checkedAt time.Time
}

// LicenseGate rejects requests unless the machine's installed license is
// valid. Outcomes are cached, and concurrent validations of an expired
// cache entry share one validator call.
type LicenseGate struct {
	validator    MachineValidator
	document     license.DocumentSource
	cfg          GateConfig
	errorHandler *apierrors.ErrorHandler
	logger       *slog.Logger
	metrics      *GateMetrics
	now          func() time.Time

	group singleflight.Group

	mu         sync.RWMutex
	cached     *cachedOutcome
	generation uint64
}

// NewLicenseGate creates a gate validating the document returned by source
func NewLicenseGate(v MachineValidator, source license.DocumentSource, cfg GateConfig, errorHandler *apierrors.ErrorHandler, logger *slog.Logger) *LicenseGate {
	return &LicenseGate{
		validator:    v,
		document:     source,
		cfg:          cfg,
		errorHandler: errorHandler,
		logger:       logger.With(slog.String("component", "license_gate")),
		now:          time.Now,
	}
}

// SetMetrics sets the OpenTelemetry metrics for the gate
func (g *LicenseGate) SetMetrics(m *GateMetrics) {
	g.metrics = m
}

// Handler returns the middleware handler function
func (g *LicenseGate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if g.shouldExcludePath(r.URL.Path) {
			g.metrics.excluded(ctx, r.URL.Path)
			next.ServeHTTP(w, r)
			return
		}

		outcome, err := g.Check(ctx)
		if err != nil {
			g.logger.ErrorContext(ctx, "license document unavailable",
				slog.String("error", err.Error()),
				slog.String("path", r.URL.Path))
			g.errorHandler.HandleError(w, r, DocumentError(err))
			return
		}

		if !outcome.Valid() {
			g.metrics.rejected(ctx, outcome)
			g.logger.WarnContext(ctx, "request rejected by license gate",
				slog.String("path", r.URL.Path),
				slog.String("outcome", outcome.Kind.String()))

			problem := apierrors.ProblemForOutcome(outcome, r.URL.Path, middleware.GetReqID(ctx))
			if outcome.Kind == license.KindNetworkTimeUnavailable {
				w.Header().Set("Retry-After", "30")
			}
			render.Render(w, r, problem)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Check returns the outcome for the installed license, validating it when
// the cached outcome has expired. Errors report a document that could not
// be loaded; they are not cached.
func (g *LicenseGate) Check(ctx context.Context) (license.Outcome, error) {
	if cached, ok := g.fresh(); ok {
		g.metrics.cacheHit(ctx)
		infrastructure.AddSpanEvent(ctx, "license cache hit",
			attribute.String("license.outcome", cached.outcome.Kind.String()))
		return cached.outcome, nil
	}
	g.metrics.cacheMiss(ctx)

	g.mu.RLock()
	gen := g.generation
	g.mu.RUnlock()

	ch := g.group.DoChan(flightKey, func() (any, error) {
		// detached so one caller's cancellation does not fail the others
		vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.ValidationTimeout)
		defer cancel()
		return g.validate(vctx, gen)
	})

	select {
	case <-ctx.Done():
		return license.Outcome{Kind: license.KindNetworkTimeUnavailable, Cause: ctx.Err()}, nil
	case res := <-ch:
		if res.Err != nil {
			return license.Outcome{}, res.Err
		}
		return res.Val.(license.Outcome), nil
	}
}

func (g *LicenseGate) validate(ctx context.Context, gen uint64) (license.Outcome, error) {
	ctx, span := otel.Tracer(license.TracerName).Start(ctx, "license_gate.validate",
		trace.WithAttributes(attribute.String("component", "license_gate")),
	)
	defer span.End()

	document, err := g.document(ctx)
	if err != nil {
		infrastructure.RecordError(ctx, err)
		return license.Outcome{}, err
	}

	outcome := g.validator.ValidateMachine(ctx, document, g.cfg.ExpectedName)
	span.SetAttributes(attribute.String("license.outcome", outcome.Kind.String()))

	g.mu.Lock()
	if g.generation == gen {
		g.cached = &cachedOutcome{outcome: outcome, checkedAt: g.now()}
	}
	g.mu.Unlock()

	g.logger.InfoContext(ctx, "license validation performed",
		slog.String("outcome", outcome.Kind.String()))
	return outcome, nil
}

// fresh returns the cached outcome if it is within its TTL
func (g *LicenseGate) fresh() (*cachedOutcome, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.cached == nil {
		return nil, false
	}
	ttl := g.cfg.InvalidTTL
	if g.cached.outcome.Valid() {
		ttl = g.cfg.ValidTTL
	}
	if g.now().Sub(g.cached.checkedAt) >= ttl {
		return nil, false
	}
	return g.cached, true
}

// Invalidate drops the cached outcome. A validation already in flight is
// not stored.
func (g *LicenseGate) Invalidate() {
	g.mu.Lock()
	g.cached = nil
	g.generation++
	g.mu.Unlock()
	g.group.Forget(flightKey)

	g.logger.Debug("license cache invalidated")
}

// CacheStats describes the cached outcome for monitoring
type CacheStats struct {
	Cached     bool      `json:"cached"`
	Outcome    string    `json:"outcome,omitempty"`
	CheckedAt  time.Time `json:"checked_at,omitzero"`
	AgeSeconds int       `json:"age_seconds"`
}

// Stats returns the cached outcome's state
func (g *LicenseGate) Stats() CacheStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.cached == nil {
		return CacheStats{}
	}
	return CacheStats{
		Cached:     true,
		Outcome:    g.cached.outcome.Kind.String(),
		CheckedAt:  g.cached.checkedAt,
		AgeSeconds: int(g.now().Sub(g.cached.checkedAt).Seconds()),
	}
}

func (g *LicenseGate) shouldExcludePath(path string) bool {
	if slices.Contains(g.cfg.ExcludePaths, path) {
		return true
	}
	return slices.ContainsFunc(g.cfg.ExcludePrefixes, func(prefix string) bool {
		return strings.HasPrefix(path, prefix)
	})
}

// DocumentError maps a license load failure to an API error
func DocumentError(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return apierrors.LicenseNotFoundError(err)
	}
	return apierrors.NewStorageError("failed to load license", err)
}

// GateMetrics holds OpenTelemetry metrics for the license gate
type GateMetrics struct {
	CacheHits     metric.Int64Counter
	CacheMisses   metric.Int64Counter
	Rejections    metric.Int64Counter
	PathExclusion metric.Int64Counter
}

// NewGateMetrics creates the gate instruments
func NewGateMetrics(meter metric.Meter) (*GateMetrics, error) {
	cacheHits, err := meter.Int64Counter(
		"license_gate_cache_hits_total",
		metric.WithDescription("License gate checks answered from cache"),
	)
	if err != nil {
		return nil, err
	}

	cacheMisses, err := meter.Int64Counter(
		"license_gate_cache_misses_total",
		metric.WithDescription("License gate checks that required validation"),
	)
	if err != nil {
		return nil, err
	}

	rejections, err := meter.Int64Counter(
		"license_gate_rejections_total",
		metric.WithDescription("Requests rejected by the license gate"),
	)
	if err != nil {
		return nil, err
	}

	exclusions, err := meter.Int64Counter(
		"license_gate_excluded_total",
		metric.WithDescription("Requests that bypassed the license gate"),
	)
	if err != nil {
		return nil, err
	}

	return &GateMetrics{
		CacheHits:     cacheHits,
		CacheMisses:   cacheMisses,
		Rejections:    rejections,
		PathExclusion: exclusions,
	}, nil
}

func (m *GateMetrics) cacheHit(ctx context.Context) {
	if m != nil {
		m.CacheHits.Add(ctx, 1)
	}
}

func (m *GateMetrics) cacheMiss(ctx context.Context) {
	if m != nil {
		m.CacheMisses.Add(ctx, 1)
	}
}

func (m *GateMetrics) rejected(ctx context.Context, outcome license.Outcome) {
	if m != nil {
		m.Rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome.Kind.String())))
	}
}

func (m *GateMetrics) excluded(ctx context.Context, path string) {
	if m != nil {
		m.PathExclusion.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
	}
}

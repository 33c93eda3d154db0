package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "licverify/internal/errors"
	"licverify/internal/fingerprint"
	"licverify/internal/license"
	licmw "licverify/internal/middleware"
	"licverify/internal/trustedtime"
)

// LicenseValidator runs license checks for the API
type LicenseValidator interface {
	AssertValid(ctx context.Context, document []byte, expectedUserID uuid.UUID, expectedName *string) license.Outcome
	ValidateMachine(ctx context.Context, document []byte, expectedName *string) license.Outcome
}

// MachineIdentity reports the fingerprint of this machine
type MachineIdentity interface {
	Generate(ctx context.Context) fingerprint.Fingerprint
	Components(ctx context.Context) map[string]string
}

// TimeReader supplies trusted time together with its origin
type TimeReader interface {
	Read(ctx context.Context) (trustedtime.Reading, error)
}

// StatusChecker reports the outcome for the installed license
type StatusChecker interface {
	Check(ctx context.Context) (license.Outcome, error)
}

// ValidateRequest is the body of POST /api/license/validate. With no
// user_id the document is checked against this machine's fingerprint.
type ValidateRequest struct {
	Document string  `json:"document" validate:"required"`
	UserID   string  `json:"user_id,omitempty" validate:"omitempty,uuid"`
	Name     *string `json:"name,omitempty"`
}

// OutcomeResponse reports a successful validation
type OutcomeResponse struct {
	Outcome   string    `json:"outcome"`
	CheckedAt time.Time `json:"checked_at"`
	TraceID   string    `json:"trace_id,omitempty"`
}

// FingerprintResponse describes this machine's identity
type FingerprintResponse struct {
	Fingerprint string            `json:"fingerprint"`
	Components  map[string]string `json:"components"`
}

// StatusResponse reports a valid installed license
type StatusResponse struct {
	Outcome string           `json:"outcome"`
	Cache   licmw.CacheStats `json:"cache"`
}

// LicenseHandler serves the license API under /api/license
type LicenseHandler struct {
	validator    LicenseValidator
	identity     MachineIdentity
	clock        TimeReader
	status       StatusChecker
	cacheStats   func() licmw.CacheStats
	requests     *licmw.RequestValidator
	errorHandler *apierrors.ErrorHandler
	logger       *slog.Logger
}

// LicenseHandlerDeps are the collaborators of a LicenseHandler
type LicenseHandlerDeps struct {
	Validator    LicenseValidator
	Identity     MachineIdentity
	Clock        TimeReader
	Gate         *licmw.LicenseGate
	Requests     *licmw.RequestValidator
	ErrorHandler *apierrors.ErrorHandler
	Logger       *slog.Logger
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(deps LicenseHandlerDeps) *LicenseHandler {
	h := &LicenseHandler{
		validator:    deps.Validator,
		identity:     deps.Identity,
		clock:        deps.Clock,
		requests:     deps.Requests,
		errorHandler: deps.ErrorHandler,
		logger:       deps.Logger.With(slog.String("handler", "license")),
		cacheStats:   func() licmw.CacheStats { return licmw.CacheStats{} },
	}
	if deps.Gate != nil {
		h.status = deps.Gate
		h.cacheStats = deps.Gate.Stats
	}
	return h
}

// Routes returns a chi router for license endpoints
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.With(licmw.ContentTypeValidator(h.errorHandler, "application/json")).Post("/validate", h.Validate)
	r.Get("/fingerprint", h.GetFingerprint)
	r.Get("/time", h.GetTime)
	if h.status != nil {
		r.Get("/status", h.GetStatus)
	}

	return r
}

// Validate handles POST /api/license/validate
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(license.TracerName).Start(r.Context(), "license_handler.validate",
		trace.WithAttributes(attribute.String("component", "license_handler")),
	)
	defer span.End()
	r = r.WithContext(ctx)

	var req ValidateRequest
	if err := h.requests.Decode(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	var outcome license.Outcome
	if req.UserID == "" {
		outcome = h.validator.ValidateMachine(ctx, []byte(req.Document), req.Name)
	} else {
		// format checked by the uuid tag
		outcome = h.validator.AssertValid(ctx, []byte(req.Document), uuid.MustParse(req.UserID), req.Name)
	}
	span.SetAttributes(
		attribute.String("license.outcome", outcome.Kind.String()),
		attribute.Bool("license.machine", req.UserID == ""),
	)

	h.logger.InfoContext(ctx, "license validated via api",
		slog.String("outcome", outcome.Kind.String()),
		slog.Bool("machine", req.UserID == ""),
	)

	h.respondOutcome(w, r, outcome)
}

// GetFingerprint handles GET /api/license/fingerprint
func (h *LicenseHandler) GetFingerprint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	render.JSON(w, r, FingerprintResponse{
		Fingerprint: h.identity.Generate(ctx).String(),
		Components:  h.identity.Components(ctx),
	})
}

// GetTime handles GET /api/license/time
func (h *LicenseHandler) GetTime(w http.ResponseWriter, r *http.Request) {
	reading, err := h.clock.Read(r.Context())
	if err != nil {
		h.logger.WarnContext(r.Context(), "trusted time unavailable", slog.String("error", err.Error()))
		h.respondOutcome(w, r, license.Outcome{Kind: license.KindNetworkTimeUnavailable, Cause: err})
		return
	}
	render.JSON(w, r, reading)
}

// GetStatus handles GET /api/license/status
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.status.Check(r.Context())
	if err != nil {
		h.errorHandler.HandleError(w, r, licmw.DocumentError(err))
		return
	}
	if !outcome.Valid() {
		h.respondOutcome(w, r, outcome)
		return
	}
	render.JSON(w, r, StatusResponse{
		Outcome: outcome.Kind.String(),
		Cache:   h.cacheStats(),
	})
}

// respondOutcome writes a valid outcome as JSON and a failed one as
// problem details
func (h *LicenseHandler) respondOutcome(w http.ResponseWriter, r *http.Request, outcome license.Outcome) {
	reqID := middleware.GetReqID(r.Context())

	if !outcome.Valid() {
		if outcome.Kind == license.KindNetworkTimeUnavailable {
			w.Header().Set("Retry-After", "30")
		}
		render.Render(w, r, apierrors.ProblemForOutcome(outcome, r.URL.Path, reqID))
		return
	}

	render.JSON(w, r, OutcomeResponse{
		Outcome:   outcome.Kind.String(),
		CheckedAt: time.Now().UTC(),
		TraceID:   reqID,
	})
}

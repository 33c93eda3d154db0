package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"licverify/internal/license"
)

// Problem types for license validation failures
const (
	TypeLicenseMalformed        = "/errors/license-malformed"
	TypeLicenseTypeUnsupported  = "/errors/license-type-unsupported"
	TypeLicenseSignatureInvalid = "/errors/license-signature-invalid"
	TypeLicenseExpired          = "/errors/license-expired"
	TypeLicenseUserMismatch     = "/errors/license-user-mismatch"
	TypeLicenseNameMismatch     = "/errors/license-name-mismatch"
	TypeNetworkTimeUnavailable  = "/errors/network-time-unavailable"
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// Additional fields for extensibility
	Extensions map[string]any `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions into the top-level object
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]any, len(pd.Extensions)+5)
	for k, v := range pd.Extensions {
		data[k] = v
	}

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]any),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value any) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// IsValidationFailure reports whether err carries a license validation outcome
func IsValidationFailure(err error) bool {
	var ve *license.ValidationError
	return errors.As(err, &ve)
}

// MapValidationError converts a license validation failure into problem
// details. The outcome kind is always exposed as the "outcome" extension.
func MapValidationError(err error, instance, traceID string) *ProblemDetails {
	outcome, ok := license.OutcomeOf(err)
	if !ok || outcome.Valid() {
		return NewProblemDetails(
			http.StatusInternalServerError,
			TypeInternal,
			"Internal Server Error",
			"An unexpected error occurred while validating the license.",
			instance,
		).WithExtension("trace_id", traceID)
	}
	return ProblemForOutcome(outcome, instance, traceID)
}

// ProblemForOutcome builds the problem details for a failed outcome
func ProblemForOutcome(outcome license.Outcome, instance, traceID string) *ProblemDetails {
	var problem *ProblemDetails

	switch outcome.Kind {
	case license.KindMalformedLicense:
		problem = NewProblemDetails(
			http.StatusBadRequest,
			TypeLicenseMalformed,
			"Malformed License",
			"The license document is not well formed.",
			instance,
		).WithExtension("reason", outcome.Reason)

	case license.KindTypeUnsupported:
		problem = NewProblemDetails(
			http.StatusBadRequest,
			TypeLicenseTypeUnsupported,
			"License Type Not Supported",
			"Licenses of this type are not accepted.",
			instance,
		).WithExtension("license_type", outcome.Reason)

	case license.KindSignatureInvalid:
		problem = NewProblemDetails(
			http.StatusForbidden,
			TypeLicenseSignatureInvalid,
			"License Signature Invalid",
			"The license signature could not be verified.",
			instance,
		)

	case license.KindExpired:
		problem = NewProblemDetails(
			http.StatusForbidden,
			TypeLicenseExpired,
			"License Expired",
			"Your license has expired. Please renew to continue.",
			instance,
		).WithExtension("expired_at", outcome.ExpiredAt.Format(license.ExpirationLayout))

	case license.KindUserMismatch:
		problem = NewProblemDetails(
			http.StatusForbidden,
			TypeLicenseUserMismatch,
			"License Machine Mismatch",
			"This license is registered to a different machine.",
			instance,
		)

	case license.KindNameMismatch:
		problem = NewProblemDetails(
			http.StatusForbidden,
			TypeLicenseNameMismatch,
			"License Name Mismatch",
			"This license was issued to a different name.",
			instance,
		)

	case license.KindNetworkTimeUnavailable:
		problem = NewProblemDetails(
			http.StatusServiceUnavailable,
			TypeNetworkTimeUnavailable,
			"Network Time Unavailable",
			"The license expiry could not be checked against network time. Please check your connection.",
			instance,
		).WithExtension("retry_after", 30)

	default:
		problem = NewProblemDetails(
			http.StatusInternalServerError,
			TypeInternal,
			"Internal Server Error",
			"An unexpected error occurred while validating the license.",
			instance,
		)
	}

	problem.WithExtension("outcome", outcome.Kind.String())
	if traceID != "" {
		problem.WithExtension("trace_id", traceID)
	}
	return problem
}

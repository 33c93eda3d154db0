package license

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies the result of a validation call
type Kind int

const (
	KindValid Kind = iota
	KindSignatureInvalid
	KindExpired
	KindUserMismatch
	KindNameMismatch
	KindTypeUnsupported
	KindNetworkTimeUnavailable
	KindMalformedLicense
)

var kindNames = map[Kind]string{
	KindValid:                  "valid",
	KindSignatureInvalid:       "signature_invalid",
	KindExpired:                "expired",
	KindUserMismatch:           "user_mismatch",
	KindNameMismatch:           "name_mismatch",
	KindTypeUnsupported:        "type_unsupported",
	KindNetworkTimeUnavailable: "network_time_unavailable",
	KindMalformedLicense:       "malformed_license",
}

// String returns the snake_case name used in logs, metrics and API responses
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinel errors, one per failure kind. A *ValidationError matches the
// sentinel of its kind with errors.Is.
var (
	ErrSignatureInvalid       = errors.New("license signature verification failed")
	ErrExpired                = errors.New("license expired")
	ErrUserMismatch           = errors.New("license user id does not match this machine")
	ErrNameMismatch           = errors.New("license name does not match")
	ErrTypeUnsupported        = errors.New("license type not supported")
	ErrNetworkTimeUnavailable = errors.New("network time unavailable")
	ErrMalformedLicense       = errors.New("malformed license")
)

var kindErrors = map[Kind]error{
	KindSignatureInvalid:       ErrSignatureInvalid,
	KindExpired:                ErrExpired,
	KindUserMismatch:           ErrUserMismatch,
	KindNameMismatch:           ErrNameMismatch,
	KindTypeUnsupported:        ErrTypeUnsupported,
	KindNetworkTimeUnavailable: ErrNetworkTimeUnavailable,
	KindMalformedLicense:       ErrMalformedLicense,
}

// Outcome is the single result of a validation call.
// ExpiredAt is set only for KindExpired; Reason names the offending field
// for KindMalformedLicense and the type name for KindTypeUnsupported.
type Outcome struct {
	Kind      Kind
	ExpiredAt time.Time
	Reason    string
	// Cause is the underlying error, when there is one (e.g. the NTP failure)
	Cause error
}

// Valid reports whether the license passed every check
func (o Outcome) Valid() bool {
	return o.Kind == KindValid
}

// Err returns nil for a valid outcome and a *ValidationError otherwise
func (o Outcome) Err() error {
	if o.Valid() {
		return nil
	}
	return &ValidationError{Outcome: o}
}

// String describes the outcome for humans
func (o Outcome) String() string {
	switch o.Kind {
	case KindValid:
		return "license valid"
	case KindExpired:
		return fmt.Sprintf("%s %s", ErrExpired, o.ExpiredAt.Format(ExpirationLayout))
	case KindMalformedLicense, KindTypeUnsupported:
		return fmt.Sprintf("%s: %s", kindErrors[o.Kind], o.Reason)
	default:
		if err, ok := kindErrors[o.Kind]; ok {
			return err.Error()
		}
		return o.Kind.String()
	}
}

// ValidationError carries a failed Outcome
type ValidationError struct {
	Outcome Outcome
}

// Error implements error
func (e *ValidationError) Error() string {
	if e.Outcome.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Outcome, e.Outcome.Cause)
	}
	return e.Outcome.String()
}

// Is matches the sentinel for the outcome kind
func (e *ValidationError) Is(target error) bool {
	return kindErrors[e.Outcome.Kind] == target
}

// Unwrap exposes the cause
func (e *ValidationError) Unwrap() error {
	return e.Outcome.Cause
}

// OutcomeOf extracts the outcome from err. A nil error is a valid outcome;
// errors that are not validation errors report ok == false.
func OutcomeOf(err error) (Outcome, bool) {
	if err == nil {
		return Outcome{Kind: KindValid}, true
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Outcome, true
	}
	return Outcome{}, false
}

func malformed(reason string) Outcome {
	return Outcome{Kind: KindMalformedLicense, Reason: reason}
}

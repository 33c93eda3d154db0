package license

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"licverify/internal/fingerprint"
	"licverify/internal/trustedtime"
)

// KeyStore selects where the verification key comes from
type KeyStore string

const (
	KeyStoreInline KeyStore = ""
	KeyStorePKCS11 KeyStore = "pkcs11"
)

// PKCS11Config locates a public key object on a token
type PKCS11Config struct {
	Module string
	Slot   uint
	Label  string
	ID     []byte // CKA_ID; empty matches any
	PIN    string
}

// Config is the validator configuration. It is copied by NewValidator and
// never changes afterwards.
type Config struct {
	PublicKey string
	KeySize   int
	KeyStore  KeyStore
	PKCS11    PKCS11Config

	RequireNetworkTimeCheck bool
	NTPServer               string
	ReceiveTimeout          time.Duration

	SupportedTypes []Type
}

// DefaultConfig returns the default configuration for publicKey
func DefaultConfig(publicKey string) Config {
	return Config{
		PublicKey:               publicKey,
		KeySize:                 DefaultKeySize,
		RequireNetworkTimeCheck: true,
		NTPServer:               trustedtime.DefaultServer,
		ReceiveTimeout:          trustedtime.DefaultTimeout,
		SupportedTypes:          []Type{TypeNone},
	}
}

// NewKeyProvider builds the KeyProvider selected by cfg.KeyStore
func NewKeyProvider(cfg Config) (KeyProvider, error) {
	switch cfg.KeyStore {
	case KeyStoreInline:
		return NewStaticKeyProvider(cfg.PublicKey, cfg.KeySize)
	case KeyStorePKCS11:
		if cfg.PKCS11.Module == "" {
			return nil, fmt.Errorf("%w: pkcs11 module path is required", ErrInvalidPublicKey)
		}
		return &PKCS11KeyProvider{
			Module:  cfg.PKCS11.Module,
			Slot:    cfg.PKCS11.Slot,
			Label:   cfg.PKCS11.Label,
			ID:      cfg.PKCS11.ID,
			PIN:     cfg.PKCS11.PIN,
			KeySize: cfg.KeySize,
		}, nil
	default:
		return nil, fmt.Errorf("unknown key store %q", cfg.KeyStore)
	}
}

// Transform rewrites a parsed license before any check runs
type Transform func(ctx context.Context, l *License) (*License, error)

// Identity is the default Transform
func Identity(_ context.Context, l *License) (*License, error) {
	return l, nil
}

// TimeSource supplies the time expiry is judged against
type TimeSource interface {
	Now(ctx context.Context) (time.Time, error)
}

// Fingerprinter identifies the current machine
type Fingerprinter interface {
	Generate(ctx context.Context) fingerprint.Fingerprint
}

// Option configures a Validator
type Option func(*Validator)

// WithTransform installs a pre-validation transform
func WithTransform(t Transform) Option {
	return func(v *Validator) { v.transform = t }
}

// WithSupportedTypes replaces the accepted license types
func WithSupportedTypes(types ...Type) Option {
	return func(v *Validator) { v.supported = slices.Clone(types) }
}

// WithFingerprinter sets the machine fingerprint generator
func WithFingerprinter(f Fingerprinter) Option {
	return func(v *Validator) { v.fingerprinter = f }
}

// WithTimeSource sets the trusted time source
func WithTimeSource(ts TimeSource) Option {
	return func(v *Validator) { v.clock = ts }
}

// WithVerifier sets the signature verifier
func WithVerifier(sv SignatureVerifier) Option {
	return func(v *Validator) { v.verifier = sv }
}

// WithKeyProvider sets the key used by the default verifier
func WithKeyProvider(kp KeyProvider) Option {
	return func(v *Validator) { v.keys = kp }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// WithMetrics sets the metric instruments
func WithMetrics(m *Metrics) Option {
	return func(v *Validator) { v.metrics = m }
}

// Validator runs the full license check. It is immutable once built and
// safe for concurrent use.
type Validator struct {
	cfg           Config
	transform     Transform
	supported     []Type
	fingerprinter Fingerprinter
	clock         TimeSource
	verifier      SignatureVerifier
	keys          KeyProvider
	logger        *slog.Logger
	metrics       *Metrics
}

// NewValidator builds a Validator. Collaborators not given as options are
// created from cfg: the key provider from the key store settings, the time
// source from the NTP settings and the fingerprinter from the host.
func NewValidator(cfg Config, opts ...Option) (*Validator, error) {
	cfg.SupportedTypes = slices.Clone(cfg.SupportedTypes)
	v := &Validator{
		cfg:       cfg,
		transform: Identity,
		supported: cfg.SupportedTypes,
	}
	for _, opt := range opts {
		opt(v)
	}

	if v.logger == nil {
		v.logger = slog.Default()
	}
	v.logger = v.logger.With(slog.String("component", "license_validator"))
	if v.transform == nil {
		v.transform = Identity
	}
	if len(v.supported) == 0 {
		v.supported = []Type{TypeNone}
	}

	if v.verifier == nil {
		if v.keys == nil {
			keys, err := NewKeyProvider(cfg)
			if err != nil {
				return nil, fmt.Errorf("failed to configure public key: %w", err)
			}
			v.keys = keys
		}
		v.verifier = NewXMLDSigVerifier(v.keys, v.logger)
	}

	if v.clock == nil {
		v.clock = trustedtime.NewSource(
			trustedtime.NewClient(cfg.NTPServer, cfg.ReceiveTimeout),
			trustedtime.WithRequireNetwork(cfg.RequireNetworkTimeCheck),
			trustedtime.WithLogger(v.logger),
		)
	}

	if v.fingerprinter == nil {
		v.fingerprinter = fingerprint.NewGenerator(fingerprint.NewHostSource(), v.logger)
	}

	if v.metrics == nil {
		m, err := NewMetrics(otel.Meter(MeterName))
		if err != nil {
			return nil, err
		}
		v.metrics = m
	}

	return v, nil
}

// Config returns the configuration the validator was built with
func (v *Validator) Config() Config {
	c := v.cfg
	c.SupportedTypes = slices.Clone(v.supported)
	return c
}

// Supports reports whether licenses of type t are accepted
func (v *Validator) Supports(t Type) bool {
	return slices.Contains(v.supported, t)
}

// Fingerprint returns the fingerprint of the current machine
func (v *Validator) Fingerprint(ctx context.Context) fingerprint.Fingerprint {
	start := time.Now()
	fp := v.fingerprinter.Generate(ctx)
	v.metrics.recordFingerprint(ctx, time.Since(start))
	return fp
}

// Validate is AssertValid returning nil for a valid license and a
// *ValidationError otherwise
func (v *Validator) Validate(ctx context.Context, document []byte, expectedUserID uuid.UUID, expectedName *string) error {
	return v.AssertValid(ctx, document, expectedUserID, expectedName).Err()
}

// ValidateMachine validates document against the fingerprint of the
// current machine
func (v *Validator) ValidateMachine(ctx context.Context, document []byte, expectedName *string) Outcome {
	return v.AssertValid(ctx, document, v.Fingerprint(ctx).UUID(), expectedName)
}

// AssertValid runs every check against document and returns the first
// failure, or a valid outcome. The checks run in a fixed order: parse,
// transform, type, name, user, signature and finally expiry against
// trusted time. A signature is verified before its expiration is trusted.
func (v *Validator) AssertValid(ctx context.Context, document []byte, expectedUserID uuid.UUID, expectedName *string) Outcome {
	ctx, span := startSpan(ctx, "validate")
	defer span.End()

	start := time.Now()
	l, outcome := v.check(ctx, document, expectedUserID, expectedName)
	duration := time.Since(start)

	v.metrics.recordValidation(ctx, outcome, duration)
	finishSpan(span, outcome, duration)
	v.logOutcome(ctx, l, outcome, duration)

	return outcome
}

func (v *Validator) check(ctx context.Context, document []byte, expectedUserID uuid.UUID, expectedName *string) (*License, Outcome) {
	l, outcome := parse(document)
	if !outcome.Valid() {
		return nil, outcome
	}

	l, err := v.transform(ctx, l)
	if err != nil {
		o := malformed(err.Error())
		o.Cause = err
		return nil, o
	}
	if l == nil {
		return nil, malformed("transform returned no license")
	}

	if !v.Supports(l.Type) {
		return l, Outcome{Kind: KindTypeUnsupported, Reason: l.Type.String()}
	}

	if expectedName != nil && l.Name != *expectedName {
		return l, Outcome{Kind: KindNameMismatch}
	}

	if l.UserID != expectedUserID {
		return l, Outcome{Kind: KindUserMismatch}
	}

	ok, err := v.verifier.Verify(ctx, l)
	if err != nil {
		v.metrics.recordSignatureError(ctx)
		v.logger.ErrorContext(ctx, "signature verification could not run",
			slog.String("error", err.Error()))
		return l, Outcome{Kind: KindSignatureInvalid, Cause: err}
	}
	if !ok {
		return l, Outcome{Kind: KindSignatureInvalid}
	}

	start := time.Now()
	now, err := v.clock.Now(ctx)
	v.metrics.recordTimeQuery(ctx, time.Since(start), err)
	if err != nil {
		return l, Outcome{Kind: KindNetworkTimeUnavailable, Cause: err}
	}

	if l.ExpirationDate.Before(now) {
		return l, Outcome{Kind: KindExpired, ExpiredAt: l.ExpirationDate}
	}

	return l, Outcome{Kind: KindValid}
}

func (v *Validator) logOutcome(ctx context.Context, l *License, outcome Outcome, duration time.Duration) {
	attrs := []slog.Attr{
		slog.String("outcome", outcome.Kind.String()),
		slog.Duration("duration", duration),
	}
	if l != nil {
		attrs = append(attrs,
			slog.String("user_id", l.UserID.String()),
			slog.String("license_type", l.Type.String()),
			slog.String("expiration", l.ExpirationDate.Format(ExpirationLayout)),
		)
	}
	if outcome.Reason != "" {
		attrs = append(attrs, slog.String("reason", outcome.Reason))
	}
	if outcome.Cause != nil {
		attrs = append(attrs, slog.String("error", outcome.Cause.Error()))
	}

	level := slog.LevelWarn
	switch outcome.Kind {
	case KindValid:
		level = slog.LevelInfo
	case KindSignatureInvalid:
		level = slog.LevelError
	}
	v.logger.LogAttrs(ctx, level, "license validation completed", attrs...)
}

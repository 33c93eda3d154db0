package license

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"licverify/internal/trustedtime"
)

var now2024 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestAssertValidOutcomes(t *testing.T) {
	ks := keyStore(t, "primary")
	other := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	valid := signedLicense(t, ks, defaultFixture())

	expiredSpec := defaultFixture()
	expiredSpec.expiration = "2000-01-01T00:00:00.0000000"
	expired := signedLicense(t, ks, expiredSpec)

	trialSpec := defaultFixture()
	trialSpec.typ = "Trial"
	trial := signedLicense(t, ks, trialSpec)

	boundary := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	boundarySpec := defaultFixture()
	boundarySpec.expiration = "2024-06-01T12:00:00.0000000"
	expiresAtBoundary := signedLicense(t, ks, boundarySpec)

	tests := []struct {
		name         string
		document     []byte
		userID       uuid.UUID
		expectedName *string
		now          time.Time
		want         Outcome
	}{
		{
			name:     "valid",
			document: valid,
			userID:   testUserID,
			want:     Outcome{Kind: KindValid},
		},
		{
			name:         "valid with matching name",
			document:     valid,
			userID:       testUserID,
			expectedName: strPtr("Jane Doe"),
			want:         Outcome{Kind: KindValid},
		},
		{
			name:         "name mismatch",
			document:     valid,
			userID:       testUserID,
			expectedName: strPtr("John Doe"),
			want:         Outcome{Kind: KindNameMismatch},
		},
		{
			name:         "name comparison is exact",
			document:     valid,
			userID:       testUserID,
			expectedName: strPtr("jane doe"),
			want:         Outcome{Kind: KindNameMismatch},
		},
		{
			name:     "user mismatch",
			document: valid,
			userID:   other,
			want:     Outcome{Kind: KindUserMismatch},
		},
		{
			name:     "expired",
			document: expired,
			userID:   testUserID,
			want:     Outcome{Kind: KindExpired, ExpiredAt: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)},
		},
		{
			name:     "expiration equal to trusted time is valid",
			document: expiresAtBoundary,
			userID:   testUserID,
			now:      boundary,
			want:     Outcome{Kind: KindValid},
		},
		{
			name:     "expired one nanosecond later",
			document: expiresAtBoundary,
			userID:   testUserID,
			now:      boundary.Add(time.Nanosecond),
			want:     Outcome{Kind: KindExpired, ExpiredAt: boundary},
		},
		{
			name:     "tampered",
			document: bytes.Replace(valid, []byte("Jane Doe"), []byte("Jane Dox"), 1),
			userID:   testUserID,
			want:     Outcome{Kind: KindSignatureInvalid},
		},
		{
			name:     "unsupported type",
			document: trial,
			userID:   testUserID,
			want:     Outcome{Kind: KindTypeUnsupported, Reason: "Trial"},
		},
		{
			name:     "malformed",
			document: []byte("<license/>"),
			userID:   testUserID,
			want:     Outcome{Kind: KindMalformedLicense, Reason: "signature missing"},
		},
		{
			name:     "empty",
			document: nil,
			userID:   testUserID,
			want:     Outcome{Kind: KindMalformedLicense, Reason: "content empty"},
		},
	}

	v := newTestValidator(t, ks)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			validator := v
			if !tt.now.IsZero() {
				validator = newTestValidator(t, ks, WithTimeSource(&fixedTime{now: tt.now}))
			}
			got := validator.AssertValid(context.Background(), tt.document, tt.userID, tt.expectedName)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpiredOutcomeMessage(t *testing.T) {
	ks := keyStore(t, "primary")
	fx := defaultFixture()
	fx.expiration = "2000-01-01T00:00:00.0000000"

	err := newTestValidator(t, ks).Validate(context.Background(), signedLicense(t, ks, fx), testUserID, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExpired)
	assert.Contains(t, err.Error(), "2000-01-01T00:00:00.0000000")

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, KindExpired, ve.Outcome.Kind)
}

func TestValidateReturnsNilWhenValid(t *testing.T) {
	ks := keyStore(t, "primary")
	err := newTestValidator(t, ks).Validate(context.Background(), signedLicense(t, ks, defaultFixture()), testUserID, nil)
	assert.NoError(t, err)
}

func TestCheckOrder(t *testing.T) {
	ks := keyStore(t, "primary")
	attacker := keyStore(t, "other")

	expiredSpec := defaultFixture()
	expiredSpec.expiration = "2000-01-01T00:00:00.0000000"
	forgedExpired := signedLicense(t, attacker, expiredSpec)

	trialSpec := expiredSpec
	trialSpec.typ = "Trial"
	forgedTrial := signedLicense(t, attacker, trialSpec)

	tests := []struct {
		name         string
		document     []byte
		userID       uuid.UUID
		expectedName *string
		want         Kind
		timeQueried  bool
	}{
		{"type before everything", forgedTrial, uuid.New(), strPtr("x"), KindTypeUnsupported, false},
		{"name before user", forgedExpired, uuid.New(), strPtr("x"), KindNameMismatch, false},
		{"user before signature", forgedExpired, uuid.New(), nil, KindUserMismatch, false},
		{"signature before expiry", forgedExpired, testUserID, nil, KindSignatureInvalid, false},
		{"expiry last", signedLicense(t, ks, expiredSpec), testUserID, nil, KindExpired, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &fixedTime{now: now2024}
			v := newTestValidator(t, ks, WithTimeSource(clock))

			got := v.AssertValid(context.Background(), tt.document, tt.userID, tt.expectedName)
			assert.Equal(t, tt.want, got.Kind)
			assert.Equal(t, tt.timeQueried, clock.calls > 0)
		})
	}
}

func TestSupportedTypes(t *testing.T) {
	ks := keyStore(t, "primary")
	fx := defaultFixture()
	fx.typ = "Subscription"
	doc := signedLicense(t, ks, fx)

	v := newTestValidator(t, ks)
	assert.False(t, v.Supports(TypeSubscription))
	assert.Equal(t, KindTypeUnsupported, v.AssertValid(context.Background(), doc, testUserID, nil).Kind)

	v = newTestValidator(t, ks, WithSupportedTypes(TypeNone, TypeSubscription))
	assert.True(t, v.Supports(TypeSubscription))
	assert.Equal(t, KindValid, v.AssertValid(context.Background(), doc, testUserID, nil).Kind)
}

func TestTransform(t *testing.T) {
	ks := keyStore(t, "primary")
	doc := signedLicense(t, ks, defaultFixture())

	t.Run("rewrites claims before checks", func(t *testing.T) {
		v := newTestValidator(t, ks, WithTransform(func(_ context.Context, l *License) (*License, error) {
			return l.WithClaims(l.UserID, "Renamed", l.ExpirationDate, l.Type), nil
		}))
		assert.Equal(t, KindValid, v.AssertValid(context.Background(), doc, testUserID, strPtr("Renamed")).Kind)
		assert.Equal(t, KindNameMismatch, v.AssertValid(context.Background(), doc, testUserID, strPtr("Jane Doe")).Kind)
	})

	t.Run("error is malformed", func(t *testing.T) {
		v := newTestValidator(t, ks, WithTransform(func(context.Context, *License) (*License, error) {
			return nil, errors.New("unsupported issuer")
		}))
		got := v.AssertValid(context.Background(), doc, testUserID, nil)
		assert.Equal(t, KindMalformedLicense, got.Kind)
		assert.Equal(t, "unsupported issuer", got.Reason)
	})

	t.Run("nil license is malformed", func(t *testing.T) {
		v := newTestValidator(t, ks, WithTransform(func(context.Context, *License) (*License, error) {
			return nil, nil
		}))
		assert.Equal(t, KindMalformedLicense, v.AssertValid(context.Background(), doc, testUserID, nil).Kind)
	})
}

func TestSignatureConfigurationErrorIsInvalid(t *testing.T) {
	ks := keyStore(t, "primary")
	boom := errors.New("token removed")
	v := newTestValidator(t, ks, WithKeyProvider(failingKeyProvider{err: boom}))

	got := v.AssertValid(context.Background(), signedLicense(t, ks, defaultFixture()), testUserID, nil)
	assert.Equal(t, KindSignatureInvalid, got.Kind)
	assert.ErrorIs(t, got.Err(), boom)
	assert.ErrorIs(t, got.Err(), ErrSignatureInvalid)
}

func TestNetworkTimePolicy(t *testing.T) {
	ks := keyStore(t, "primary")
	doc := signedLicense(t, ks, defaultFixture())
	offline := trustedtime.DetectorFunc(func() bool { return false })
	localClock := trustedtime.ClockFunc(func() time.Time { return now2024 })

	t.Run("required", func(t *testing.T) {
		source := trustedtime.NewSource(trustedtime.NewClient("", 0),
			trustedtime.WithNetworkDetector(offline),
			trustedtime.WithClock(localClock),
			trustedtime.WithRequireNetwork(true))
		v := newTestValidator(t, ks, WithTimeSource(source))

		got := v.AssertValid(context.Background(), doc, testUserID, nil)
		assert.Equal(t, KindNetworkTimeUnavailable, got.Kind)
		assert.ErrorIs(t, got.Err(), ErrNetworkTimeUnavailable)
		assert.ErrorIs(t, got.Err(), trustedtime.ErrNetworkTimeUnavailable)
	})

	t.Run("local fallback", func(t *testing.T) {
		source := trustedtime.NewSource(trustedtime.NewClient("", 0),
			trustedtime.WithNetworkDetector(offline),
			trustedtime.WithClock(localClock),
			trustedtime.WithRequireNetwork(false))
		v := newTestValidator(t, ks, WithTimeSource(source))

		assert.Equal(t, KindValid, v.AssertValid(context.Background(), doc, testUserID, nil).Kind)
	})
}

type blockingQuerier struct{}

func (blockingQuerier) Query(ctx context.Context) (time.Time, error) {
	<-ctx.Done()
	return time.Time{}, ctx.Err()
}

func TestCancelledValidationIsNeverValid(t *testing.T) {
	ks := keyStore(t, "primary")
	doc := signedLicense(t, ks, defaultFixture())

	source := trustedtime.NewSource(blockingQuerier{},
		trustedtime.WithNetworkDetector(trustedtime.DetectorFunc(func() bool { return true })),
		trustedtime.WithClock(trustedtime.ClockFunc(func() time.Time { return now2024 })),
		trustedtime.WithRequireNetwork(false))
	v := newTestValidator(t, ks, WithTimeSource(source))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	got := v.AssertValid(ctx, doc, testUserID, nil)
	assert.Equal(t, KindNetworkTimeUnavailable, got.Kind)
	assert.ErrorIs(t, got.Err(), context.DeadlineExceeded)
}

func TestValidateMachineUsesFingerprint(t *testing.T) {
	ks := keyStore(t, "primary")
	doc := signedLicense(t, ks, defaultFixture())

	v := newTestValidator(t, ks)
	assert.Equal(t, KindValid, v.ValidateMachine(context.Background(), doc, nil).Kind)
	assert.Equal(t, testUserID, v.Fingerprint(context.Background()).UUID())

	v = newTestValidator(t, ks, WithFingerprinter(staticFingerprint(uuid.New())))
	assert.Equal(t, KindUserMismatch, v.ValidateMachine(context.Background(), doc, nil).Kind)
}

func TestConcurrentValidation(t *testing.T) {
	ks := keyStore(t, "primary")
	doc := signedLicense(t, ks, defaultFixture())
	v := newTestValidator(t, ks)

	var wg sync.WaitGroup
	results := make(chan Kind, 32)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- v.AssertValid(context.Background(), doc, testUserID, nil).Kind
		}()
	}
	wg.Wait()
	close(results)

	for kind := range results {
		assert.Equal(t, KindValid, kind)
	}
}

func TestNewValidatorRejectsBadKey(t *testing.T) {
	_, err := NewValidator(DefaultConfig("not a key"))
	assert.ErrorIs(t, err, ErrInvalidPublicKey)

	ks := keyStore(t, "primary")
	_, err = NewValidator(DefaultConfig(ks.publicPEM(t)))
	assert.ErrorIs(t, err, ErrInvalidPublicKey, "2048-bit key must fail the default 4096-bit check")
}

func TestValidatorConfigDefaults(t *testing.T) {
	ks := keyStore(t, "primary")
	cfg := DefaultConfig(ks.publicPEM(t))
	assert.True(t, cfg.RequireNetworkTimeCheck)
	assert.Equal(t, DefaultKeySize, cfg.KeySize)
	assert.Equal(t, trustedtime.DefaultServer, cfg.NTPServer)
	assert.Equal(t, 3*time.Second, cfg.ReceiveTimeout)

	cfg.KeySize = testKeyBits
	cfg.SupportedTypes = nil
	v, err := NewValidator(cfg)
	require.NoError(t, err)
	assert.Equal(t, []Type{TypeNone}, v.Config().SupportedTypes)
}

func TestValidationMetrics(t *testing.T) {
	ks := keyStore(t, "primary")
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	metrics, err := NewMetrics(provider.Meter(MeterName))
	require.NoError(t, err)

	v := newTestValidator(t, ks, WithMetrics(metrics))
	doc := signedLicense(t, ks, defaultFixture())
	v.AssertValid(context.Background(), doc, testUserID, nil)
	v.AssertValid(context.Background(), doc, uuid.New(), nil)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	outcomes := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "license_validation_outcomes_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				kind, _ := dp.Attributes.Value("outcome")
				outcomes[kind.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{"valid": 1, "user_mismatch": 1}, outcomes)
}

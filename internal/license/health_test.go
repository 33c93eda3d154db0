package license

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCheck(t *testing.T) {
	ks := keyStore(t, "primary")
	valid := signedLicense(t, ks, defaultFixture())

	tests := []struct {
		name     string
		opts     []Option
		document DocumentSource
		want     HealthStatus
		check    func(t *testing.T, r *HealthCheckResult)
	}{
		{
			name: "everything healthy",
			document: func(context.Context) ([]byte, error) {
				return valid, nil
			},
			want: HealthStatusHealthy,
			check: func(t *testing.T, r *HealthCheckResult) {
				assert.Len(t, r.Components, 4)
				assert.Equal(t, "valid", r.Components["license"].Metadata["outcome"])
				assert.Equal(t, testKeyBits, r.Components["public_key"].Metadata["key_bits"])
			},
		},
		{
			name: "no license configured",
			want: HealthStatusHealthy,
			check: func(t *testing.T, r *HealthCheckResult) {
				assert.NotContains(t, r.Components, "license")
			},
		},
		{
			name: "time unavailable degrades",
			opts: []Option{WithTimeSource(&fixedTime{err: errors.New("offline")})},
			want: HealthStatusDegraded,
			check: func(t *testing.T, r *HealthCheckResult) {
				assert.Equal(t, HealthStatusDegraded, r.Components["trusted_time"].Status)
			},
		},
		{
			name: "key unavailable",
			opts: []Option{WithKeyProvider(failingKeyProvider{err: errors.New("no token")})},
			want: HealthStatusUnhealthy,
		},
		{
			name: "document unreadable",
			document: func(context.Context) ([]byte, error) {
				return nil, errors.New("permission denied")
			},
			want: HealthStatusUnhealthy,
		},
		{
			name: "license for another machine",
			opts: []Option{WithFingerprinter(staticFingerprint{})},
			document: func(context.Context) ([]byte, error) {
				return valid, nil
			},
			want: HealthStatusUnhealthy,
			check: func(t *testing.T, r *HealthCheckResult) {
				assert.Equal(t, "user_mismatch", r.Components["license"].Metadata["outcome"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestValidator(t, ks, tt.opts...)
			cfg := DefaultHealthCheckConfig()
			cfg.CheckTimeout = 5 * time.Second

			result := NewHealthCheck(v, tt.document, cfg).Perform(context.Background())
			require.NotNil(t, result)
			assert.Equal(t, tt.want, result.OverallStatus)
			assert.NotEmpty(t, result.Message)
			if tt.check != nil {
				tt.check(t, result)
			}
		})
	}
}

func TestHealthCheckReusesTimeReading(t *testing.T) {
	ks := keyStore(t, "primary")
	clock := &fixedTime{now: now2024}
	v := newTestValidator(t, ks, WithTimeSource(clock))

	cfg := DefaultHealthCheckConfig()
	cfg.TimeReadingTTL = time.Minute
	hc := NewHealthCheck(v, nil, cfg)

	first := hc.Perform(context.Background())
	assert.Equal(t, false, first.Components["trusted_time"].Metadata["cached"])

	second := hc.Perform(context.Background())
	assert.Equal(t, true, second.Components["trusted_time"].Metadata["cached"])
	assert.Equal(t, 1, clock.callCount())

	hc.since = func(time.Time) time.Duration { return time.Minute }
	third := hc.Perform(context.Background())
	assert.Equal(t, false, third.Components["trusted_time"].Metadata["cached"])
	assert.Equal(t, 2, clock.callCount())
}

func TestHealthCheckDoesNotCacheTimeFailures(t *testing.T) {
	ks := keyStore(t, "primary")
	clock := &fixedTime{err: errors.New("offline")}
	v := newTestValidator(t, ks, WithTimeSource(clock))
	hc := NewHealthCheck(v, nil, DefaultHealthCheckConfig())

	hc.Perform(context.Background())
	result := hc.Perform(context.Background())

	assert.Equal(t, HealthStatusDegraded, result.Components["trusted_time"].Status)
	assert.Equal(t, 2, clock.callCount())
}

func TestHealthCheckLicenseOutcome(t *testing.T) {
	ks := keyStore(t, "primary")
	valid := signedLicense(t, ks, defaultFixture())
	document := func(context.Context) ([]byte, error) { return valid, nil }

	t.Run("expected name is checked", func(t *testing.T) {
		cfg := DefaultHealthCheckConfig()
		cfg.ExpectedName = strPtr("John Doe")
		result := NewHealthCheck(newTestValidator(t, ks), document, cfg).Perform(context.Background())

		assert.Equal(t, HealthStatusUnhealthy, result.OverallStatus)
		assert.Equal(t, "name_mismatch", result.Components["license"].Metadata["outcome"])
	})

	t.Run("outcome source replaces validation", func(t *testing.T) {
		clock := &fixedTime{now: now2024}
		hc := NewHealthCheck(newTestValidator(t, ks, WithTimeSource(clock)), nil, DefaultHealthCheckConfig())
		hc.SetOutcomeSource(func(context.Context) (Outcome, error) {
			return Outcome{Kind: KindExpired, ExpiredAt: now2024}, nil
		})

		result := hc.Perform(context.Background())

		assert.Equal(t, HealthStatusUnhealthy, result.OverallStatus)
		assert.Equal(t, "expired", result.Components["license"].Metadata["outcome"])
		assert.Equal(t, 1, clock.callCount(), "only the trusted time check reads the clock")
	})

	t.Run("outcome source error", func(t *testing.T) {
		hc := NewHealthCheck(newTestValidator(t, ks), nil, DefaultHealthCheckConfig())
		hc.SetOutcomeSource(func(context.Context) (Outcome, error) {
			return Outcome{}, errors.New("permission denied")
		})

		result := hc.Perform(context.Background())

		assert.Equal(t, HealthStatusUnhealthy, result.Components["license"].Status)
		assert.Equal(t, "permission denied", result.Components["license"].Error)
	})
}

package infrastructure

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"licverify/internal/config"
)

func TestOTelConfigFrom(t *testing.T) {
	cfg := OTelConfigFrom(config.MetricsConfig{Enabled: true, Path: "/metrics", Tracing: false})

	assert.Equal(t, ServiceName, cfg.ServiceName)
	assert.Equal(t, config.AppVersion, cfg.ServiceVersion)
	assert.True(t, cfg.EnableMetrics)
	assert.False(t, cfg.EnableTracing)
}

func TestInitializeOTel_Prometheus(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var traces bytes.Buffer

	providers, err := InitializeOTel(&OTelConfig{
		ServiceName:    ServiceName,
		ServiceVersion: "test",
		Environment:    "test",
		EnableMetrics:  true,
		EnableTracing:  true,
		SampleRatio:    1,
		TraceWriter:    &traces,
	}, logger)
	require.NoError(t, err)

	require.NotNil(t, providers.MeterProvider)
	require.NotNil(t, providers.TracerProvider)
	require.NotNil(t, providers.PrometheusHTTP)

	counter, err := providers.Meter.Int64Counter("licverify_test_events")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	_, span := providers.Tracer.Start(context.Background(), "validate")
	span.End()

	w := httptest.NewRecorder()
	providers.PrometheusHTTP.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "licverify_test_events")
	assert.Contains(t, w.Body.String(), "go_goroutines")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, providers.Shutdown(ctx))
	assert.Contains(t, traces.String(), "validate", "span flushed on shutdown")
}

func TestInitializeOTel_Disabled(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	providers, err := InitializeOTel(&OTelConfig{ServiceName: ServiceName}, logger)
	require.NoError(t, err)

	assert.Nil(t, providers.MeterProvider)
	assert.Nil(t, providers.TracerProvider)
	assert.Nil(t, providers.PrometheusHTTP)
	assert.NotNil(t, providers.Meter, "global meter is still usable")
	assert.NoError(t, providers.Shutdown(context.Background()))
}

func TestNewHTTPMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")

	m, err := NewHTTPMetrics(meter)
	require.NoError(t, err)

	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("route", "/api/license/validate"))
	m.RequestsTotal.Add(ctx, 2, attrs)
	m.RequestDuration.Record(ctx, 0.01, attrs)
	m.ActiveRequests.Add(ctx, 1)
	m.RateLimited.Add(ctx, 1)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	names := make([]string, 0, 4)
	for _, md := range rm.ScopeMetrics[0].Metrics {
		names = append(names, md.Name)
	}
	assert.ElementsMatch(t, []string{
		"http_requests_total",
		"http_request_duration_seconds",
		"http_active_requests",
		"http_rate_limited_total",
	}, names)
}

func TestTraceIDFromContext_NoSpan(t *testing.T) {
	assert.Empty(t, TraceIDFromContext(context.Background()))
}

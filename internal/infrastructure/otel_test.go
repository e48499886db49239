package infrastructure

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"keygate/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOTelInitialization(t *testing.T) {
	providers, err := InitializeOTel(nil, discardLogger())
	require.NoError(t, err)
	require.NotNil(t, providers)

	assert.Nil(t, providers.TracerProvider)
	assert.NotNil(t, providers.Tracer)
	assert.NotNil(t, providers.MeterProvider)
	assert.NotNil(t, providers.Meter)
	assert.NotNil(t, providers.PrometheusHTTP)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, providers.Shutdown(ctx))
}

func TestOTelRepeatedInitialization(t *testing.T) {
	for i := 0; i < 2; i++ {
		providers, err := InitializeOTel(DefaultOTelConfig(), discardLogger())
		require.NoError(t, err)
		require.NoError(t, providers.Shutdown(context.Background()))
	}
}

func TestOTelUnsupportedExporters(t *testing.T) {
	cfg := DefaultOTelConfig()
	cfg.TraceExporter = "jaeger"
	_, err := InitializeOTel(cfg, discardLogger())
	assert.ErrorContains(t, err, "unsupported trace exporter")

	cfg = DefaultOTelConfig()
	cfg.MetricExporter = "statsd"
	_, err = InitializeOTel(cfg, discardLogger())
	assert.ErrorContains(t, err, "unsupported metric exporter")
}

func TestTraceCorrelation(t *testing.T) {
	cfg := OTelConfigFrom(config.TelemetryConfig{
		ServiceName:    "keygate-test",
		Environment:    "test",
		TraceExporter:  "stdout",
		MetricExporter: "none",
		SampleRatio:    1,
	})
	providers, err := InitializeOTel(cfg, discardLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	assert.NotNil(t, providers.TracerProvider)
	assert.Nil(t, providers.PrometheusHTTP)

	ctx, span := otel.Tracer("test").Start(context.Background(), "test-operation")
	defer span.End()

	assert.Len(t, TraceIDFromContext(ctx), 32)
	assert.Empty(t, TraceIDFromContext(context.Background()))
	RecordError(ctx, assert.AnError)
}

func TestBusinessMetricsExposedOnPrometheus(t *testing.T) {
	providers, err := InitializeOTel(DefaultOTelConfig(), discardLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	metrics, err := CreateBusinessMetrics(providers.Meter)
	require.NoError(t, err)

	ctx := context.Background()
	RecordIssue(ctx, metrics, "lootlabs", "new", 3*time.Millisecond)
	RecordVerify(ctx, metrics, "blocked", time.Millisecond)
	RecordSessionLookup(ctx, metrics, true)
	RecordSweep(ctx, metrics, map[string]int{"bindings": 2, "keys": 0}, true)

	rec := httptest.NewRecorder()
	providers.PrometheusHTTP.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "keygate_keys_issued_total")
	assert.Contains(t, body, `service="lootlabs"`)
	assert.Contains(t, body, "keygate_attempts_blocked_total")
	assert.Contains(t, body, `kind="bindings"`)
	assert.NotContains(t, body, `kind="keys"`)
}

func TestRecordHelpersAreNilSafe(t *testing.T) {
	ctx := context.Background()
	assert.NotPanics(t, func() {
		RecordIssue(ctx, nil, "direct", "error", 0)
		RecordVerify(ctx, nil, "invalid_format", 0)
		RecordSessionLookup(ctx, nil, false)
		RecordSweep(ctx, nil, nil, false)
	})
}

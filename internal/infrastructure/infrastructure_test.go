package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"entitlecli/internal/config"
)

func TestTraceHandlerInjectsTraceID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "debug")

	ctx := WithTraceID(context.Background(), "trace-123")
	logger.InfoContext(ctx, "heartbeat tick", "kind", "usage")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "trace-123", entry["trace_id"])
	assert.Equal(t, "usage", entry["kind"])
}

func TestTraceHandlerInjectsSpanTraceID(t *testing.T) {
	var buf bytes.Buffer
	logger := WithComponent(NewLogger(&buf, "info"), "policy_resolver")

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	ctx, span := tp.Tracer("test").Start(context.Background(), "license.resolve")
	defer span.End()

	logger.InfoContext(ctx, "Policy fetched online")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, span.SpanContext().TraceID().String(), entry["otel_trace_id"])
	assert.Equal(t, "policy_resolver", entry["component"])
	assert.NotContains(t, entry, "trace_id")
	assert.Empty(t, TraceIDFromContext(context.Background()))
}

func TestEnsureTraceID(t *testing.T) {
	ctx := EnsureTraceID(context.Background())
	id := GetTraceID(ctx)
	assert.Len(t, id, 36)

	assert.Equal(t, id, GetTraceID(EnsureTraceID(ctx)), "existing id is kept")
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLogLevel("debug").String())
	assert.Equal(t, "WARN", parseLogLevel("warning").String())
	assert.Equal(t, "ERROR", parseLogLevel("ERROR").String())
	assert.Equal(t, "INFO", parseLogLevel("verbose").String())
}

func TestInitializeLoggerWritesFile(t *testing.T) {
	ResetLoggerForTesting()
	t.Cleanup(ResetLoggerForTesting)

	path := filepath.Join(t.TempDir(), "logs", "agent.log")
	logger, err := InitializeLogger(config.LoggingConfig{Level: "info", Output: "file", FilePath: path})
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger.Info("started")
	assert.FileExists(t, path)
	assert.Same(t, logger, GetLogger())
}

func TestInitializeOTelPrometheus(t *testing.T) {
	cfg := DefaultOTelConfig()
	cfg.MetricExporter = "prometheus"

	providers, err := InitializeOTel(cfg, NewLogger(&bytes.Buffer{}, "error"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = providers.Shutdown(context.Background()) })

	counter, err := providers.Meter.Int64Counter("test_ticks_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	providers.PrometheusHTTP.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_ticks_total")

	// A second initialisation must not collide on registration.
	again, err := InitializeOTel(cfg, NewLogger(&bytes.Buffer{}, "error"))
	require.NoError(t, err)
	_ = again.Shutdown(context.Background())
}

func TestInitializeOTelRejectsUnknownExporter(t *testing.T) {
	cfg := DefaultOTelConfig()
	cfg.TraceExporter = "zipkin"

	_, err := InitializeOTel(cfg, NewLogger(&bytes.Buffer{}, "error"))
	assert.Error(t, err)
}

func TestOTelConfigFrom(t *testing.T) {
	cfg := OTelConfigFrom(config.TelemetryConfig{ServiceName: "studio-agent", MetricExporter: "none"})
	assert.Equal(t, "studio-agent", cfg.ServiceName)
	assert.Equal(t, "none", cfg.MetricExporter)
	assert.Equal(t, "none", cfg.TraceExporter)
}

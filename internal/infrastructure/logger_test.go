package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"licverify/internal/config"
)

func decodeLines(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(data), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal(line, &m))
		out = append(out, m)
	}
	return out
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLogLevel(tt.in))
		})
	}
}

func TestNewLogger_InjectsTraceID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "info")

	ctx := WithTraceID(context.Background(), "trace-123")
	logger.InfoContext(ctx, "license validated", slog.String("outcome", "valid"))
	logger.DebugContext(ctx, "filtered out")
	logger.Info("no trace")

	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 2)
	assert.Equal(t, "license validated", lines[0]["msg"])
	assert.Equal(t, "trace-123", lines[0]["trace_id"])
	assert.Equal(t, "valid", lines[0]["outcome"])
	assert.NotContains(t, lines[1], "trace_id")
}

func TestTraceHandler_KeepsBoundAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := WithComponent(NewLogger(&buf, "debug"), "validator").WithGroup("ntp")

	logger.InfoContext(WithTraceID(context.Background(), "t1"), "queried", slog.String("server", "pool.ntp.org"))

	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 1)
	assert.Equal(t, "validator", lines[0]["component"])
	assert.Equal(t, map[string]any{"server": "pool.ntp.org", "trace_id": "t1"}, lines[0]["ntp"])
}

func TestCreateLogger_Outputs(t *testing.T) {
	tests := []struct {
		name       string
		output     string
		wantStdout bool
		wantFile   bool
	}{
		{name: "console", output: "console", wantStdout: true},
		{name: "file", output: "file", wantFile: true},
		{name: "both", output: "both", wantStdout: true, wantFile: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Cleanup(func() { CloseLogFile() })
			path := filepath.Join(t.TempDir(), "logs", "licverify.log")
			var stdout bytes.Buffer

			logger, err := createLogger(config.LoggingConfig{Level: "info", Output: tt.output, FilePath: path}, &stdout)
			require.NoError(t, err)
			logger.Info("hello")

			assert.Equal(t, tt.wantStdout, stdout.Len() > 0)
			data, _ := os.ReadFile(path)
			assert.Equal(t, tt.wantFile, bytes.Contains(data, []byte("hello")))
		})
	}
}

func TestCreateLogger_BadFile(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	_, err := createLogger(config.LoggingConfig{Output: "file", FilePath: filepath.Join(blocker, "app.log")}, &bytes.Buffer{})
	assert.Error(t, err)
}

func resetLogger() {
	CloseLogFile()
	globalLogger = nil
	globalLoggerOnce = sync.Once{}
}

func TestInitializeLogger_Once(t *testing.T) {
	resetLogger()
	t.Cleanup(resetLogger)
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	first, err := InitializeLogger(config.LoggingConfig{Level: "info", Output: "console"})
	require.NoError(t, err)
	second, err := InitializeLogger(config.LoggingConfig{Level: "debug", Output: "console"})
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Same(t, first, slog.Default())
}

func TestGetTraceID(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { tp.Shutdown(context.Background()) })

	spanCtx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	assert.Empty(t, GetTraceID(context.Background()))
	assert.Equal(t, span.SpanContext().TraceID().String(), GetTraceID(spanCtx), "falls back to span")
	assert.Equal(t, "explicit", GetTraceID(WithTraceID(spanCtx, "explicit")), "explicit wins")
}

func TestEnsureTraceID(t *testing.T) {
	ctx := EnsureTraceID(context.Background())
	id := GetTraceID(ctx)
	assert.Len(t, id, 36)

	assert.Equal(t, id, GetTraceID(EnsureTraceID(ctx)), "existing id kept")
}

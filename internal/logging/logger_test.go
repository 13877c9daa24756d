package logging

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_FileOutput(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "gateway.log")

	logger, err := NewLogger("debug", "json", logFile)
	require.NoError(t, err)
	logger.Info("hello", zap.String("route", "upload"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"route":"upload"`)
	assert.Contains(t, string(data), `"level":"info"`)
}

func TestNewLogger_FileError(t *testing.T) {
	logger, err := NewLogger("info", "json", "/non/existent/directory/test.log")
	assert.Error(t, err)
	assert.Nil(t, logger)
}

func TestNewLoggerWithSink_ConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithSink("info", "CONSOLE", zapcore.AddSync(&buf))
	logger.Info("console message", zap.String("key", "value"))

	out := buf.String()
	assert.Contains(t, out, "console message")
	assert.NotContains(t, out, `"msg"`)
}

func TestNewLoggerWithSink_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithSink("warn", "json", zapcore.AddSync(&buf))
	logger.Info("dropped")
	logger.Warn("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"DEBUG", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestContextIdentifiers(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetRequestID(ctx))
	assert.Empty(t, GetCorrelationID(ctx))
	assert.Empty(t, GetUserID(ctx))

	ctx = WithRequestID(ctx, "req-1")
	ctx = WithCorrelationID(ctx, "corr-1")
	ctx = WithUserID(ctx, "alice")

	assert.Equal(t, "req-1", GetRequestID(ctx))
	assert.Equal(t, "corr-1", GetCorrelationID(ctx))
	assert.Equal(t, "alice", GetUserID(ctx))
}

func TestWithRequestContext(t *testing.T) {
	var buf bytes.Buffer
	base := NewLoggerWithSink("debug", "json", zapcore.AddSync(&buf))

	ctx := WithUserID(WithRequestID(context.Background(), "req-42"), "bob")
	WithRequestContext(ctx, base).Info("annotated")

	assert.Contains(t, buf.String(), `"request_id":"req-42"`)
	assert.Contains(t, buf.String(), `"user_id":"bob"`)

	assert.NotNil(t, WithRequestContext(ctx, nil))
	assert.Same(t, base, WithRequestContext(context.Background(), base))
}

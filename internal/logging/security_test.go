package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestSeverityLevel(t *testing.T) {
	assert.Equal(t, zapcore.ErrorLevel, SeverityLevel("critical"))
	assert.Equal(t, zapcore.WarnLevel, SeverityLevel("high"))
	assert.Equal(t, zapcore.WarnLevel, SeverityLevel("MEDIUM"))
	assert.Equal(t, zapcore.InfoLevel, SeverityLevel("low"))
	assert.Equal(t, zapcore.InfoLevel, SeverityLevel(""))
}

func TestSecurityLogger_LogEvent(t *testing.T) {
	var buf bytes.Buffer
	sl := NewSecurityLogger(NewLoggerWithSink("debug", "json", zapcore.AddSync(&buf)))

	ctx := WithRequestID(context.Background(), "req-7")
	sl.LogEvent(ctx, "csrf_failure", "high", zap.String("reason", "mismatch"))

	out := buf.String()
	assert.Contains(t, out, `"log_type":"security"`)
	assert.Contains(t, out, `"event_type":"csrf_failure"`)
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"request_id":"req-7"`)
	assert.Contains(t, out, `"reason":"mismatch"`)
}

func TestSecurityLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	sl := NewSecurityLogger(NewLoggerWithSink("warn", "json", zapcore.AddSync(&buf)))

	sl.LogEvent(context.Background(), "token_rotation", "low")
	assert.Empty(t, buf.String())

	sl.LogAlert("suspicious_activity", "critical", 3)
	assert.Contains(t, buf.String(), `"alert_type":"suspicious_activity"`)
	assert.Contains(t, buf.String(), `"level":"error"`)
}

func TestSecurityLogger_LogBlock(t *testing.T) {
	var buf bytes.Buffer
	sl := NewSecurityLogger(NewLoggerWithSink("info", "json", zapcore.AddSync(&buf)))

	sl.LogBlock("203.0.113.9", true, zap.String("reason", "auto"))
	sl.LogBlock("203.0.113.9", false)

	assert.Contains(t, buf.String(), "ip blocked")
	assert.Contains(t, buf.String(), "ip unblocked")
	assert.Contains(t, buf.String(), `"client_ip":"203.0.113.9"`)
}

func TestSecurityLogger_NilLogger(t *testing.T) {
	sl := NewSecurityLogger(nil)
	assert.NotPanics(t, func() {
		sl.LogEvent(context.Background(), "rate_limit", "medium")
		sl.LogAlert("rate_limit", "medium", 20)
		sl.LogBlock("1.2.3.4", true)
	})
}

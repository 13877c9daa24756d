package logging

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SecurityLogger writes security-relevant records as structured log lines
// tagged log_type=security, so they can be filtered out of the request log.
type SecurityLogger struct {
	logger *zap.Logger
}

// NewSecurityLogger wraps logger. A nil logger yields a no-op SecurityLogger.
func NewSecurityLogger(logger *zap.Logger) *SecurityLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SecurityLogger{logger: logger.With(zap.String("log_type", "security"))}
}

// SeverityLevel maps an event severity name to the level it is logged at.
func SeverityLevel(severity string) zapcore.Level {
	switch strings.ToLower(severity) {
	case "critical":
		return zapcore.ErrorLevel
	case "high", "medium":
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

// LogEvent records a single security event.
func (s *SecurityLogger) LogEvent(ctx context.Context, eventType, severity string, fields ...zap.Field) {
	all := append([]zap.Field{
		zap.String(FieldEventType, eventType),
		zap.String(FieldSeverity, severity),
	}, fields...)
	logger := WithRequestContext(ctx, s.logger)
	if ce := logger.Check(SeverityLevel(severity), "security event"); ce != nil {
		ce.Write(all...)
	}
}

// LogAlert records a threshold alert.
func (s *SecurityLogger) LogAlert(alertType, severity string, count int, fields ...zap.Field) {
	all := append([]zap.Field{
		zap.String("alert_type", alertType),
		zap.String(FieldSeverity, severity),
		zap.Int("count", count),
	}, fields...)
	if ce := s.logger.Check(SeverityLevel(severity), "security alert"); ce != nil {
		ce.Write(all...)
	}
}

// LogBlock records an IP being blocked or unblocked.
func (s *SecurityLogger) LogBlock(ip string, blocked bool, fields ...zap.Field) {
	msg := "ip unblocked"
	if blocked {
		msg = "ip blocked"
	}
	s.logger.Warn(msg, append([]zap.Field{zap.String(FieldClientIP, ip)}, fields...)...)
}

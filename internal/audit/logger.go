package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sofatutor/deckguard/internal/logging"
	"github.com/sofatutor/deckguard/internal/monitor"
)

// Logger appends audit events to a JSON-lines file. It is safe for
// concurrent use and doubles as a monitor.Sink.
type Logger struct {
	writer io.Writer
	closer io.Closer
	mutex  sync.Mutex
	path   string
	closed bool
}

var _ monitor.Sink = (*Logger)(nil)

// LoggerConfig holds configuration for the audit logger
type LoggerConfig struct {
	// FilePath is the path to the audit log file
	FilePath string
	// CreateDir determines whether to create parent directories if they don't exist
	CreateDir bool
	// MaxSize rotates the file once it would grow past this many bytes.
	MaxSize int64
	// MaxBackups is the number of rotated files kept.
	MaxBackups int
}

// NewLogger creates an audit logger writing to config.FilePath.
func NewLogger(config LoggerConfig) (*Logger, error) {
	if config.FilePath == "" {
		return nil, fmt.Errorf("audit log file path cannot be empty")
	}

	if config.CreateDir {
		dir := filepath.Dir(config.FilePath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
	}

	w, err := logging.NewRotateWriter(config.FilePath, config.MaxSize, config.MaxBackups)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &Logger{
		writer: w,
		closer: w,
		path:   config.FilePath,
	}, nil
}

// NewNullLogger creates a logger that discards all events.
func NewNullLogger() *Logger {
	return &Logger{writer: io.Discard}
}

// Log writes one event as a JSON line and syncs it to disk.
func (l *Logger) Log(event *Event) error {
	if event == nil {
		return fmt.Errorf("audit event cannot be nil")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	data = append(data, '\n')

	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closed {
		return fmt.Errorf("audit logger is closed")
	}
	if _, err := l.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	if syncer, ok := l.writer.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			return fmt.Errorf("failed to sync audit log: %w", err)
		}
	}
	return nil
}

// Store records a security event.
func (l *Logger) Store(_ context.Context, e monitor.Event) error {
	return l.Log(FromSecurityEvent(e))
}

// Close closes the audit log file. Later writes fail.
func (l *Logger) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// GetPath returns the file path of the audit log
func (l *Logger) GetPath() string {
	return l.path
}

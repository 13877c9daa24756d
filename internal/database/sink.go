package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sofatutor/deckguard/internal/monitor"
)

// ErrSinkUnavailable is returned when the security_events table is missing.
var ErrSinkUnavailable = errors.New("security event store unavailable")

// EventSink mirrors monitor events into the security_events table. When the
// table is missing the sink disables itself, logs once and then drops events.
type EventSink struct {
	db       *DB
	logger   *zap.Logger
	disabled atomic.Bool
}

var (
	_ monitor.Sink   = (*EventSink)(nil)
	_ monitor.Purger = (*EventSink)(nil)
)

// NewEventSink wraps db as a monitor sink.
func NewEventSink(db *DB, logger *zap.Logger) *EventSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventSink{db: db, logger: logger}
}

// Enabled reports whether the sink still writes.
func (s *EventSink) Enabled() bool {
	return !s.disabled.Load()
}

// Store writes e, or does nothing once the sink is disabled.
func (s *EventSink) Store(ctx context.Context, e monitor.Event) error {
	if s.disabled.Load() {
		return nil
	}
	err := s.db.StoreSecurityEvent(ctx, e)
	if err != nil && isMissingTable(err) {
		s.disable(err)
		return fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}
	return err
}

// Purge deletes stored events older than before.
func (s *EventSink) Purge(ctx context.Context, before time.Time) (int64, error) {
	if s.disabled.Load() {
		return 0, nil
	}
	n, err := s.db.PurgeSecurityEventsBefore(ctx, before)
	if err != nil && isMissingTable(err) {
		s.disable(err)
		return 0, fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}
	return n, err
}

func (s *EventSink) disable(err error) {
	if s.disabled.CompareAndSwap(false, true) {
		s.logger.Error("security_events table missing, durable event storage disabled; run `deckguard migrate up`",
			zap.String("driver", string(s.db.Driver())),
			zap.Error(err))
	}
}

// isMissingTable matches the missing-relation errors of SQLite, PostgreSQL
// and MySQL.
func isMissingTable(err error) bool {
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "security_events") {
		return false
	}
	return strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "doesn't exist")
}

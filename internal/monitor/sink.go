package monitor

import (
	"context"
	"errors"
	"time"
)

// Sink persists events durably. Implementations may be slow; they are only
// ever called from the monitor's background dispatcher.
type Sink interface {
	Store(ctx context.Context, e Event) error
}

// Purger is implemented by sinks that can drop events older than a cutoff.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Notifier receives every alert the monitor raises.
type Notifier interface {
	NotifyAlert(ctx context.Context, a Alert) error
}

// Metrics receives counters from the monitor.
type Metrics interface {
	ObserveEvent(e Event)
	ObserveAlert(a Alert)
	SetBlockedIPs(n int)
}

// MultiSink fans an event out to several sinks.
type MultiSink []Sink

// Store writes to every sink and joins their errors.
func (m MultiSink) Store(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Store(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Purge purges every sink that supports it and sums the removed rows.
func (m MultiSink) Purge(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	var errs []error
	for _, s := range m {
		p, ok := s.(Purger)
		if !ok {
			continue
		}
		n, err := p.Purge(ctx, before)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

// Store calls f.
func (f SinkFunc) Store(ctx context.Context, e Event) error {
	return f(ctx, e)
}

type nopMetrics struct{}

func (nopMetrics) ObserveEvent(Event) {}
func (nopMetrics) ObserveAlert(Alert) {}
func (nopMetrics) SetBlockedIPs(int)  {}

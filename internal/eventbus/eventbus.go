// Package eventbus fans security alerts out to subscribers, either in
// process or across instances through Redis Streams.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sofatutor/deckguard/internal/monitor"
)

// EventBus publishes alerts to subscribers.
type EventBus interface {
	Publish(ctx context.Context, a monitor.Alert)
	Subscribe() <-chan monitor.Alert
	Stop()
}

// Notifier adapts bus to monitor.Notifier.
func Notifier(bus EventBus) monitor.Notifier {
	return busNotifier{bus: bus}
}

type busNotifier struct {
	bus EventBus
}

func (n busNotifier) NotifyAlert(ctx context.Context, a monitor.Alert) error {
	n.bus.Publish(ctx, a)
	return nil
}

type busStats struct {
	published atomic.Int64
	dropped   atomic.Int64
}

// InMemoryEventBus delivers every alert to every subscriber through buffered
// channels. Slow subscribers lose alerts instead of blocking publishers.
type InMemoryEventBus struct {
	bufferSize int
	mu         sync.RWMutex
	subs       []chan monitor.Alert
	stopped    bool
	stats      busStats
}

// NewInMemoryEventBus creates a bus whose subscriber channels hold bufferSize
// alerts.
func NewInMemoryEventBus(bufferSize int) *InMemoryEventBus {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &InMemoryEventBus{bufferSize: bufferSize}
}

// Publish sends a to every subscriber without blocking.
func (b *InMemoryEventBus) Publish(_ context.Context, a monitor.Alert) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		b.stats.dropped.Add(1)
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- a:
			b.stats.published.Add(1)
		default:
			b.stats.dropped.Add(1)
		}
	}
}

// Subscribe registers a new subscriber. The channel is closed by Stop.
func (b *InMemoryEventBus) Subscribe() <-chan monitor.Alert {
	ch := make(chan monitor.Alert, b.bufferSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Stop closes every subscriber channel. It is safe to call more than once.
func (b *InMemoryEventBus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

// Stats returns delivered and dropped deliveries.
func (b *InMemoryEventBus) Stats() (published, dropped int) {
	return int(b.stats.published.Load()), int(b.stats.dropped.Load())
}

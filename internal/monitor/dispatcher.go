package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// dispatcher delivers events to a Sink from a single background worker.
// Enqueue never blocks; events are dropped when the queue is full.
type dispatcher struct {
	sink    Sink
	queue   chan Event
	timeout time.Duration
	logger  *zap.Logger

	dropped atomic.Int64
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func newDispatcher(sink Sink, queueSize int, timeout time.Duration, logger *zap.Logger) *dispatcher {
	if queueSize <= 0 {
		queueSize = 1000
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := &dispatcher{
		sink:    sink,
		queue:   make(chan Event, queueSize),
		timeout: timeout,
		logger:  logger,
		stop:    make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *dispatcher) enqueue(e Event) {
	select {
	case d.queue <- e:
	default:
		n := d.dropped.Add(1)
		d.logger.Warn("security event sink queue full, dropping event",
			zap.String("event_id", e.ID),
			zap.String("event_type", string(e.Type)),
			zap.Int64("dropped_total", n))
	}
}

// close stops the worker after draining queued events.
func (d *dispatcher) close() {
	d.once.Do(func() {
		close(d.stop)
		d.wg.Wait()
	})
}

func (d *dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case e := <-d.queue:
			d.deliver(e)
		case <-d.stop:
			for {
				select {
				case e := <-d.queue:
					d.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (d *dispatcher) deliver(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.sink.Store(ctx, e); err != nil {
		d.logger.Warn("failed to persist security event",
			zap.String("event_id", e.ID),
			zap.String("event_type", string(e.Type)),
			zap.Error(err))
	}
}

package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/hackgods/donation-scheduling/internal/appointment"
)

const DefaultQueueSize = 256

// Sink delivers one event to the outside world.
type Sink interface {
	Deliver(ctx context.Context, ev appointment.Event) error
}

// Dispatcher hands events to a Sink from a single background goroutine. Notify never blocks:
// when the buffer is full the event is dropped and counted.
type Dispatcher struct {
	sink    Sink
	log     *zap.Logger
	queue   chan appointment.Event
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewDispatcher(sink Sink, size int, logger *zap.Logger) *Dispatcher {
	if size <= 0 {
		size = DefaultQueueSize
	}
	d := &Dispatcher{
		sink:  sink,
		log:   logger.Named("notify"),
		queue: make(chan appointment.Event, size),
		done:  make(chan struct{}),
	}

	go d.worker()
	return d
}

func (d *Dispatcher) worker() {
	defer close(d.done)

	for ev := range d.queue {
		if err := d.sink.Deliver(context.Background(), ev); err != nil {
			d.log.Warn("event delivery failed",
				zap.String("event", ev.Type),
				zap.Stringer("request_id", ev.RequestID),
				zap.Error(err))
		}
	}
}

// Notify queues ev for delivery. Events arriving after Close are dropped.
func (d *Dispatcher) Notify(_ context.Context, ev appointment.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.dropped.Add(1)
		d.log.Warn("notify queue closed, dropping event",
			zap.String("event", ev.Type),
			zap.Stringer("request_id", ev.RequestID))
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.dropped.Add(1)
		d.log.Warn("notify queue full, dropping event",
			zap.String("event", ev.Type),
			zap.Stringer("request_id", ev.RequestID))
	}
}

// Dropped reports how many events were discarded because the queue was full or closed.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops accepting events and waits for the queue to drain or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSink writes events to the logger. Used when no task queue is configured.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{log: logger.Named("events")}
}

func (s *LogSink) Deliver(_ context.Context, ev appointment.Event) error {
	s.log.Info("appointment event",
		zap.String("event", ev.Type),
		zap.Stringer("request_id", ev.RequestID),
		zap.Stringer("donor_id", ev.DonorID),
		zap.String("status", string(ev.Status)),
		zap.Int("priority", ev.Priority))
	return nil
}

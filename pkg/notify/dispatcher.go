package notify

import (
	"context"
	"sync"
	"time"

	"github.com/jmylchreest/triage/pkg/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Dispatcher defaults.
const (
	DefaultWorkers         = 2
	DefaultQueueSize       = 256
	DefaultDeliveryTimeout = 30 * time.Second
)

// Deliverer is implemented by sinks that can report delivery errors.
type Deliverer interface {
	Deliver(ctx context.Context, e Event) error
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Workers         int
	QueueSize       int
	DeliveryTimeout time.Duration
}

// Dispatcher hands events to a sink from a bounded queue drained by a pool
// of workers. Publish never blocks: events are dropped when the queue is full.
type Dispatcher struct {
	next    Sink
	queue   chan Event
	group   *errgroup.Group
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts the workers. Call Close to drain the queue.
func NewDispatcher(next Sink, cfg DispatcherConfig, logger zerolog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultDeliveryTimeout
	}

	d := &Dispatcher{
		next:    next,
		queue:   make(chan Event, cfg.QueueSize),
		group:   &errgroup.Group{},
		timeout: cfg.DeliveryTimeout,
		logger:  logger.With().Str("component", "notify").Logger(),
	}
	for range cfg.Workers {
		d.group.Go(d.work)
	}
	return d
}

func (d *Dispatcher) work() error {
	for e := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if dl, ok := d.next.(Deliverer); ok {
			if err := dl.Deliver(ctx, e); err != nil {
				metrics.ObserveNotification(metrics.OutcomeError)
				d.logger.Warn().Err(err).Str("finding", e.FindingKey).Msg("notification delivery failed")
			} else {
				metrics.ObserveNotification(metrics.OutcomeDelivered)
			}
		} else {
			d.next.Publish(ctx, e)
			metrics.ObserveNotification(metrics.OutcomeDelivered)
		}
		cancel()
	}
	return nil
}

// Publish enqueues e, dropping it when the queue is full or the dispatcher
// is closed.
func (d *Dispatcher) Publish(_ context.Context, e Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.ObserveNotification(metrics.OutcomeDropped)
		return
	}
	select {
	case d.queue <- e:
	default:
		metrics.ObserveNotification(metrics.OutcomeDropped)
		d.logger.Warn().Str("finding", e.FindingKey).Msg("notification queue full, dropping event")
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	return d.group.Wait()
}

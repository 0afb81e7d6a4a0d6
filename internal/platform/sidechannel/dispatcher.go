package sidechannel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/anamnesis/internal/platform/metrics"
)

// ErrClosed is returned by Publish after Close has been called.
var ErrClosed = errors.New("side channel closed")

// ErrQueueFull is returned by Publish when the bounded queue has no room.
var ErrQueueFull = errors.New("side channel queue full")

// Sink is one delivery target. Deliver must be idempotent on Event.ID.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, event Event) error
}

type Option func(*Dispatcher)

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) { d.queueSize = n }
}

func WithWorkers(n int) Option {
	return func(d *Dispatcher) { d.workers = n }
}

// WithMaxAttempts sets how many times a sink is tried before the event is
// dead-lettered to the log.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) { d.maxAttempts = n }
}

// WithRetryBase sets the first retry delay; each further retry doubles it.
func WithRetryBase(base time.Duration) Option {
	return func(d *Dispatcher) { d.retryBase = base }
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher fans events out to its sinks from a fixed pool of workers.
// Publish never blocks the caller.
type Dispatcher struct {
	sinks       []Sink
	queueSize   int
	workers     int
	maxAttempts int
	retryBase   time.Duration
	logger      zerolog.Logger
	metrics     *metrics.Metrics

	queue  chan Event
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	// cancelled when Close gives up waiting, aborting pending retries
	ctx    context.Context
	cancel context.CancelFunc
}

func NewDispatcher(sinks []Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sinks:       sinks,
		queueSize:   1024,
		workers:     2,
		maxAttempts: 5,
		retryBase:   200 * time.Millisecond,
		logger:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.queueSize <= 0 {
		d.queueSize = 1
	}
	if d.workers <= 0 {
		d.workers = 1
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = 1
	}

	d.queue = make(chan Event, d.queueSize)
	d.ctx, d.cancel = context.WithCancel(context.Background())

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

// Publish enqueues event for delivery. A full queue drops the event, logs and
// counts the drop, and returns ErrQueueFull so the caller can decide whether
// the loss fails its own operation.
func (d *Dispatcher) Publish(event Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}

	select {
	case d.queue <- event:
		d.metrics.SetQueueDepth(len(d.queue))
		return nil
	default:
		d.metrics.IncrementDropped()
		d.logger.Error().
			Str("event_id", event.ID).
			Str("entity_type", event.EntityType).
			Str("entity_id", event.EntityID).
			Str("action", event.Action).
			Msg("side channel queue full, event dropped")
		return ErrQueueFull
	}
}

// Close stops accepting events and waits for the queue to drain. If ctx
// expires first, in-flight retries are abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for event := range d.queue {
		d.metrics.SetQueueDepth(len(d.queue))
		for _, sink := range d.sinks {
			d.deliver(sink, event)
		}
	}
}

func (d *Dispatcher) deliver(sink Sink, event Event) {
	var err error
	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		if attempt > 0 {
			d.metrics.IncrementDelivery(sink.Name(), "retried")
			if !d.wait(d.backoff(attempt - 1)) {
				break
			}
		}
		if err = sink.Deliver(d.ctx, event); err == nil {
			d.metrics.IncrementDelivery(sink.Name(), "delivered")
			return
		}
		d.logger.Warn().Err(err).
			Str("sink", sink.Name()).
			Str("event_id", event.ID).
			Int("attempt", attempt+1).
			Msg("side channel delivery failed")
	}

	d.metrics.IncrementDelivery(sink.Name(), "dead_letter")
	d.logger.Error().Err(err).
		Str("sink", sink.Name()).
		Str("event_id", event.ID).
		Str("entity_type", event.EntityType).
		Str("entity_id", event.EntityID).
		Str("action", event.Action).
		Str("actor_id", event.ActorID).
		Time("occurred_at", event.OccurredAt).
		Msg("side channel event dead-lettered")
}

// backoff returns retryBase * 2^n.
func (d *Dispatcher) backoff(n int) time.Duration {
	delay := d.retryBase
	for i := 0; i < n; i++ {
		delay *= 2
	}
	return delay
}

func (d *Dispatcher) wait(delay time.Duration) bool {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-d.ctx.Done():
		return false
	}
}

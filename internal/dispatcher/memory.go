package dispatcher

import (
	"cdpipeline/pkg/backoff"
	"cdpipeline/pkg/circuitbreaker"
	"cdpipeline/pkg/cloudevent"
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// minRequeueDelay spaces requeues of events held back by a probing breaker.
const minRequeueDelay = 250 * time.Millisecond

// MemoryDispatcher delivers events from a bounded in-process queue with a
// pool of workers. Dispatch never blocks: a full queue drops the event.
type MemoryDispatcher struct {
	queue    chan *Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	config   MemoryConfig
	logger   *slog.Logger
	metrics  MetricsRecorder
	counts   counters

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

type counters struct {
	queued, delivered, failed, dropped, requeued, retries atomic.Int64
}

// MetricsRecorder receives delivery metrics. *observability.Metrics
// implements it.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherRequeued(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

type discardMetrics struct{}

func (discardMetrics) RecordDispatcherDelivered(context.Context, float64) {}
func (discardMetrics) RecordDispatcherFailed(context.Context) {}
func (discardMetrics) RecordDispatcherDropped(context.Context) {}
func (discardMetrics) RecordDispatcherRequeued(context.Context) {}
func (discardMetrics) RecordDispatcherQueueSize(context.Context, int64) {}

// NewMemory starts a dispatcher's workers. metrics may be nil.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()
	reportQueue := metrics != nil
	if metrics == nil {
		metrics = discardMetrics{}
	}

	d := &MemoryDispatcher{
		queue:    make(chan *Event, cfg.BufferSize),
		sender:   cloudevent.NewSender(cfg.HTTPTimeout),
		config:   cfg,
		logger:   slog.With("component", "webhook-dispatcher"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}
	d.breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
		Threshold:     cfg.BreakerThreshold,
		Cooldown:      cfg.BreakerCooldown,
		OnStateChange: d.breakerChanged,
	})

	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}

	if reportQueue {
		go d.reportQueueSize()
	}

	d.logger.Info("Webhook dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

func (d *MemoryDispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

// Dispatch queues event for delivery. It returns ErrBufferFull without
// blocking when the queue has no room.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	if d.closed.Load() {
		return ErrClosed
	}
	select {
	case d.queue <- event:
		d.counts.queued.Add(1)
		return nil
	default:
	}
	d.recordDropped()
	d.logger.Warn("Event dropped, buffer full", "destination", extractHost(event.URL), "type", event.Payload.Type)
	return ErrBufferFull
}

func (d *MemoryDispatcher) Stats() Stats {
	breakers := d.breakers.Stats()
	return Stats{
		QueueDepth:    len(d.queue),
		Queued:        d.counts.queued.Load(),
		Delivered:     d.counts.delivered.Load(),
		Failed:        d.counts.failed.Load(),
		Dropped:       d.counts.dropped.Load(),
		Requeued:      d.counts.requeued.Load(),
		RetriesTotal:  d.counts.retries.Load(),
		BreakersTotal: breakers.Total,
		BreakersOpen:  breakers.Open,
		Tripped:       d.breakers.Tripped(),
	}
}

func (d *MemoryDispatcher) breakerChanged(host string, from, to circuitbreaker.State) {
	switch to {
	case circuitbreaker.Open:
		d.logger.Warn("Webhook circuit opened", "destination", host, "from", from.String())
	case circuitbreaker.Closed:
		d.logger.Info("Webhook circuit closed", "destination", host)
	default:
		d.logger.Debug("Webhook circuit probing", "destination", host)
	}
}

// Close stops accepting events and lets the workers deliver what is already
// queued. Requeued events still waiting on a breaker finish with ErrClosed.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}
	d.logger.Info("Webhook dispatcher draining", "queued", len(d.queue))
	close(d.shutdown)

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		d.wg.Wait()
	}()

	select {
	case <-ctx.Done():
		d.logger.Warn("Webhook dispatcher drain timed out", "remaining", len(d.queue))
		return ctx.Err()
	case <-drained:
	}
	d.logger.Info("Webhook dispatcher stopped",
		"delivered", d.counts.delivered.Load(),
		"failed", d.counts.failed.Load(),
		"dropped", d.counts.dropped.Load(),
	)
	return nil
}

// worker delivers until shutdown, then empties the queue and exits.
func (d *MemoryDispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
			continue
		case <-d.shutdown:
		}
		for {
			select {
			case event := <-d.queue:
				d.deliver(event)
			default:
				return
			}
		}
	}
}

// deliver sends one event through its destination's breaker.
func (d *MemoryDispatcher) deliver(event *Event) {
	host := extractHost(event.URL)
	breaker := d.breakers.Get(host)

	if !breaker.Allow() {
		d.requeue(event, host, d.requeueDelay(breaker))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.config.DeliveryTimeout)
	defer cancel()

	start := time.Now()
	err := d.sendWithRetry(ctx, event)
	if err == nil {
		breaker.RecordSuccess()
		d.counts.delivered.Add(1)
		d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
		event.finish(nil)
		return
	}
	breaker.RecordFailure()
	d.counts.failed.Add(1)
	d.metrics.RecordDispatcherFailed(ctx)
	d.logger.Warn("Webhook delivery failed",
		"destination", host,
		"type", event.Payload.Type,
		"subject", event.Payload.Subject,
		"error", err,
	)
	event.finish(err)
}

// requeueDelay waits until the open breaker admits its probe. A half-open
// breaker is already probing, so the event retries after a short pause.
func (d *MemoryDispatcher) requeueDelay(breaker *circuitbreaker.Breaker) time.Duration {
	status := breaker.Status()
	if status.State == circuitbreaker.Open {
		if wait := time.Until(status.RetryAt); wait > 0 {
			return wait
		}
	}
	return min(d.config.BreakerCooldown, minRequeueDelay)
}

// requeue puts an event back in the queue after delay.
func (d *MemoryDispatcher) requeue(event *Event, host string, delay time.Duration) {
	if event.requeues >= d.config.MaxRequeues {
		d.recordDropped()
		d.logger.Warn("Event dropped, max requeues reached",
			"destination", host,
			"type", event.Payload.Type,
			"requeues", event.requeues,
		)
		event.finish(ErrBufferFull)
		return
	}

	event.requeues++
	requeues := event.requeues
	d.counts.requeued.Add(1)
	d.metrics.RecordDispatcherRequeued(context.Background())

	go func() {
		select {
		case <-d.shutdown:
			event.finish(ErrClosed)
			return
		case <-time.After(delay):
		}

		select {
		case d.queue <- event:
			d.logger.Debug("Event requeued", "destination", host, "type", event.Payload.Type, "requeues", requeues)
		case <-d.shutdown:
			event.finish(ErrClosed)
		default:
			d.recordDropped()
			d.logger.Warn("Event dropped on requeue, buffer full", "destination", host, "type", event.Payload.Type)
			event.finish(ErrBufferFull)
		}
	}()
}

func (d *MemoryDispatcher) recordDropped() {
	d.counts.dropped.Add(1)
	d.metrics.RecordDispatcherDropped(context.Background())
}

func (d *MemoryDispatcher) sendWithRetry(ctx context.Context, event *Event) error {
	opts := cloudevent.SendOptions{SigningKey: event.SigningKey}
	retryCfg := &backoff.Config{Initial: d.config.RetryInitial}

	return backoff.Retry(ctx, d.config.MaxRetries+1, retryCfg, func(attempt int) error {
		if attempt > 1 {
			d.counts.retries.Add(1)
		}
		err := d.sender.Send(ctx, event.URL, event.Payload, opts)
		if cloudevent.IsClientError(err) {
			return backoff.Permanent(err)
		}
		// Honor Retry-After up to one HTTP timeout on top of the backoff.
		var httpErr *cloudevent.HTTPError
		if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 && attempt <= d.config.MaxRetries {
			if sleepErr := backoff.Sleep(ctx, min(httpErr.RetryAfter, d.config.HTTPTimeout)); sleepErr != nil {
				return backoff.Permanent(err)
			}
		}
		return err
	})
}

// extractHost keys breakers by host so every webhook on one endpoint shares
// a circuit.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ Dispatcher = (*MemoryDispatcher)(nil)

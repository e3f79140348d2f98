package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/csi-portal/portal/hub/internal/config"
)

// Dispatcher queues jobs and delivers them on a fixed number of workers.
type Dispatcher struct {
	sender         Sender
	queue          chan Job
	workers        int
	maxRetries     uint
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *slog.Logger
	metrics        *dispatcherMetrics

	mu      sync.RWMutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

type dispatcherMetrics struct {
	enqueued prometheus.Counter
	sent     prometheus.Counter
	failed   prometheus.Counter
	dropped  *prometheus.CounterVec
}

// NewDispatcher creates a dispatcher. reg may be nil.
func NewDispatcher(sender Sender, cfg config.NotifyConfig, logger *slog.Logger, reg prometheus.Registerer) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 64
	}
	factory := promauto.With(reg)
	return &Dispatcher{
		sender:         sender,
		queue:          make(chan Job, size),
		workers:        workers,
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff.Duration,
		maxBackoff:     cfg.MaxBackoff.Duration,
		logger:         logger.With("component", "notify"),
		metrics: &dispatcherMetrics{
			enqueued: factory.NewCounter(prometheus.CounterOpts{
				Name: "portal_notifications_enqueued_total",
				Help: "notification jobs accepted",
			}),
			sent: factory.NewCounter(prometheus.CounterOpts{
				Name: "portal_notifications_sent_total",
				Help: "notification jobs delivered",
			}),
			failed: factory.NewCounter(prometheus.CounterOpts{
				Name: "portal_notifications_failed_total",
				Help: "notification jobs abandoned after retries",
			}),
			dropped: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "portal_notifications_dropped_total",
				Help: "notification jobs rejected at enqueue",
			}, []string{"reason"}),
		},
	}
}

// Start launches the workers. They exit when ctx is canceled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Enqueue queues job without blocking. It fails when the queue is full or the
// dispatcher has stopped.
func (d *Dispatcher) Enqueue(job Job) error {
	if err := job.Validate(); err != nil {
		d.metrics.dropped.WithLabelValues("invalid").Inc()
		return err
	}
	job.fill(time.Now().UTC())

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		d.metrics.dropped.WithLabelValues("stopped").Inc()
		return ErrStopped
	}
	select {
	case d.queue <- job:
		d.metrics.enqueued.Inc()
		return nil
	default:
		d.metrics.dropped.WithLabelValues("queue_full").Inc()
		return ErrQueueFull
	}
}

// Stop rejects new jobs, lets the workers drain the queue and waits for them.
// Cancel the Start context first to abandon queued jobs instead.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	if err := d.sender.Close(); err != nil {
		d.logger.Warn("close notification sender", "error", err)
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for job := range d.queue {
		if ctx.Err() != nil {
			d.logger.Warn("dropping notification on shutdown", "job_id", job.ID, "kind", job.Kind)
			d.metrics.dropped.WithLabelValues("shutdown").Inc()
			continue
		}
		if err := d.deliver(ctx, job); err != nil {
			d.metrics.failed.Inc()
			d.logger.Warn("notification failed", "job_id", job.ID, "kind", job.Kind, "user_id", job.UserID, "error", err)
			continue
		}
		d.metrics.sent.Inc()
		d.logger.Debug("notification sent", "job_id", job.ID, "kind", job.Kind, "user_id", job.UserID)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, job Job) error {
	b := backoff.NewExponentialBackOff()
	if d.initialBackoff > 0 {
		b.InitialInterval = d.initialBackoff
	}
	if d.maxBackoff > 0 {
		b.MaxInterval = d.maxBackoff
	}

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := d.sender.Send(ctx, job)
		if errors.Is(err, ErrInvalidJob) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(d.maxRetries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.logger.Debug("notification retry", "job_id", job.ID, "error", err, "next", next)
		}),
	)
	if err != nil {
		return &NotificationError{JobID: job.ID, Kind: job.Kind, Attempts: attempts, Err: err}
	}
	return nil
}

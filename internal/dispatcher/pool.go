package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/cardline/internal/logging"
	"github.com/fyrsmithlabs/cardline/internal/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "github.com/fyrsmithlabs/cardline/internal/dispatcher"

// PoolConfig controls concurrency, retry and timeouts.
type PoolConfig struct {
	Workers int

	// MaxRetries is the number of redeliveries after the first attempt.
	// A task runs at most MaxRetries+1 times.
	MaxRetries int

	BaseBackoff time.Duration
	TaskTimeout time.Duration

	// HeartbeatInterval is how often a running task's lease is extended.
	// Zero disables heartbeats.
	HeartbeatInterval time.Duration

	// ErrorPause is the wait after a failed fetch before polling again.
	ErrorPause time.Duration
}

// DefaultPoolConfig returns the production defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:     4,
		MaxRetries:  3,
		BaseBackoff: 2 * time.Second,
		TaskTimeout: 30 * time.Minute,
		ErrorPause:  time.Second,
	}
}

// PoolOption configures optional Pool collaborators.
type PoolOption func(*Pool)

// WithManualReview routes exhausted tasks to sink.
func WithManualReview(sink ManualReviewSink) PoolOption {
	return func(p *Pool) { p.review = sink }
}

// WithMetrics records one metrics.Event per attempt.
func WithMetrics(sink metrics.Sink) PoolOption {
	return func(p *Pool) { p.metrics = sink }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) PoolOption {
	return func(p *Pool) { p.tracer = tp.Tracer(instrumentationName) }
}

// PoolStats counts attempt outcomes since the pool started.
type PoolStats struct {
	Succeeded  int64
	Retried    int64
	Terminated int64
}

// Pool runs Workers goroutines, each pulling one task at a time.
type Pool struct {
	queue   TaskQueueClient
	handler Handler
	cfg     PoolConfig
	logger  *zap.Logger
	review  ManualReviewSink
	metrics metrics.Sink
	tracer  trace.Tracer

	succeeded  atomic.Int64
	retried    atomic.Int64
	terminated atomic.Int64
}

// NewPool validates cfg and builds a pool.
func NewPool(queue TaskQueueClient, handler Handler, cfg PoolConfig, logger *zap.Logger, opts ...PoolOption) (*Pool, error) {
	if queue == nil {
		return nil, fmt.Errorf("dispatcher: queue is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("dispatcher: handler is required")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("dispatcher: workers must be positive, got %d", cfg.Workers)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("dispatcher: max retries cannot be negative")
	}
	if cfg.BaseBackoff <= 0 || cfg.TaskTimeout <= 0 {
		return nil, fmt.Errorf("dispatcher: base backoff and task timeout must be positive")
	}
	if cfg.ErrorPause <= 0 {
		cfg.ErrorPause = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		queue:   queue,
		handler: handler,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.Nop{},
		tracer:  otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run blocks until ctx is cancelled or the queue is closed. Tasks in flight
// at cancellation are handed back to the queue for redelivery.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			return p.work(gctx, worker)
		})
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("max_retries", p.cfg.MaxRetries),
		zap.Duration("task_timeout", p.cfg.TaskTimeout))

	err := g.Wait()
	p.logger.Info("worker pool stopped",
		zap.Int64("succeeded", p.succeeded.Load()),
		zap.Int64("retried", p.retried.Load()),
		zap.Int64("terminated", p.terminated.Load()))
	return err
}

// Stats returns a snapshot of attempt outcomes.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Succeeded:  p.succeeded.Load(),
		Retried:    p.retried.Load(),
		Terminated: p.terminated.Load(),
	}
}

func (p *Pool) work(ctx context.Context, worker int) error {
	log := p.logger.With(zap.Int("worker", worker))
	for {
		d, err := p.queue.Next(ctx)
		switch {
		case ctx.Err() != nil:
			if d != nil {
				_ = d.Retry(context.Background(), 0)
			}
			return nil
		case errors.Is(err, ErrNoTask):
			continue
		case errors.Is(err, ErrClosed):
			return nil
		case err != nil:
			log.Warn("task fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.cfg.ErrorPause):
			}
			continue
		}
		p.handle(ctx, d, log)
	}
}

// handle runs one attempt and settles the delivery.
func (p *Pool) handle(ctx context.Context, d Delivery, log *zap.Logger) {
	task := d.Task()
	requestID := uuid.NewString()
	log = log.With(
		zap.String("unit_id", task.UnitID),
		zap.Int("attempt", task.Attempt),
		zap.String("request_id", requestID))

	ctx = logging.WithAttempt(logging.WithUnit(ctx, task.UnitID), task.Attempt)
	ctx, span := p.tracer.Start(ctx, "dispatcher.handle", trace.WithAttributes(
		attribute.String("unit.id", task.UnitID),
		attribute.Int("task.attempt", task.Attempt),
	))
	defer span.End()

	start := time.Now()
	err := p.runAttempt(ctx, d, task)
	p.metrics.RecordTask(ctx, metrics.Event{
		RequestID: requestID,
		UnitID:    task.UnitID,
		Latency:   time.Since(start),
		Success:   err == nil,
	})

	// Settlement must not be cancelled by shutdown.
	settleCtx := context.WithoutCancel(ctx)

	if err == nil {
		span.SetStatus(codes.Ok, "")
		if ackErr := d.Ack(settleCtx); ackErr != nil {
			log.Warn("ack failed, task may be redelivered", zap.Error(ackErr))
		}
		p.succeeded.Add(1)
		log.Debug("task completed", zap.Duration("duration", time.Since(start)))
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if ctx.Err() != nil && !errors.Is(err, ErrTaskTimeout) {
		// Shutdown interrupted the attempt; hand it back untouched.
		_ = d.Retry(settleCtx, 0)
		log.Info("task returned to queue on shutdown")
		return
	}

	if IsPermanent(err) || task.Attempt >= p.cfg.MaxRetries {
		p.exhaust(settleCtx, d, task, err, log)
		return
	}

	delay := Backoff(p.cfg.BaseBackoff, task.Attempt)
	if retryErr := d.Retry(settleCtx, delay); retryErr != nil {
		log.Error("scheduling retry failed", zap.Error(retryErr))
	}
	p.retried.Add(1)
	log.Warn("task failed, retry scheduled", zap.Error(err), zap.Duration("backoff", delay))
}

// runAttempt invokes the handler under the per-task deadline and a lease
// heartbeat.
func (p *Pool) runAttempt(ctx context.Context, d Delivery, task Task) (err error) {
	tctx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()

	if p.cfg.HeartbeatInterval > 0 {
		done := make(chan struct{})
		defer close(done)
		go p.heartbeat(tctx, done, d)
	}

	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()

	err = p.handler(tctx, task)
	if err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w after %s: %w", ErrTaskTimeout, p.cfg.TaskTimeout, err)
	}
	return err
}

func (p *Pool) heartbeat(ctx context.Context, done <-chan struct{}, d Delivery) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := d.Touch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Warn("heartbeat failed", zap.String("unit_id", d.Task().UnitID), zap.Error(err))
			}
		}
	}
}

// exhaust hands the task to manual review and only then terminates it. A
// failed submission puts the task back on the queue so it cannot vanish.
func (p *Pool) exhaust(ctx context.Context, d Delivery, task Task, cause error, log *zap.Logger) {
	reason := fmt.Sprintf("failed after %d attempt(s): %v", task.Attempt+1, cause)
	if IsPermanent(cause) {
		reason = fmt.Sprintf("permanent failure: %v", cause)
	}

	if p.review != nil {
		if err := p.review.Submit(ctx, task, reason); err != nil {
			delay := Backoff(p.cfg.BaseBackoff, task.Attempt)
			if retryErr := d.Retry(ctx, delay); retryErr != nil {
				log.Error("scheduling retry after failed review submission failed", zap.Error(retryErr))
			}
			p.retried.Add(1)
			log.Error("manual review submission failed, task kept on queue",
				zap.String("reason", reason),
				zap.Duration("backoff", delay),
				zap.Error(err))
			return
		}
	}

	if err := d.Terminate(ctx, reason); err != nil {
		log.Error("terminating task failed", zap.Error(err))
	}
	p.terminated.Add(1)
	log.Warn("task routed to manual review", zap.String("reason", reason))
}

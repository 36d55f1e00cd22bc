package collab

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fyrsmithlabs/cardline/internal/evidence"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RetryConfig controls Retrying.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// RatePerSec and Burst bound outgoing calls. RatePerSec <= 0 disables it.
	RatePerSec float64
	Burst      int
}

// Retrying wraps collaborators with rate limiting and exponential backoff.
// Errors wrapping ErrRejected are not retried.
type Retrying struct {
	gen     Generator
	ev      EvidenceCollector
	cfg     RetryConfig
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewRetrying wraps gen and ev. Either may be nil if the caller never uses it.
func NewRetrying(gen Generator, ev EvidenceCollector, cfg RetryConfig, logger *zap.Logger) *Retrying {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{
		gen:     gen,
		ev:      ev,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  logger,
	}
}

// Generate calls the wrapped generator.
func (r *Retrying) Generate(ctx context.Context, req GenerateRequest) (*Artifact, error) {
	return retry(ctx, r, "generate", func() (*Artifact, error) {
		return r.gen.Generate(ctx, req)
	})
}

// Collect calls the wrapped evidence collector.
func (r *Retrying) Collect(ctx context.Context, req EvidenceRequest) (evidence.Bundle, error) {
	return retry(ctx, r, "collect", func() (evidence.Bundle, error) {
		return r.ev.Collect(ctx, req)
	})
}

func retry[T any](ctx context.Context, r *Retrying, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialDelay
	b.MaxInterval = r.cfg.MaxDelay

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		if err := r.limiter.Wait(ctx); err != nil {
			var zero T
			return zero, backoff.Permanent(err)
		}
		v, err := fn()
		if err != nil && (errors.Is(err, ErrRejected) || ctx.Err() != nil) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("collaborator call failed, retrying",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("next", next),
				zap.Error(err))
		}),
	)
}

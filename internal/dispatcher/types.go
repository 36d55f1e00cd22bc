// Package dispatcher delivers work units to a pool of workers with
// at-least-once semantics, per-task timeouts and bounded exponential retry.
//
// Queue backends implement TaskQueueClient. A worker pulls one task at a
// time; a failed attempt is redelivered after base×2^attempt, and once the
// retry ceiling is reached the task is terminated on the queue and handed to
// the ManualReviewSink instead of being dropped.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"
)

var (
	// ErrNoTask is returned by Next when no task arrived within the fetch
	// window. Callers poll again.
	ErrNoTask = errors.New("dispatcher: no task available")

	// ErrClosed is returned once the queue client has been closed.
	ErrClosed = errors.New("dispatcher: queue closed")

	// ErrTaskTimeout marks an attempt cancelled by the per-task wall-clock
	// limit.
	ErrTaskTimeout = errors.New("dispatcher: task exceeded time limit")
)

// Task is the queued message for one unit.
type Task struct {
	UnitID     string          `json:"unit_id"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Handle identifies an enqueued task.
type Handle struct {
	ID     string
	UnitID string
}

// Delivery is one received task and its acknowledgement controls. Exactly
// one of Ack, Retry or Terminate should be called.
type Delivery interface {
	Task() Task

	// Ack marks the task done.
	Ack(ctx context.Context) error

	// Retry schedules redelivery after delay.
	Retry(ctx context.Context, delay time.Duration) error

	// Terminate stops redelivery for good.
	Terminate(ctx context.Context, reason string) error

	// Touch extends the delivery lease while the task is still running.
	Touch(ctx context.Context) error
}

// TaskQueueClient is the queue a pool consumes from. It is built once at
// startup and injected.
type TaskQueueClient interface {
	Enqueue(ctx context.Context, unitID string, payload []byte) (Handle, error)

	// Next blocks for a single task. It returns ErrNoTask when the fetch
	// window elapses empty.
	Next(ctx context.Context) (Delivery, error)

	Close() error
}

// Handler processes one task. Returning nil acknowledges it.
type Handler func(ctx context.Context, task Task) error

// ManualReviewSink receives tasks that exhausted their retries or failed
// permanently.
type ManualReviewSink interface {
	Submit(ctx context.Context, task Task, reason string) error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The pool terminates the task
// and routes it to manual review on the first such failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Backoff returns base×2^attempt. Large attempts saturate instead of
// overflowing.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := base << uint(attempt)
	if d>>uint(attempt) != base {
		return time.Duration(math.MaxInt64)
	}
	return d
}

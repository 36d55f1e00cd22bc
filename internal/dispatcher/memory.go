package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process TaskQueueClient for tests and single-process
// runs. Retries are rescheduled with time.AfterFunc.
type MemoryQueue struct {
	mu         sync.Mutex
	pending    []Task
	notify     chan struct{}
	closed     bool
	acked      []Task
	terminated map[string]string
	now        func() time.Time
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		notify:     make(chan struct{}, 1),
		terminated: make(map[string]string),
		now:        time.Now,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, unitID string, payload []byte) (Handle, error) {
	q.push(Task{
		UnitID:     unitID,
		Payload:    json.RawMessage(payload),
		EnqueuedAt: q.now().UTC(),
	})
	return Handle{ID: uuid.NewString(), UnitID: unitID}, nil
}

func (q *MemoryQueue) push(t Task) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, t)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Next returns the oldest pending task, blocking until one arrives, ctx is
// done or the queue is closed.
func (q *MemoryQueue) Next(ctx context.Context) (Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if len(q.pending) > 0 {
			t := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return &memoryDelivery{queue: q, task: t}, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

// Close wakes blocked callers; later calls to Next return ErrClosed.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Acked returns the tasks acknowledged so far.
func (q *MemoryQueue) Acked() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Task(nil), q.acked...)
}

// Terminated returns unit id -> termination reason.
func (q *MemoryQueue) Terminated() map[string]string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]string, len(q.terminated))
	for k, v := range q.terminated {
		out[k] = v
	}
	return out
}

type memoryDelivery struct {
	queue *MemoryQueue
	task  Task
}

func (d *memoryDelivery) Task() Task { return d.task }

func (d *memoryDelivery) Ack(context.Context) error {
	d.queue.mu.Lock()
	d.queue.acked = append(d.queue.acked, d.task)
	d.queue.mu.Unlock()
	return nil
}

func (d *memoryDelivery) Retry(_ context.Context, delay time.Duration) error {
	next := d.task
	next.Attempt++
	if delay <= 0 {
		d.queue.push(next)
		return nil
	}
	time.AfterFunc(delay, func() { d.queue.push(next) })
	return nil
}

func (d *memoryDelivery) Terminate(_ context.Context, reason string) error {
	d.queue.mu.Lock()
	d.queue.terminated[d.task.UnitID] = reason
	d.queue.mu.Unlock()
	return nil
}

func (d *memoryDelivery) Touch(context.Context) error { return nil }

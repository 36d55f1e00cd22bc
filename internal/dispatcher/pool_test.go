package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockReviewSink struct {
	mock.Mock
}

func (m *mockReviewSink) Submit(ctx context.Context, task Task, reason string) error {
	args := m.Called(ctx, task, reason)
	return args.Error(0)
}

func testPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:     2,
		MaxRetries:  3,
		BaseBackoff: time.Millisecond,
		TaskTimeout: time.Second,
	}
}

// runPool starts p and returns a stop function that waits for Run to return.
func runPool(t *testing.T, p *Pool) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not stop")
		}
	}
}

func TestPool_SuccessAcks(t *testing.T) {
	q := NewMemoryQueue()
	var seen sync.Map
	p, err := NewPool(q, func(ctx context.Context, task Task) error {
		seen.Store(task.UnitID, string(task.Payload))
		return nil
	}, testPoolConfig(), nil)
	require.NoError(t, err)

	stop := runPool(t, p)
	defer stop()

	_, err = q.Enqueue(context.Background(), "card-1", []byte(`{"type":"feature"}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(q.Acked()) == 1 }, 2*time.Second, 5*time.Millisecond)
	payload, ok := seen.Load("card-1")
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"feature"}`, payload.(string))
	assert.Equal(t, int64(1), p.Stats().Succeeded)
}

func TestPool_RetriesThenSucceeds(t *testing.T) {
	q := NewMemoryQueue()
	var attempts []int
	var mu sync.Mutex
	p, err := NewPool(q, func(ctx context.Context, task Task) error {
		mu.Lock()
		attempts = append(attempts, task.Attempt)
		mu.Unlock()
		if task.Attempt < 2 {
			return errors.New("collaborator unavailable")
		}
		return nil
	}, testPoolConfig(), nil)
	require.NoError(t, err)

	stop := runPool(t, p)
	defer stop()

	_, err = q.Enqueue(context.Background(), "card-2", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(q.Acked()) == 1 }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []int{0, 1, 2}, attempts)
	mu.Unlock()
	assert.Equal(t, int64(2), p.Stats().Retried)
	assert.Empty(t, q.Terminated())
}

func TestPool_ExhaustedRetriesGoToManualReview(t *testing.T) {
	q := NewMemoryQueue()
	review := &mockReviewSink{}
	review.On("Submit", mock.Anything, mock.MatchedBy(func(task Task) bool {
		return task.UnitID == "card-3" && task.Attempt == 3
	}), mock.AnythingOfType("string")).Return(nil).Once()

	var calls atomic.Int32
	p, err := NewPool(q, func(ctx context.Context, task Task) error {
		calls.Add(1)
		return errors.New("checkpoint store unreachable")
	}, testPoolConfig(), nil, WithManualReview(review))
	require.NoError(t, err)

	stop := runPool(t, p)
	defer stop()

	_, err = q.Enqueue(context.Background(), "card-3", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(q.Terminated()) == 1 }, 2*time.Second, 5*time.Millisecond)

	// first attempt plus three retries, never a fifth
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(4), calls.Load())
	assert.Contains(t, q.Terminated()["card-3"], "failed after 4 attempt(s)")
	assert.Contains(t, q.Terminated()["card-3"], "checkpoint store unreachable")
	review.AssertExpectations(t)
}

func TestPool_FailedReviewSubmissionKeepsTaskQueued(t *testing.T) {
	q := NewMemoryQueue()
	review := &mockReviewSink{}
	review.On("Submit", mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("review stream down")).Once()
	review.On("Submit", mock.Anything, mock.MatchedBy(func(task Task) bool {
		return task.UnitID == "card-x" && task.Attempt == 1
	}), mock.Anything).Return(nil).Once()

	cfg := testPoolConfig()
	cfg.MaxRetries = 0
	var calls atomic.Int32
	p, err := NewPool(q, func(ctx context.Context, task Task) error {
		calls.Add(1)
		return errors.New("boom")
	}, cfg, nil, WithManualReview(review))
	require.NoError(t, err)

	stop := runPool(t, p)
	defer stop()

	_, err = q.Enqueue(context.Background(), "card-x", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return p.Stats().Terminated == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, q.Terminated()["card-x"], "boom")
	// terminated only after the second, successful submission
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(1), p.Stats().Terminated)
	assert.Equal(t, int64(1), p.Stats().Retried)
	review.AssertExpectations(t)
	review.AssertNumberOfCalls(t, "Submit", 2)
}

func TestPool_PermanentErrorSkipsRetries(t *testing.T) {
	q := NewMemoryQueue()
	var calls atomic.Int32
	p, err := NewPool(q, func(ctx context.Context, task Task) error {
		calls.Add(1)
		return Permanent(errors.New("unknown stage in checkpoint"))
	}, testPoolConfig(), nil)
	require.NoError(t, err)

	stop := runPool(t, p)
	defer stop()

	_, err = q.Enqueue(context.Background(), "card-4", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(q.Terminated()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, q.Terminated()["card-4"], "permanent failure")
}

func TestPool_TaskTimeoutCountsAsFailedAttempt(t *testing.T) {
	q := NewMemoryQueue()
	cfg := testPoolConfig()
	cfg.MaxRetries = 1
	cfg.TaskTimeout = 20 * time.Millisecond

	var calls atomic.Int32
	p, err := NewPool(q, func(ctx context.Context, task Task) error {
		calls.Add(1)
		<-ctx.Done()
		return ctx.Err()
	}, cfg, nil)
	require.NoError(t, err)

	stop := runPool(t, p)
	defer stop()

	_, err = q.Enqueue(context.Background(), "card-5", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(q.Terminated()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
	assert.Contains(t, q.Terminated()["card-5"], "exceeded time limit")
}

func TestPool_PanicIsContained(t *testing.T) {
	q := NewMemoryQueue()
	p, err := NewPool(q, func(ctx context.Context, task Task) error {
		panic("nil rubric")
	}, testPoolConfig(), nil)
	require.NoError(t, err)

	stop := runPool(t, p)
	defer stop()

	_, err = q.Enqueue(context.Background(), "card-6", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(q.Terminated()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, q.Terminated()["card-6"], "handler panic: nil rubric")
}

func TestPool_StopsWhenQueueClosed(t *testing.T) {
	q := NewMemoryQueue()
	p, err := NewPool(q, func(ctx context.Context, task Task) error { return nil }, testPoolConfig(), nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	require.NoError(t, q.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after queue close")
	}
}

func TestNewPool_Validation(t *testing.T) {
	h := func(ctx context.Context, task Task) error { return nil }
	q := NewMemoryQueue()

	_, err := NewPool(nil, h, testPoolConfig(), nil)
	assert.Error(t, err)
	_, err = NewPool(q, nil, testPoolConfig(), nil)
	assert.Error(t, err)

	cfg := testPoolConfig()
	cfg.Workers = 0
	_, err = NewPool(q, h, cfg, nil)
	assert.Error(t, err)
}

func TestBackoff(t *testing.T) {
	base := 2 * time.Second
	assert.Equal(t, 2*time.Second, Backoff(base, 0))
	assert.Equal(t, 4*time.Second, Backoff(base, 1))
	assert.Equal(t, 8*time.Second, Backoff(base, 2))
	assert.Equal(t, 16*time.Second, Backoff(base, 3))
	assert.Equal(t, base, Backoff(base, -1))
	assert.Greater(t, Backoff(time.Hour, 100), time.Duration(0))
}

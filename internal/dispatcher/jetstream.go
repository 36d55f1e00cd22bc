package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// JetStreamConfig names the stream, subject and durable consumer.
type JetStreamConfig struct {
	Stream   string
	Subject  string
	Consumer string

	// FetchMaxWait bounds how long Next waits for a message.
	FetchMaxWait time.Duration

	// AckWait is the lease on a delivered task. Running tasks extend it
	// with Touch.
	AckWait time.Duration

	// DuplicateWindow drops re-submissions of the same unit id.
	DuplicateWindow time.Duration
}

func (c *JetStreamConfig) applyDefaults() {
	if c.FetchMaxWait <= 0 {
		c.FetchMaxWait = 5 * time.Second
	}
	if c.AckWait <= 0 {
		c.AckWait = time.Minute
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = 2 * time.Minute
	}
}

// JetStreamQueue is the production TaskQueueClient: a work-queue stream
// consumed through a durable pull consumer, one message per fetch.
// Redelivery count comes from the server, so Task.Attempt survives worker
// crashes.
type JetStreamQueue struct {
	js       jetstream.JetStream
	consumer jetstream.Consumer
	cfg      JetStreamConfig
	logger   *zap.Logger
	closed   atomic.Bool
	now      func() time.Time
}

// NewJetStreamQueue creates or updates the stream and consumer.
func NewJetStreamQueue(ctx context.Context, js jetstream.JetStream, cfg JetStreamConfig, logger *zap.Logger) (*JetStreamQueue, error) {
	if js == nil {
		return nil, fmt.Errorf("dispatcher: jetstream context is required")
	}
	if cfg.Stream == "" || cfg.Subject == "" || cfg.Consumer == "" {
		return nil, fmt.Errorf("dispatcher: stream, subject and consumer are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "cardline work units",
		Subjects:    []string{cfg.Subject},
		Retention:   jetstream.WorkQueuePolicy,
		Storage:     jetstream.FileStorage,
		Duplicates:  cfg.DuplicateWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatcher: creating stream %s: %w", cfg.Stream, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       cfg.Consumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    -1, // the pool enforces the retry ceiling
		FilterSubject: cfg.Subject,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatcher: creating consumer %s: %w", cfg.Consumer, err)
	}

	return &JetStreamQueue{
		js:       js,
		consumer: consumer,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Enqueue publishes a task. The unit id doubles as the JetStream message
// id, so a unit submitted twice within the duplicate window is queued once.
func (q *JetStreamQueue) Enqueue(ctx context.Context, unitID string, payload []byte) (Handle, error) {
	if q.closed.Load() {
		return Handle{}, ErrClosed
	}
	if len(payload) == 0 {
		payload = []byte("null")
	}
	data, err := json.Marshal(Task{
		UnitID:     unitID,
		Payload:    json.RawMessage(payload),
		EnqueuedAt: q.now().UTC(),
	})
	if err != nil {
		return Handle{}, fmt.Errorf("dispatcher: encoding task %s: %w", unitID, err)
	}

	ack, err := q.js.Publish(ctx, q.cfg.Subject, data, jetstream.WithMsgID(unitID))
	if err != nil {
		return Handle{}, fmt.Errorf("dispatcher: publishing task %s: %w", unitID, err)
	}
	if ack.Duplicate {
		q.logger.Info("duplicate submission ignored", zap.String("unit_id", unitID))
	}
	return Handle{ID: fmt.Sprintf("%s:%d", ack.Stream, ack.Sequence), UnitID: unitID}, nil
}

// Next fetches a single message. Undecodable messages are terminated and
// reported as ErrNoTask.
func (q *JetStreamQueue) Next(ctx context.Context) (Delivery, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msg, err := q.consumer.Next(jetstream.FetchMaxWait(q.cfg.FetchMaxWait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrNoTask
		}
		return nil, fmt.Errorf("dispatcher: fetch: %w", err)
	}

	var task Task
	if err := json.Unmarshal(msg.Data(), &task); err != nil {
		q.logger.Error("undecodable task terminated", zap.Error(err))
		_ = msg.TermWithReason("undecodable task")
		return nil, ErrNoTask
	}
	if meta, err := msg.Metadata(); err == nil && meta.NumDelivered > 0 {
		task.Attempt = int(meta.NumDelivered - 1)
	}
	return &jsDelivery{msg: msg, task: task}, nil
}

// Close stops handing out tasks. The NATS connection belongs to the caller.
func (q *JetStreamQueue) Close() error {
	q.closed.Store(true)
	return nil
}

type jsDelivery struct {
	msg  jetstream.Msg
	task Task
}

func (d *jsDelivery) Task() Task { return d.task }

func (d *jsDelivery) Ack(ctx context.Context) error {
	return d.msg.DoubleAck(ctx)
}

func (d *jsDelivery) Retry(_ context.Context, delay time.Duration) error {
	return d.msg.NakWithDelay(delay)
}

func (d *jsDelivery) Terminate(_ context.Context, reason string) error {
	return d.msg.TermWithReason(reason)
}

func (d *jsDelivery) Touch(context.Context) error {
	return d.msg.InProgress()
}

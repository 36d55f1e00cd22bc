package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/cardline/internal/checkpoint"

// Option configures a store.
type Option func(*core)

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *core) { c.tracer = tp.Tracer(instrumentationName) }
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *core) { c.meter = mp.Meter(instrumentationName) }
}

// WithClock overrides time.Now for checkpoint timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *core) { c.now = now }
}

// core holds what both backends share: the stage sequence, the envelope
// codec and instrumentation.
type core struct {
	backend string
	stages  map[string]struct{}
	logger  *zap.Logger
	now     func() time.Time

	tracer trace.Tracer
	meter  metric.Meter
	ops    metric.Int64Counter
}

func newCore(backend string, stages []string, logger *zap.Logger, opts []Option) (*core, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("checkpoint: stage sequence is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &core{
		backend: backend,
		stages:  make(map[string]struct{}, len(stages)),
		logger:  logger,
		now:     time.Now,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}
	for _, s := range stages {
		c.stages[s] = struct{}{}
	}
	for _, opt := range opts {
		opt(c)
	}

	var err error
	c.ops, err = c.meter.Int64Counter(
		"cardline.checkpoint.operations",
		metric.WithDescription("Checkpoint operations by kind and result"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		logger.Warn("failed to create checkpoint counter", zap.Error(err))
	}
	return c, nil
}

func (c *core) checkStage(stage string) error {
	if _, ok := c.stages[stage]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
	return nil
}

func (c *core) encode(unitID, stage string, data any) ([]byte, error) {
	if err := ValidateUnitID(unitID); err != nil {
		return nil, err
	}
	if err := c.checkStage(stage); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: encoding data for %s: %w", unitID, err)
	}
	return json.Marshal(Checkpoint{
		Version:   SchemaVersion,
		UnitID:    unitID,
		Stage:     stage,
		Timestamp: c.now().UTC(),
		Data:      raw,
	})
}

func (c *core) decode(unitID string, b []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, unitID, err)
	}
	if cp.Version < 1 || cp.Version > SchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, cp.Version)
	}
	if cp.UnitID != unitID {
		return nil, fmt.Errorf("%w: record for %q stored under %q", ErrCorrupt, cp.UnitID, unitID)
	}
	if err := c.checkStage(cp.Stage); err != nil {
		return nil, err
	}
	return &cp, nil
}

// start opens a span for op on unitID.
func (c *core) start(ctx context.Context, op, unitID string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "checkpoint."+op, trace.WithAttributes(
		attribute.String("unit.id", unitID),
		attribute.String("checkpoint.backend", c.backend),
	))
}

// finish records the outcome of op on span and the operations counter.
func (c *core) finish(ctx context.Context, span trace.Span, op string, err error) {
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if c.ops != nil {
		c.ops.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("result", result),
			attribute.String("backend", c.backend),
		))
	}
	span.End()
}

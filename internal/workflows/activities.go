package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.temporal.io/sdk/activity"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cardline/internal/dispatcher"
	"github.com/fyrsmithlabs/cardline/internal/pipeline"
)

// Activities adapts a pipeline.Runner to Temporal. Register a value with
// the worker; workflows reference the methods through a nil *Activities.
type Activities struct {
	runner *pipeline.Runner
	review dispatcher.ManualReviewSink
	logger *zap.Logger
	ins    *instruments
}

// Option configures Activities.
type Option func(*activityOptions)

type activityOptions struct {
	meter metric.Meter
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *activityOptions) { o.meter = mp.Meter(instrumentationName) }
}

// NewActivities wires the runner and the sink that receives failed units.
// Units accepted by review have their checkpoint discarded.
func NewActivities(runner *pipeline.Runner, review dispatcher.ManualReviewSink, logger *zap.Logger, opts ...Option) (*Activities, error) {
	if runner == nil {
		return nil, errors.New("workflows: runner is required")
	}
	if review == nil {
		return nil, errors.New("workflows: manual review sink is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := activityOptions{meter: otel.Meter(instrumentationName)}
	for _, opt := range opts {
		opt(&o)
	}
	return &Activities{
		runner: runner,
		review: runner.ReviewSink(review),
		logger: logger.Named("workflows"),
		ins:    newInstruments(o.meter, logger),
	}, nil
}

// Step runs the unit's next stage.
func (a *Activities) Step(ctx context.Context, in CardPipelineInput) (*StepResult, error) {
	info := activity.GetInfo(ctx)
	start := time.Now()

	stage, st, err := a.runner.Advance(ctx, in.task(int(info.Attempt)-1))
	a.ins.activityDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("stage", stage)))
	if err != nil {
		severity := string(pipeline.SeverityTransient)
		var se *pipeline.StageError
		if errors.As(err, &se) {
			severity = string(se.Severity)
		}
		a.ins.activityErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("severity", severity)))
		a.logger.Warn("stage activity failed",
			zap.String("unit_id", in.UnitID),
			zap.String("stage", stage),
			zap.Int32("attempt", info.Attempt),
			zap.Error(err))
		return nil, toActivityError(err)
	}

	res := &StepResult{Stage: stage, Next: st.Unit.Stage, Done: st.Done(), Decision: st.Decision}
	if res.Done && res.Decision != nil {
		a.ins.completions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(res.Decision.Status))))
	}
	return res, nil
}

// SubmitReview hands a failed unit to the manual review sink and drops its
// checkpoint once the sink accepts it.
func (a *Activities) SubmitReview(ctx context.Context, in ReviewInput) error {
	attempt := in.Attempts - 1
	if attempt < 0 {
		attempt = 0
	}
	task := dispatcher.Task{UnitID: in.UnitID, Payload: in.Payload, Attempt: attempt}
	if err := a.review.Submit(ctx, task, in.Reason); err != nil {
		return fmt.Errorf("submitting %s for manual review: %w", in.UnitID, err)
	}
	a.ins.reviews.Add(ctx, 1)
	a.logger.Error("unit handed to manual review",
		zap.String("unit_id", in.UnitID),
		zap.String("reason", in.Reason))
	return nil
}

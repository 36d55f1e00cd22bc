package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/cardline/internal/metrics"

// OTelSink mirrors measurements onto an OpenTelemetry meter so they reach
// the OTLP collector alongside traces.
type OTelSink struct {
	logger     *zap.Logger
	tasks      metric.Int64Counter
	latency    metric.Float64Histogram
	decisions  metric.Int64Counter
	judgeSkips metric.Int64Counter
}

// NewOTelSink creates instruments on meter. Instrument creation failures are
// logged and the affected measurement is dropped.
func NewOTelSink(meter metric.Meter, logger *zap.Logger) *OTelSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &OTelSink{logger: logger}

	var err error
	s.tasks, err = meter.Int64Counter("cardline.tasks",
		metric.WithDescription("Task attempts by result"),
		metric.WithUnit("{task}"))
	if err != nil {
		logger.Warn("failed to create tasks counter", zap.Error(err))
	}
	s.latency, err = meter.Float64Histogram("cardline.task.latency",
		metric.WithDescription("Task attempt duration"),
		metric.WithUnit("s"))
	if err != nil {
		logger.Warn("failed to create latency histogram", zap.Error(err))
	}
	s.decisions, err = meter.Int64Counter("cardline.decisions",
		metric.WithDescription("Terminal decisions by status"),
		metric.WithUnit("{decision}"))
	if err != nil {
		logger.Warn("failed to create decisions counter", zap.Error(err))
	}
	s.judgeSkips, err = meter.Int64Counter("cardline.judge.skipped",
		metric.WithDescription("Evaluations passed without a scorer"),
		metric.WithUnit("{evaluation}"))
	if err != nil {
		logger.Warn("failed to create judge skipped counter", zap.Error(err))
	}
	return s
}

func (s *OTelSink) RecordTask(ctx context.Context, ev Event) {
	attrs := metric.WithAttributes(attribute.String("result", result(ev.Success)))
	if s.tasks != nil {
		s.tasks.Add(ctx, 1, attrs)
	}
	if s.latency != nil {
		s.latency.Record(ctx, ev.Latency.Seconds(), attrs)
	}
}

func (s *OTelSink) RecordDecision(ctx context.Context, status string) {
	if s.decisions != nil {
		s.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

func (s *OTelSink) RecordJudgeSkipped(ctx context.Context, unitType string) {
	if s.judgeSkips != nil {
		s.judgeSkips.Add(ctx, 1, metric.WithAttributes(attribute.String("unit_type", unitType)))
	}
}

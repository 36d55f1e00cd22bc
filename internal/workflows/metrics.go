package workflows

import (
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/cardline/internal/workflows"

// instruments are recorded from activities only; workflow code must stay
// deterministic.
type instruments struct {
	completions      metric.Int64Counter
	reviews          metric.Int64Counter
	activityDuration metric.Float64Histogram
	activityErrors   metric.Int64Counter
}

func newInstruments(meter metric.Meter, logger *zap.Logger) *instruments {
	ins := &instruments{}
	var err error

	ins.completions, err = meter.Int64Counter(
		"cardline.workflows.card_pipeline.completions",
		metric.WithDescription("Units that reached a decision, by status"),
		metric.WithUnit("{unit}"),
	)
	if err != nil {
		logger.Warn("failed to create completions counter", zap.Error(err))
	}

	ins.reviews, err = meter.Int64Counter(
		"cardline.workflows.card_pipeline.manual_reviews",
		metric.WithDescription("Units handed to manual review"),
		metric.WithUnit("{unit}"),
	)
	if err != nil {
		logger.Warn("failed to create manual review counter", zap.Error(err))
	}

	ins.activityDuration, err = meter.Float64Histogram(
		"cardline.workflows.activity.duration",
		metric.WithDescription("Duration of stage activity executions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("failed to create activity duration histogram", zap.Error(err))
	}

	ins.activityErrors, err = meter.Int64Counter(
		"cardline.workflows.activity.errors",
		metric.WithDescription("Stage activity failures, by stage and severity"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		logger.Warn("failed to create activity error counter", zap.Error(err))
	}
	return ins
}

package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cardline"

// PrometheusSink exports measurements as Prometheus collectors registered on
// an injected registerer.
type PrometheusSink struct {
	tasks      *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	decisions  *prometheus.CounterVec
	judgeSkips *prometheus.CounterVec
}

// NewPrometheusSink registers the cardline collectors on reg. Passing
// prometheus.DefaultRegisterer exposes them on the default /metrics handler.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	factory := promauto.With(reg)
	return &PrometheusSink{
		// Labels: result (success, failure)
		tasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Total number of task attempts by result",
			},
			[]string{"result"},
		),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_latency_seconds",
				Help:      "Wall-clock duration of a task attempt in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800},
			},
			[]string{"result"},
		),
		// Labels: status (approved, rejected, escalated)
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Total number of terminal decisions by status",
			},
			[]string{"status"},
		),
		judgeSkips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "judge_skipped_total",
				Help:      "Evaluations passed without a scoring collaborator",
			},
			[]string{"unit_type"},
		),
	}
}

func (p *PrometheusSink) RecordTask(_ context.Context, ev Event) {
	r := result(ev.Success)
	p.tasks.WithLabelValues(r).Inc()
	p.latency.WithLabelValues(r).Observe(ev.Latency.Seconds())
}

func (p *PrometheusSink) RecordDecision(_ context.Context, status string) {
	p.decisions.WithLabelValues(status).Inc()
}

func (p *PrometheusSink) RecordJudgeSkipped(_ context.Context, unitType string) {
	p.judgeSkips.WithLabelValues(unitType).Inc()
}

package judge

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fyrsmithlabs/cardline/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/cardline/internal/judge"

// SkipReasonNoScorer is recorded when no scoring collaborator is configured.
const SkipReasonNoScorer = "no scoring collaborator configured"

// Artifact is what gets scored.
type Artifact struct {
	UnitID   string `json:"unit_id"`
	UnitType string `json:"unit_type"`
	Content  string `json:"content"`
	Claim    string `json:"claim,omitempty"`
}

// Scorer produces one Score per rubric criterion.
type Scorer interface {
	Score(ctx context.Context, rubric Rubric, artifact Artifact) ([]Score, error)
}

// Feedback explains an evaluation.
type Feedback struct {
	Summary    string   `json:"summary"`
	Strengths  []string `json:"strengths,omitempty"`
	Weaknesses []string `json:"weaknesses,omitempty"`

	// Priorities lists criteria to improve, largest weighted gap first.
	Priorities []string `json:"improvement_priorities,omitempty"`

	RemediationRequired bool `json:"remediation_required"`
}

// Metadata records how an evaluation was produced.
type Metadata struct {
	Skipped     bool      `json:"skipped"`
	SkipReason  string    `json:"skip_reason,omitempty"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Evaluation is the judge's verdict on one artifact.
type Evaluation struct {
	RubricID      string   `json:"rubric_id"`
	Scores        []Score  `json:"scores,omitempty"`
	WeightedScore float64  `json:"weighted_score"`
	Threshold     float64  `json:"threshold"`
	Passed        bool     `json:"passed"`
	Feedback      Feedback `json:"feedback"`
	Metadata      Metadata `json:"metadata"`
}

// Option configures a Judge.
type Option func(*Judge)

// WithMetrics counts skipped evaluations.
func WithMetrics(sink metrics.Sink) Option {
	return func(j *Judge) { j.metrics = sink }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(j *Judge) { j.tracer = tp.Tracer(instrumentationName) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(j *Judge) { j.now = now }
}

// Judge evaluates artifacts with the rubric registered for their type.
type Judge struct {
	registry *Registry
	scorer   Scorer
	logger   *zap.Logger
	metrics  metrics.Sink
	tracer   trace.Tracer
	now      func() time.Time
}

// New creates a judge. scorer may be nil, in which case every evaluation
// is skipped and passes.
func New(registry *Registry, scorer Scorer, logger *zap.Logger, opts ...Option) (*Judge, error) {
	if registry == nil {
		return nil, fmt.Errorf("judge: registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	j := &Judge{
		registry: registry,
		scorer:   scorer,
		logger:   logger,
		metrics:  metrics.Nop{},
		tracer:   otel.Tracer(instrumentationName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Evaluate scores artifact against the rubric for unitType. A missing rubric
// or a scorer failure is an error; a failing score is not.
func (j *Judge) Evaluate(ctx context.Context, unitType string, artifact Artifact) (_ *Evaluation, err error) {
	ctx, span := j.tracer.Start(ctx, "judge.evaluate", trace.WithAttributes(
		attribute.String("unit.id", artifact.UnitID),
		attribute.String("unit.type", unitType),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	rubric, err := j.registry.For(unitType)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("rubric.id", rubric.ID))

	if j.scorer == nil {
		j.metrics.RecordJudgeSkipped(ctx, unitType)
		j.logger.Warn("quality evaluation skipped",
			zap.String("unit_id", artifact.UnitID),
			zap.String("rubric_id", rubric.ID),
			zap.String("reason", SkipReasonNoScorer))
		span.SetAttributes(attribute.Bool("judge.skipped", true))
		return &Evaluation{
			RubricID:  rubric.ID,
			Threshold: rubric.PassingThreshold,
			Passed:    true,
			Feedback: Feedback{
				Summary: "quality evaluation skipped: " + SkipReasonNoScorer,
			},
			Metadata: Metadata{
				Skipped:     true,
				SkipReason:  SkipReasonNoScorer,
				EvaluatedAt: j.now().UTC(),
			},
		}, nil
	}

	scores, err := j.scorer.Score(ctx, rubric, artifact)
	if err != nil {
		return nil, fmt.Errorf("judge: scoring %s: %w", artifact.UnitID, err)
	}
	eval, err := Assess(rubric, scores)
	if err != nil {
		return nil, err
	}
	eval.Metadata.EvaluatedAt = j.now().UTC()

	span.SetAttributes(
		attribute.Float64("judge.weighted_score", eval.WeightedScore),
		attribute.Bool("judge.passed", eval.Passed))
	j.logger.Debug("quality evaluated",
		zap.String("unit_id", artifact.UnitID),
		zap.String("rubric_id", rubric.ID),
		zap.Float64("weighted_score", eval.WeightedScore),
		zap.Bool("passed", eval.Passed))
	return eval, nil
}

// Assess turns scores into an evaluation against rubric.
func Assess(rubric Rubric, scores []Score) (*Evaluation, error) {
	weighted, err := WeightedScore(rubric, scores)
	if err != nil {
		return nil, err
	}
	byName, _ := matchScores(rubric, scores)

	eval := &Evaluation{
		RubricID:      rubric.ID,
		WeightedScore: weighted,
		Threshold:     rubric.PassingThreshold,
		Passed:        weighted >= rubric.PassingThreshold,
	}
	// Scores are reported in rubric order.
	for _, c := range rubric.Criteria {
		eval.Scores = append(eval.Scores, byName[c.Name])
	}
	eval.Feedback = feedback(rubric, byName, eval)
	return eval, nil
}

func feedback(rubric Rubric, byName map[string]Score, eval *Evaluation) Feedback {
	var fb Feedback
	type gap struct {
		name string
		size float64
	}
	var gaps []gap

	for _, c := range rubric.Criteria {
		s := byName[c.Name]
		line := fmt.Sprintf("%s: %.1f/10", c.Name, s.Value)
		if s.Justification != "" {
			line += " - " + s.Justification
		}
		if s.Value >= rubric.PassingThreshold {
			fb.Strengths = append(fb.Strengths, line)
			continue
		}
		fb.Weaknesses = append(fb.Weaknesses, line)
		gaps = append(gaps, gap{name: c.Name, size: (MaxScore - s.Value) * c.Weight})
	}

	if eval.Passed {
		fb.Summary = fmt.Sprintf("score %.2f meets threshold %.2f", eval.WeightedScore, eval.Threshold)
		fb.Weaknesses = nil
		return fb
	}

	sort.SliceStable(gaps, func(i, j int) bool { return gaps[i].size > gaps[j].size })
	for _, g := range gaps {
		fb.Priorities = append(fb.Priorities, g.name)
	}
	fb.Strengths = nil
	fb.RemediationRequired = true
	fb.Summary = fmt.Sprintf("score %.2f below threshold %.2f; remediation required before resubmission",
		eval.WeightedScore, eval.Threshold)
	return fb
}

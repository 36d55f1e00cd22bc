package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/cardline/internal/checkpoint"
	"github.com/fyrsmithlabs/cardline/internal/collab"
	"github.com/fyrsmithlabs/cardline/internal/debugging"
	"github.com/fyrsmithlabs/cardline/internal/decision"
	"github.com/fyrsmithlabs/cardline/internal/dispatcher"
	"github.com/fyrsmithlabs/cardline/internal/evidence"
	"github.com/fyrsmithlabs/cardline/internal/judge"
	"github.com/fyrsmithlabs/cardline/internal/logging"
	"github.com/fyrsmithlabs/cardline/internal/progress"
	"github.com/fyrsmithlabs/cardline/internal/report"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/cardline/internal/pipeline"

// Deps are the components a Runner drives. Publisher and Detector are
// optional.
type Deps struct {
	Store     checkpoint.Store
	Generator collab.Generator
	Collector collab.EvidenceCollector
	Validator *evidence.Validator
	Judge     *judge.Judge
	Debugger  *debugging.Machine
	Decider   *decision.Engine
	Publisher report.Publisher
	Detector  *progress.Detector
}

// Option configures a Runner.
type Option func(*Runner)

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Runner) { r.tracer = tp.Tracer(instrumentationName) }
}

// withStageHook runs fn before every stage. Tests use it to inject crashes.
func withStageHook(fn func(stage string) error) Option {
	return func(r *Runner) { r.hook = fn }
}

// Runner executes units stage by stage.
type Runner struct {
	deps   Deps
	logger *logging.Logger
	tracer trace.Tracer
	stats  Stats
	hook   func(stage string) error
}

// NewRunner checks deps and builds a runner.
func NewRunner(deps Deps, logger *logging.Logger, opts ...Option) (*Runner, error) {
	var missing []string
	if deps.Store == nil {
		missing = append(missing, "store")
	}
	if deps.Generator == nil {
		missing = append(missing, "generator")
	}
	if deps.Collector == nil {
		missing = append(missing, "evidence collector")
	}
	if deps.Validator == nil {
		missing = append(missing, "validator")
	}
	if deps.Judge == nil {
		missing = append(missing, "judge")
	}
	if deps.Debugger == nil {
		missing = append(missing, "debugger")
	}
	if deps.Decider == nil {
		missing = append(missing, "decider")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("pipeline: missing dependencies: %v", missing)
	}
	if deps.Publisher == nil {
		deps.Publisher = report.NewLogPublisher(nil)
	}
	if deps.Detector == nil {
		deps.Detector = progress.NewDetector()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	r := &Runner{
		deps:   deps,
		logger: logger.Named("pipeline"),
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Stats returns the runner's aggregate counters.
func (r *Runner) Stats() *Stats {
	return &r.stats
}

// Process runs task's unit to completion. It is a dispatcher.Handler.
func (r *Runner) Process(ctx context.Context, task dispatcher.Task) error {
	ctx = logging.WithUnit(ctx, task.UnitID)
	ctx = logging.WithAttempt(ctx, task.Attempt)

	st, err := r.Begin(ctx, task)
	if err != nil {
		r.stats.failed.Add(1)
		return forDispatcher(err)
	}
	for !st.Done() {
		if err := r.Step(ctx, st); err != nil {
			r.stats.failed.Add(1)
			return forDispatcher(err)
		}
	}
	return nil
}

// Begin resumes task's unit from its checkpoint, or starts it fresh.
func (r *Runner) Begin(ctx context.Context, task dispatcher.Task) (*UnitState, error) {
	st, cp, err := r.load(ctx, task)
	if err != nil || cp == nil {
		return st, err
	}
	r.stats.resumed.Add(1)
	r.logger.Info(ctx, "resuming unit from checkpoint",
		zap.String("completed_stage", cp.Stage),
		zap.String("next_stage", st.Unit.Stage),
		zap.Time("checkpointed_at", cp.Timestamp))
	return st, nil
}

// Advance loads task's unit and runs exactly one stage, returning the stage
// it ran and the state after it. It serves drivers that keep the stage loop
// themselves, like the Temporal workflow, and rely on the checkpoint to
// carry state between calls.
func (r *Runner) Advance(ctx context.Context, task dispatcher.Task) (string, *UnitState, error) {
	ctx = logging.WithUnit(ctx, task.UnitID)
	ctx = logging.WithAttempt(ctx, task.Attempt)

	st, _, err := r.load(ctx, task)
	if err != nil {
		return "", nil, err
	}
	stage := st.Unit.Stage
	if err := r.Step(ctx, st); err != nil {
		return stage, nil, err
	}
	return stage, st, nil
}

func (r *Runner) load(ctx context.Context, task dispatcher.Task) (*UnitState, *checkpoint.Checkpoint, error) {
	cp, err := r.deps.Store.Load(ctx, task.UnitID)
	if err != nil {
		return nil, nil, newStageError(task.UnitID, "resume", err)
	}
	if cp == nil {
		u, err := DecodeUnit(task)
		if err != nil {
			return nil, nil, newStageError(task.UnitID, StageGenerate, err)
		}
		return NewUnitState(u), nil, nil
	}

	var st UnitState
	if err := cp.Decode(&st); err != nil {
		return nil, nil, newStageError(task.UnitID, "resume", err)
	}
	st.Unit.Attempt = task.Attempt
	return &st, cp, nil
}

// Step runs the unit's current stage and persists the result. After an
// error st may be partially updated; callers discard it and resume from the
// checkpoint.
func (r *Runner) Step(ctx context.Context, st *UnitState) (err error) {
	stage := st.Unit.Stage
	unitID := st.Unit.ID
	ctx = logging.WithStage(ctx, stage)
	ctx, span := r.tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(
		attribute.String("unit.id", unitID),
		attribute.String("unit.stage", stage),
		attribute.Int("unit.revision", st.Revision),
	))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if r.hook != nil {
		if err := r.hook(stage); err != nil {
			return newStageError(unitID, stage, err)
		}
	}

	switch stage {
	case StageGenerate:
		err = r.generate(ctx, st)
	case StageCollect:
		err = r.collect(ctx, st)
	case StageValidate:
		err = r.validate(ctx, st)
	case StageScore:
		err = r.score(ctx, st)
	case StageDecide:
		err = r.decide(ctx, st)
	case StageDebug:
		err = r.debug(ctx, st)
	case StageComplete:
		err = r.complete(ctx, st)
	default:
		err = fmt.Errorf("%w: %q", checkpoint.ErrUnknownStage, stage)
	}
	if err != nil {
		se := newStageError(unitID, stage, err)
		r.logger.Warn(ctx, "stage failed",
			zap.String("severity", string(se.Severity)),
			zap.Error(err))
		return se
	}

	if !st.Done() {
		if err := r.deps.Store.Save(ctx, unitID, stage, st); err != nil {
			return newStageError(unitID, stage, fmt.Errorf("saving checkpoint: %w", err))
		}
	}

	span.SetAttributes(attribute.String("unit.next_stage", st.Unit.Stage))
	r.logger.Debug(ctx, "stage completed",
		zap.String("next_stage", st.Unit.Stage),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// isDefect reports whether d rejected the artifact for failing evidence,
// the one rejection a debugging session can address.
func isDefect(d decision.Decision, v evidence.Result) bool {
	return d.Status == decision.StatusRejected && d.Rule == decision.RuleEvidence && len(v.Failures) > 0
}

var errNoArtifact = errors.New("generator returned no artifact")

// Discard deletes unitID's checkpoint. Units that leave the stage loop for
// manual review are terminal and must not resume from stale state.
func (r *Runner) Discard(ctx context.Context, unitID string) error {
	if err := r.deps.Store.Delete(ctx, unitID); err != nil {
		return fmt.Errorf("deleting checkpoint for %s: %w", unitID, err)
	}
	return nil
}

// ReviewSink wraps next so that a unit's checkpoint is discarded once next
// has accepted it for manual review. A failed submission keeps the
// checkpoint.
func (r *Runner) ReviewSink(next dispatcher.ManualReviewSink) dispatcher.ManualReviewSink {
	return &reviewSink{runner: r, next: next}
}

type reviewSink struct {
	runner *Runner
	next   dispatcher.ManualReviewSink
}

func (s *reviewSink) Submit(ctx context.Context, task dispatcher.Task, reason string) error {
	if err := s.next.Submit(ctx, task, reason); err != nil {
		return err
	}
	// The review already holds the unit, so a stale checkpoint is only logged.
	if err := s.runner.Discard(ctx, task.UnitID); err != nil {
		s.runner.logger.Warn(logging.WithUnit(ctx, task.UnitID), "checkpoint kept after manual review", zap.Error(err))
	}
	return nil
}

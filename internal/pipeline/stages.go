package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/cardline/internal/collab"
	"github.com/fyrsmithlabs/cardline/internal/debugging"
	"github.com/fyrsmithlabs/cardline/internal/decision"
	"github.com/fyrsmithlabs/cardline/internal/judge"
	"github.com/fyrsmithlabs/cardline/internal/progress"
	"go.uber.org/zap"
)

func (r *Runner) generate(ctx context.Context, st *UnitState) error {
	a, err := r.deps.Generator.Generate(ctx, collab.GenerateRequest{
		UnitID:       st.Unit.ID,
		UnitType:     st.Unit.Type,
		Requirements: st.Unit.Requirements,
		Feedback:     st.Feedback,
		Revision:     st.Revision,
	})
	if err != nil {
		return fmt.Errorf("generating artifact: %w", err)
	}
	if a == nil {
		return errNoArtifact
	}
	st.Artifact = a
	r.track(ctx, st, a.Log)
	st.Unit.Stage = StageCollect
	return nil
}

func (r *Runner) collect(ctx context.Context, st *UnitState) error {
	bundle, err := r.deps.Collector.Collect(ctx, collab.EvidenceRequest{
		UnitID: st.Unit.ID,
		Ref:    st.Artifact.Ref,
		Diff:   st.Artifact.Diff,
	})
	if err != nil {
		return fmt.Errorf("collecting evidence: %w", err)
	}
	if bundle.Diff == "" {
		bundle.Diff = st.Artifact.Diff
	}
	st.Evidence = &bundle
	st.Unit.Stage = StageValidate
	return nil
}

func (r *Runner) validate(ctx context.Context, st *UnitState) error {
	res := r.deps.Validator.Validate(st.Artifact.Claim, *st.Evidence)
	st.Validation = &res
	st.Evaluation = nil

	// A rejected claim is decided on evidence alone; scoring it would spend
	// a collaborator call the decision cannot use.
	if !res.Approved {
		r.logger.Info(ctx, "evidence rejected", zap.Strings("reasons", res.Reasons()))
		st.Unit.Stage = StageDecide
		return nil
	}
	st.Unit.Stage = StageScore
	return nil
}

func (r *Runner) score(ctx context.Context, st *UnitState) error {
	eval, err := r.deps.Judge.Evaluate(ctx, st.Unit.Type, judge.Artifact{
		UnitID:   st.Unit.ID,
		UnitType: st.Unit.Type,
		Content:  st.Artifact.Diff,
		Claim:    st.Artifact.Claim,
	})
	if err != nil {
		return fmt.Errorf("scoring artifact: %w", err)
	}
	if eval.Metadata.Skipped {
		r.stats.judgeSkipped.Add(1)
	}
	st.Evaluation = eval
	st.Unit.Stage = StageDecide
	return nil
}

func (r *Runner) decide(ctx context.Context, st *UnitState) error {
	if st.Validation == nil {
		return fmt.Errorf("%w: decide reached without validation", ErrInvalidUnit)
	}

	if s := st.Debug; s != nil && !s.FixAccepted && !s.Escalated &&
		st.Validation.Approved && st.Evaluation != nil && st.Evaluation.Passed {
		if err := r.deps.Debugger.AcceptFix(s); err != nil {
			r.logger.Warn(ctx, "fix candidate passed but could not be accepted", zap.Error(err))
		}
	}

	prelim := decision.Decide(*st.Validation, st.Evaluation, st.debugOutcome())
	if isDefect(prelim, *st.Validation) {
		switch s := st.Debug; {
		case s == nil:
			st.Feedback = prelim.Reasons
			st.Unit.Stage = StageDebug
			return nil
		case !s.Escalated && !s.FixAccepted:
			// The fix candidate went back through validation and failed.
			if !r.deps.Debugger.RecordFailedFix(s, strings.Join(prelim.Reasons, "; ")) {
				st.Feedback = prelim.Reasons
				st.Unit.Stage = StageDebug
				return nil
			}
		}
	}

	d := r.deps.Decider.Decide(ctx, st.Unit.ID, *st.Validation, st.Evaluation, st.debugOutcome())
	st.Decision = &d
	st.Unit.Stage = StageComplete
	return nil
}

// debug runs one fix attempt through all four phases. A candidate that
// clears phase 4 replaces the artifact and goes back to evidence
// collection; one that does not counts as a failed fix.
func (r *Runner) debug(ctx context.Context, st *UnitState) error {
	m := r.deps.Debugger
	if st.Debug == nil {
		st.Debug = m.NewSession(st.Unit.ID + "-bug")
	}
	r.stats.debugRuns.Add(1)

	res, err := m.Enter(ctx, st.Debug, debugging.PhaseInvestigation, debugging.Input{
		ErrorEvidence: failureEvidence(st),
	})
	if errors.Is(err, debugging.ErrEscalated) {
		st.Unit.Stage = StageDecide
		return nil
	}
	if err != nil {
		return err
	}
	if res.Rejected {
		r.failFix(ctx, st, res.RejectReason)
		return nil
	}

	a, err := r.deps.Generator.Generate(ctx, collab.GenerateRequest{
		UnitID:       st.Unit.ID,
		UnitType:     st.Unit.Type,
		Requirements: st.Unit.Requirements,
		Feedback:     st.Feedback,
		Revision:     st.Revision + 1,
		Debug: &collab.DebugContext{
			BugID:     st.Debug.BugID,
			Evidence:  res.Investigation.Evidence,
			RootCause: res.Investigation.RootCause,
			Clues:     res.Investigation.Clues,
			Checklist: res.Checklist,
		},
	})
	if err != nil {
		return fmt.Errorf("generating fix candidate: %w", err)
	}
	if a == nil {
		return errNoArtifact
	}
	if a.Fix == nil {
		r.failFix(ctx, st, "fix candidate carried no hypothesis")
		return nil
	}

	steps := []struct {
		phase debugging.Phase
		in    debugging.Input
	}{
		{debugging.PhasePatternAnalysis, debugging.Input{WorkingCode: a.Diff, BrokenCode: st.Artifact.Diff}},
		{debugging.PhaseHypothesis, debugging.Input{Hypothesis: a.Fix.Hypothesis, MinimalChange: a.Fix.MinimalChange}},
		{debugging.PhaseImplementation, debugging.Input{TestCase: a.Fix.TestCase}},
	}
	for _, step := range steps {
		res, err := m.Enter(ctx, st.Debug, step.phase, step.in)
		if err != nil {
			return err
		}
		if res.Rejected || res.ForcedPhase1 {
			reason := res.RejectReason
			if reason == "" {
				reason = "phase " + step.phase.String() + " prerequisites missing"
			}
			r.failFix(ctx, st, reason)
			return nil
		}
	}

	r.logger.Info(ctx, "fix candidate ready for validation",
		zap.String("bug_id", st.Debug.BugID),
		zap.String("root_cause", st.Debug.RootCause()),
		zap.Int("revision", st.Revision+1))
	st.Revision++
	st.Artifact = a
	st.Evidence = nil
	st.Validation = nil
	st.Evaluation = nil
	r.track(ctx, st, a.Log)
	st.Unit.Stage = StageCollect
	return nil
}

// failFix counts a failed fix attempt. Escalation sends the unit to its
// decision; otherwise another attempt follows.
func (r *Runner) failFix(ctx context.Context, st *UnitState, reason string) {
	r.logger.Info(ctx, "fix attempt rejected", zap.String("reason", reason))
	if r.deps.Debugger.RecordFailedFix(st.Debug, reason) {
		st.Unit.Stage = StageDecide
		return
	}
	st.Unit.Stage = StageDebug
}

func (r *Runner) complete(ctx context.Context, st *UnitState) error {
	d := st.Decision
	if d == nil {
		return fmt.Errorf("%w: complete reached without decision", ErrInvalidUnit)
	}
	if err := r.deps.Publisher.PublishDecision(ctx, *d); err != nil {
		return fmt.Errorf("publishing decision: %w", err)
	}
	if err := r.deps.Store.Delete(ctx, st.Unit.ID); err != nil {
		return fmt.Errorf("deleting checkpoint: %w", err)
	}

	r.stats.processed.Add(1)
	switch d.Status {
	case decision.StatusApproved:
		r.stats.approved.Add(1)
	case decision.StatusRejected:
		r.stats.rejected.Add(1)
	case decision.StatusEscalated:
		r.stats.escalated.Add(1)
	}
	r.logger.Info(ctx, "unit completed",
		zap.String("status", string(d.Status)),
		zap.String("next_action", d.NextAction),
		zap.Float64("weighted_score", d.WeightedScore),
		zap.Int("revision", st.Revision))
	st.Unit.Stage = stageDone
	return nil
}

// track feeds log into the unit's milestone and publishes the snapshot.
// Progress is advisory, so failures are logged and otherwise ignored.
func (r *Runner) track(ctx context.Context, st *UnitState, log string) {
	if st.Unit.Milestone == nil || strings.TrimSpace(log) == "" {
		return
	}
	tr, err := progress.NewTracker(st.Unit.Milestone, r.deps.Detector)
	if err != nil {
		r.logger.Warn(ctx, "progress tracking disabled", zap.Error(err))
		return
	}
	if st.Progress != nil {
		tr.Restore(*st.Progress)
	}
	tr.Ingest(log)
	snap := tr.Snapshot()
	st.Progress = &snap
	if err := r.deps.Publisher.PublishProgress(ctx, st.Unit.ID, snap); err != nil {
		r.logger.Warn(ctx, "publishing progress failed", zap.Error(err))
	}
}

// failureEvidence is the error evidence handed to the investigation: the
// validator's failures followed by the raw output behind them.
func failureEvidence(st *UnitState) string {
	var parts []string
	if st.Validation != nil {
		parts = append(parts, st.Validation.Failures...)
	}
	if b := st.Evidence; b != nil {
		if b.TestOutput != nil {
			parts = append(parts, *b.TestOutput)
		}
		if b.BuildOutput != nil {
			parts = append(parts, *b.BuildOutput)
		}
		if b.LintOutput != nil {
			parts = append(parts, *b.LintOutput)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

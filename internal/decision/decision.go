// Package decision merges validation, quality and debugging outcomes into
// one terminal verdict per unit.
//
// Rules are applied in a fixed priority order and the first that fires
// decides:
//
//  0. debugging escalated           -> escalated, manual_review
//  1. evidence not approved         -> rejected, create_correction_card
//  2. quality not passed            -> rejected, revise_and_resubmit
//  3. debugging ran, fix not taken  -> rejected, create_correction_card
//  4. otherwise                     -> approved, proceed_to_next_stage
//
// Evidence always outranks quality, so a high score can never approve a
// unit whose evidence is missing or failing.
package decision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/cardline/internal/debugging"
	"github.com/fyrsmithlabs/cardline/internal/evidence"
	"github.com/fyrsmithlabs/cardline/internal/judge"
	"github.com/fyrsmithlabs/cardline/internal/metrics"
	"go.uber.org/zap"
)

// Status is the verdict.
type Status string

const (
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusEscalated Status = "escalated"
)

// Next actions.
const (
	NextProceed        = "proceed_to_next_stage"
	NextCorrectionCard = "create_correction_card"
	NextReviseResubmit = "revise_and_resubmit"
	NextManualReview   = "manual_review"
)

// Rule identifies which rule produced a decision.
type Rule int

const (
	RuleEscalated Rule = iota
	RuleEvidence
	RuleQuality
	RuleDebugging
	RuleApproved
)

// Decision is the terminal outcome for a unit.
type Decision struct {
	UnitID        string    `json:"unit_id,omitempty"`
	Status        Status    `json:"status"`
	WeightedScore float64   `json:"weighted_score"`
	Reasons       []string  `json:"reasons"`
	NextAction    string    `json:"next_action"`
	Rule          Rule      `json:"rule"`
	DecidedAt     time.Time `json:"decided_at"`
}

// Decide applies the rules. evaluation may be nil only when quality was
// never assessed, which is treated as not passed; debug is nil when no
// debugging session ran.
func Decide(validation evidence.Result, evaluation *judge.Evaluation, debug *debugging.Outcome) Decision {
	var d Decision
	if evaluation != nil {
		d.WeightedScore = evaluation.WeightedScore
	}

	switch {
	case debug != nil && debug.Escalated:
		d.Status = StatusEscalated
		d.Rule = RuleEscalated
		d.NextAction = NextManualReview
		d.Reasons = []string{
			fmt.Sprintf("debugging escalated after %d failed fix attempt(s)", debug.Attempts),
			"root cause: " + debug.RootCause,
		}

	case !validation.Approved:
		d.Status = StatusRejected
		d.Rule = RuleEvidence
		d.NextAction = NextCorrectionCard
		d.Reasons = validation.Reasons()
		if len(d.Reasons) == 0 {
			d.Reasons = []string{"evidence not approved"}
		}

	case evaluation == nil:
		d.Status = StatusRejected
		d.Rule = RuleQuality
		d.NextAction = NextReviseResubmit
		d.Reasons = []string{"quality evaluation missing"}

	case !evaluation.Passed:
		d.Status = StatusRejected
		d.Rule = RuleQuality
		d.NextAction = NextReviseResubmit
		d.Reasons = qualityReasons(evaluation)

	case debug != nil && !debug.FixAccepted:
		d.Status = StatusRejected
		d.Rule = RuleDebugging
		d.NextAction = NextCorrectionCard
		d.Reasons = []string{
			fmt.Sprintf("debugging fix for %s not accepted after the four-phase protocol", debug.BugID),
			"root cause: " + debug.RootCause,
		}

	default:
		d.Status = StatusApproved
		d.Rule = RuleApproved
		d.NextAction = NextProceed
		d.Reasons = []string{"evidence approved"}
		if evaluation.Metadata.Skipped {
			d.Reasons = append(d.Reasons, "quality evaluation skipped: "+evaluation.Metadata.SkipReason)
		} else {
			d.Reasons = append(d.Reasons, fmt.Sprintf("quality score %.2f meets threshold %.2f",
				evaluation.WeightedScore, evaluation.Threshold))
		}
		if debug != nil {
			d.Reasons = append(d.Reasons, "debugging fix accepted: "+debug.RootCause)
		}
	}
	return d
}

func qualityReasons(e *judge.Evaluation) []string {
	reasons := []string{
		fmt.Sprintf("quality score %.2f below threshold %.2f (rubric %s)", e.WeightedScore, e.Threshold, e.RubricID),
	}
	if e.Feedback.Summary != "" {
		reasons = append(reasons, e.Feedback.Summary)
	}
	for _, w := range e.Feedback.Weaknesses {
		reasons = append(reasons, "weakness: "+w)
	}
	if len(e.Feedback.Priorities) > 0 {
		reasons = append(reasons, "improve first: "+strings.Join(e.Feedback.Priorities, ", "))
	}
	return reasons
}

// Engine wraps Decide with logging and metrics.
type Engine struct {
	logger  *zap.Logger
	metrics metrics.Sink
	now     func() time.Time
}

// NewEngine creates an engine. sink may be nil.
func NewEngine(logger *zap.Logger, sink metrics.Sink) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Engine{logger: logger, metrics: sink, now: time.Now}
}

// Decide decides for unitID and records the outcome.
func (e *Engine) Decide(ctx context.Context, unitID string, validation evidence.Result, evaluation *judge.Evaluation, debug *debugging.Outcome) Decision {
	d := Decide(validation, evaluation, debug)
	d.UnitID = unitID
	d.DecidedAt = e.now().UTC()

	e.metrics.RecordDecision(ctx, string(d.Status))
	e.logger.Info("unit decided",
		zap.String("unit_id", unitID),
		zap.String("status", string(d.Status)),
		zap.String("next_action", d.NextAction),
		zap.Float64("weighted_score", d.WeightedScore),
		zap.Strings("reasons", d.Reasons))
	return d
}

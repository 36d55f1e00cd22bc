// Package workflows runs the card pipeline as a Temporal workflow.
//
// The workflow owns the stage loop and Temporal owns retries; each stage is
// one activity that resumes the unit from its checkpoint, runs the stage and
// checkpoints the result. Workflow history therefore stays small: only
// stage names and the final decision pass through it, never artifacts or
// evidence.
package workflows

import (
	"encoding/json"
	"time"

	"github.com/fyrsmithlabs/cardline/internal/decision"
	"github.com/fyrsmithlabs/cardline/internal/dispatcher"
)

// CardPipelineInput starts one unit.
type CardPipelineInput struct {
	UnitID  string          `json:"unit_id"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// MaxRetries bounds activity retries per stage. Zero uses
	// DefaultMaxRetries.
	MaxRetries int `json:"max_retries,omitempty"`
	// StageTimeout bounds a single stage. Zero uses DefaultStageTimeout.
	StageTimeout time.Duration `json:"stage_timeout,omitempty"`
}

// task converts the input for the runner. attempt is zero-based.
func (in CardPipelineInput) task(attempt int) dispatcher.Task {
	return dispatcher.Task{UnitID: in.UnitID, Payload: in.Payload, Attempt: attempt}
}

// CardPipelineResult is returned when the unit finishes, with or without a
// decision.
type CardPipelineResult struct {
	UnitID   string             `json:"unit_id"`
	Decision *decision.Decision `json:"decision,omitempty"`
	// Stages lists every stage run, in order, including debug loops.
	Stages []string `json:"stages"`
	// ManualReview is set when the unit failed and was handed to a person.
	ManualReview bool     `json:"manual_review"`
	Errors       []string `json:"errors,omitempty"`
}

// StepResult is what the step activity reports back to the workflow.
type StepResult struct {
	Stage    string             `json:"stage"`
	Next     string             `json:"next"`
	Done     bool               `json:"done"`
	Decision *decision.Decision `json:"decision,omitempty"`
}

// ReviewInput hands a failed unit to the manual review sink.
type ReviewInput struct {
	UnitID   string          `json:"unit_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Attempts int             `json:"attempts"`
	Reason   string          `json:"reason"`
}

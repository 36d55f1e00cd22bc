// Package pipeline walks a work unit through its stages:
//
//	generate -> collect_evidence -> validate -> score -> decide -> complete
//	                   ^                                   |
//	                   +------------- debug <--------------+
//
// Every stage boundary persists the unit's UnitState as a checkpoint, so a
// unit picked up again after a crash or a timeout resumes at the stage it
// had not yet finished and never repeats a completed collaborator call.
// The debug loop runs only when a decision flags a defect in the artifact
// and the debugging session still has fix attempts left.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/cardline/internal/collab"
	"github.com/fyrsmithlabs/cardline/internal/debugging"
	"github.com/fyrsmithlabs/cardline/internal/decision"
	"github.com/fyrsmithlabs/cardline/internal/dispatcher"
	"github.com/fyrsmithlabs/cardline/internal/evidence"
	"github.com/fyrsmithlabs/cardline/internal/judge"
	"github.com/fyrsmithlabs/cardline/internal/progress"
)

// Stage names, in the order a unit first meets them.
const (
	StageGenerate = "generate"
	StageCollect  = "collect_evidence"
	StageValidate = "validate"
	StageScore    = "score"
	StageDecide   = "decide"
	StageDebug    = "debug"
	StageComplete = "complete"

	// stageDone marks a finished unit. It is never checkpointed.
	stageDone = "done"
)

// Stages is the declared stage sequence checkpoint stores are built with.
var Stages = []string{StageGenerate, StageCollect, StageValidate, StageScore, StageDecide, StageDebug, StageComplete}

// ErrInvalidUnit is returned for task payloads that cannot become a unit.
var ErrInvalidUnit = errors.New("pipeline: invalid work unit")

// WorkUnit is decoded from the task payload.
type WorkUnit struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Requirements string `json:"requirements"`
	PayloadRef   string `json:"payload_ref,omitempty"`

	// Milestone, when present, is tracked from the generator's logs.
	Milestone *progress.Milestone `json:"milestone,omitempty"`

	// Stage is the next stage to run.
	Stage   string `json:"stage"`
	Attempt int    `json:"attempt"`
}

// DecodeUnit builds the unit for task. The payload's id, if set, must match
// the task's.
func DecodeUnit(task dispatcher.Task) (WorkUnit, error) {
	var u WorkUnit
	if len(task.Payload) > 0 && string(task.Payload) != "null" {
		if err := json.Unmarshal(task.Payload, &u); err != nil {
			return WorkUnit{}, fmt.Errorf("%w: %s: %v", ErrInvalidUnit, task.UnitID, err)
		}
	}
	switch {
	case u.ID == "":
		u.ID = task.UnitID
	case u.ID != task.UnitID:
		return WorkUnit{}, fmt.Errorf("%w: payload id %q does not match task %q", ErrInvalidUnit, u.ID, task.UnitID)
	}
	if u.ID == "" {
		return WorkUnit{}, fmt.Errorf("%w: missing id", ErrInvalidUnit)
	}
	if u.Milestone != nil {
		if err := u.Milestone.Validate(); err != nil {
			return WorkUnit{}, fmt.Errorf("%w: %s: %v", ErrInvalidUnit, u.ID, err)
		}
	}
	u.Stage = StageGenerate
	u.Attempt = task.Attempt
	return u, nil
}

// UnitState is the checkpoint payload: the unit plus one optional section
// per stage that has produced output.
type UnitState struct {
	Unit WorkUnit `json:"unit"`

	// Revision counts fix candidates that replaced the original artifact.
	Revision int      `json:"revision"`
	Feedback []string `json:"feedback,omitempty"`

	Artifact   *collab.Artifact   `json:"artifact,omitempty"`
	Evidence   *evidence.Bundle   `json:"evidence,omitempty"`
	Validation *evidence.Result   `json:"validation,omitempty"`
	Evaluation *judge.Evaluation  `json:"evaluation,omitempty"`
	Debug      *debugging.Session `json:"debug,omitempty"`
	Decision   *decision.Decision `json:"decision,omitempty"`
	Progress   *progress.Snapshot `json:"progress,omitempty"`
}

// NewUnitState starts a unit at its first stage.
func NewUnitState(u WorkUnit) *UnitState {
	u.Stage = StageGenerate
	return &UnitState{Unit: u}
}

// Done reports whether the unit has finished.
func (s *UnitState) Done() bool {
	return s.Unit.Stage == stageDone
}

// debugOutcome returns the session outcome, or nil when debugging never ran.
func (s *UnitState) debugOutcome() *debugging.Outcome {
	if s.Debug == nil {
		return nil
	}
	o := s.Debug.Outcome()
	return &o
}

package pipeline

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/cardline/internal/checkpoint"
	"github.com/fyrsmithlabs/cardline/internal/collab"
	"github.com/fyrsmithlabs/cardline/internal/dispatcher"
	"github.com/fyrsmithlabs/cardline/internal/judge"
)

// Severity says whether retrying a failed stage can help.
type Severity string

const (
	// SeverityTransient failures are retried by the dispatcher.
	SeverityTransient Severity = "transient"
	// SeverityPermanent failures go straight to manual review.
	SeverityPermanent Severity = "permanent"
)

// StageError is a failed stage.
type StageError struct {
	UnitID   string
	Stage    string
	Severity Severity
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage %s failed (%s): %v", e.UnitID, e.Stage, e.Severity, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// newStageError classifies err. Configuration problems, rejected requests
// and invalid input are permanent; anything else is assumed transient.
func newStageError(unitID, stage string, err error) *StageError {
	sev := SeverityTransient
	switch {
	case errors.Is(err, ErrInvalidUnit),
		errors.Is(err, collab.ErrRejected),
		errors.Is(err, judge.ErrUnknownRubric),
		errors.Is(err, checkpoint.ErrUnknownStage),
		errors.Is(err, checkpoint.ErrUnsupportedVersion),
		errors.Is(err, checkpoint.ErrCorrupt),
		errors.Is(err, checkpoint.ErrInvalidUnitID),
		dispatcher.IsPermanent(err):
		sev = SeverityPermanent
	}
	return &StageError{UnitID: unitID, Stage: stage, Severity: sev, Err: err}
}

// forDispatcher marks permanent stage errors so the pool skips retries.
func forDispatcher(err error) error {
	var se *StageError
	if errors.As(err, &se) && se.Severity == SeverityPermanent {
		return dispatcher.Permanent(err)
	}
	return err
}

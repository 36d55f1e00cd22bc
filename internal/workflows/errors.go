package workflows

import (
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"

	"github.com/fyrsmithlabs/cardline/internal/pipeline"
)

// Application error types carried across the activity boundary.
const (
	ErrTypePermanentStage = "PermanentStageError"
	ErrTypeTransientStage = "TransientStageError"
)

// toActivityError converts a runner error for Temporal. Permanent stage
// failures become non-retryable so the server stops scheduling attempts.
func toActivityError(err error) error {
	if err == nil {
		return nil
	}
	var se *pipeline.StageError
	if !errors.As(err, &se) {
		return err
	}
	if se.Severity == pipeline.SeverityPermanent {
		return temporal.NewNonRetryableApplicationError(se.Error(), ErrTypePermanentStage, se, se.Stage)
	}
	return temporal.NewApplicationErrorWithCause(se.Error(), ErrTypeTransientStage, se, se.Stage)
}

// isPermanent reports whether err, as seen by the workflow, came from a
// permanent stage failure.
func isPermanent(err error) bool {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.NonRetryable() || appErr.Type() == ErrTypePermanentStage
	}
	return false
}

// reviewReason renders err for the manual review record, matching the
// dispatcher's wording.
func reviewReason(err error, attempts int) string {
	if isPermanent(err) {
		return fmt.Sprintf("permanent failure: %v", rootMessage(err))
	}
	return fmt.Sprintf("retries exhausted after %d attempts: %v", attempts, rootMessage(err))
}

// rootMessage strips Temporal's activity wrapping down to the application
// error's message.
func rootMessage(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Error()
	}
	return err.Error()
}

// FormatErrorForResult formats an error for CardPipelineResult.Errors.
func FormatErrorForResult(operation string, err error) string {
	return fmt.Sprintf("%s: %v", operation, err)
}

package workflows

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	// DefaultMaxRetries is the per-stage retry budget, matching the
	// dispatcher pool's.
	DefaultMaxRetries = 3
	// DefaultStageTimeout bounds a single stage attempt.
	DefaultStageTimeout = 30 * time.Minute

	// maxSteps stops a unit that never reaches a decision. Debug loops are
	// bounded by the state machine, so this only trips on a bug.
	maxSteps = 100
)

// CardPipelineWorkflow drives one unit through the pipeline, one activity
// per stage, until a decision is published. A unit whose stage fails
// permanently or exhausts its retries is submitted for manual review and
// the workflow completes with ManualReview set.
func CardPipelineWorkflow(ctx workflow.Context, in CardPipelineInput) (*CardPipelineResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting card pipeline", "unit", in.UnitID)

	result := &CardPipelineResult{UnitID: in.UnitID}
	if err := in.Validate(); err != nil {
		result.Errors = append(result.Errors, FormatErrorForResult("validate_input", err))
		return result, temporal.NewNonRetryableApplicationError(err.Error(), "InvalidInput", err)
	}

	maxRetries := in.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}
	timeout := in.StageTimeout
	if timeout == 0 {
		timeout = DefaultStageTimeout
	}

	stageCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        int32(maxRetries + 1),
			NonRetryableErrorTypes: []string{ErrTypePermanentStage},
		},
	})

	var a *Activities
	for i := 0; i < maxSteps; i++ {
		var step StepResult
		if err := workflow.ExecuteActivity(stageCtx, a.Step, in).Get(ctx, &step); err != nil {
			result.Errors = append(result.Errors, FormatErrorForResult("stage", err))
			return submitForReview(ctx, in, result, reviewReason(err, maxRetries+1), maxRetries+1)
		}
		result.Stages = append(result.Stages, step.Stage)
		if step.Done {
			result.Decision = step.Decision
			if step.Decision != nil {
				logger.Info("Card pipeline complete",
					"unit", in.UnitID,
					"status", step.Decision.Status,
					"next_action", step.Decision.NextAction,
					"stages", len(result.Stages))
			}
			return result, nil
		}
	}

	reason := fmt.Sprintf("unit did not finish within %d stages", maxSteps)
	result.Errors = append(result.Errors, reason)
	return submitForReview(ctx, in, result, reason, 1)
}

func submitForReview(ctx workflow.Context, in CardPipelineInput, result *CardPipelineResult, reason string, attempts int) (*CardPipelineResult, error) {
	workflow.GetLogger(ctx).Warn("Submitting unit for manual review", "unit", in.UnitID, "reason", reason)

	reviewCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumAttempts:    5,
		},
	})

	var a *Activities
	err := workflow.ExecuteActivity(reviewCtx, a.SubmitReview, ReviewInput{
		UnitID:   in.UnitID,
		Payload:  in.Payload,
		Attempts: attempts,
		Reason:   reason,
	}).Get(ctx, nil)
	if err != nil {
		result.Errors = append(result.Errors, FormatErrorForResult("manual_review", err))
		return result, err
	}
	result.ManualReview = true
	return result, nil
}

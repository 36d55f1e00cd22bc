package workflows

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/cardline/internal/checkpoint"
	"github.com/fyrsmithlabs/cardline/internal/collab"
	"github.com/fyrsmithlabs/cardline/internal/debugging"
	"github.com/fyrsmithlabs/cardline/internal/decision"
	"github.com/fyrsmithlabs/cardline/internal/dispatcher"
	"github.com/fyrsmithlabs/cardline/internal/evidence"
	"github.com/fyrsmithlabs/cardline/internal/judge"
	"github.com/fyrsmithlabs/cardline/internal/logging"
	"github.com/fyrsmithlabs/cardline/internal/pipeline"
	"github.com/fyrsmithlabs/cardline/internal/report"
	"github.com/fyrsmithlabs/cardline/internal/telemetry"
)

type stubGenerator struct{}

func (stubGenerator) Generate(_ context.Context, req collab.GenerateRequest) (*collab.Artifact, error) {
	return &collab.Artifact{
		Ref:   req.UnitID + "-rev-0",
		Claim: "Added the retry budget. All tests pass.",
		Diff:  "+++ b/queue/retry.go\n+const budget = 3\n",
	}, nil
}

type stubCollector struct{}

func (stubCollector) Collect(context.Context, collab.EvidenceRequest) (evidence.Bundle, error) {
	return evidence.Bundle{
		TestOutput:      evidence.Text("12 passed, 0 failed"),
		CoveragePercent: evidence.Percent(91),
	}, nil
}

type goodScores struct{}

func (goodScores) Score(context.Context, judge.Rubric, judge.Artifact) ([]judge.Score, error) {
	return []judge.Score{{Criterion: "correctness", Value: 9}, {Criterion: "tests", Value: 9}}, nil
}

type reviewRecorder struct {
	mu      sync.Mutex
	reasons map[string]string
}

func (r *reviewRecorder) Submit(_ context.Context, task dispatcher.Task, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reasons == nil {
		r.reasons = make(map[string]string)
	}
	r.reasons[task.UnitID] = reason
	return nil
}

func newActivities(t *testing.T) (*Activities, *reviewRecorder, *telemetry.TestTelemetry, checkpoint.Store) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store, err := checkpoint.NewFileStore(t.TempDir(), pipeline.Stages, logger)
	require.NoError(t, err)
	validator, err := evidence.NewValidator(evidence.Config{}, logger)
	require.NoError(t, err)
	reg, err := judge.NewRegistry([]judge.Rubric{{
		ID:               "chore",
		UnitTypes:        []string{"chore"},
		PassingThreshold: 7,
		Criteria: []judge.Criterion{
			{Name: "correctness", Weight: 0.5},
			{Name: "tests", Weight: 0.5},
		},
	}}, logger)
	require.NoError(t, err)
	j, err := judge.New(reg, goodScores{}, logger)
	require.NoError(t, err)
	machine, err := debugging.NewMachine(logger)
	require.NoError(t, err)

	runner, err := pipeline.NewRunner(pipeline.Deps{
		Store:     store,
		Generator: stubGenerator{},
		Collector: stubCollector{},
		Validator: validator,
		Judge:     j,
		Debugger:  machine,
		Decider:   decision.NewEngine(logger, nil),
		Publisher: report.NewLogPublisher(logger),
	}, logging.Wrap(logger))
	require.NoError(t, err)

	tel := telemetry.NewTestTelemetry()
	review := &reviewRecorder{}
	acts, err := NewActivities(runner, review, logger, WithMeterProvider(tel.MeterProvider()))
	require.NoError(t, err)
	return acts, review, tel, store
}

func TestActivities_DriveRunnerToDecision(t *testing.T) {
	acts, review, tel, store := newActivities(t)

	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(CardPipelineWorkflow)
	env.RegisterActivity(acts)

	env.ExecuteWorkflow(CardPipelineWorkflow, CardPipelineInput{
		UnitID:  "card-21",
		Payload: []byte(`{"type":"chore","requirements":"bound the retry budget"}`),
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result CardPipelineResult
	require.NoError(t, env.GetWorkflowResult(&result))
	require.NotNil(t, result.Decision)
	assert.Equal(t, decision.StatusApproved, result.Decision.Status)
	assert.Equal(t, []string{
		pipeline.StageGenerate, pipeline.StageCollect, pipeline.StageValidate,
		pipeline.StageScore, pipeline.StageDecide, pipeline.StageComplete,
	}, result.Stages)
	assert.Empty(t, review.reasons)

	cp, err := store.Load(context.Background(), "card-21")
	require.NoError(t, err)
	assert.Nil(t, cp, "checkpoint is removed once the decision is published")
	assert.EqualValues(t, 1, tel.SumValue(t, "cardline.workflows.card_pipeline.completions"))
}

func TestActivities_InvalidPayloadGoesToReview(t *testing.T) {
	acts, review, tel, _ := newActivities(t)

	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(CardPipelineWorkflow)
	env.RegisterActivity(acts)

	env.ExecuteWorkflow(CardPipelineWorkflow, CardPipelineInput{
		UnitID:  "card-22",
		Payload: []byte(`{"id":"someone-else"}`),
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result CardPipelineResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.True(t, result.ManualReview)
	assert.Empty(t, result.Stages)
	assert.Contains(t, review.reasons["card-22"], "permanent failure")
	assert.EqualValues(t, 1, tel.SumValue(t, "cardline.workflows.activity.errors"))
	assert.EqualValues(t, 1, tel.SumValue(t, "cardline.workflows.card_pipeline.manual_reviews"))
}

func TestActivities_SubmitReviewDiscardsCheckpoint(t *testing.T) {
	acts, review, tel, store := newActivities(t)
	ctx := context.Background()

	st := pipeline.NewUnitState(pipeline.WorkUnit{ID: "card-23", Type: "chore", Stage: pipeline.StageCollect})
	require.NoError(t, store.Save(ctx, "card-23", pipeline.StageGenerate, st))

	require.NoError(t, acts.SubmitReview(ctx, ReviewInput{
		UnitID:   "card-23",
		Attempts: 4,
		Reason:   "retries exhausted after 4 attempts: collector offline",
	}))

	assert.Contains(t, review.reasons["card-23"], "collector offline")
	cp, err := store.Load(ctx, "card-23")
	require.NoError(t, err)
	assert.Nil(t, cp)
	assert.EqualValues(t, 1, tel.SumValue(t, "cardline.workflows.card_pipeline.manual_reviews"))
}

func TestNewActivities_RequiresDeps(t *testing.T) {
	_, err := NewActivities(nil, &reviewRecorder{}, nil)
	assert.Error(t, err)
}

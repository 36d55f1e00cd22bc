package judge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/cardline/internal/metrics"
	"github.com/fyrsmithlabs/cardline/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockScorer struct {
	mock.Mock
}

func (m *mockScorer) Score(ctx context.Context, rubric Rubric, artifact Artifact) ([]Score, error) {
	args := m.Called(ctx, rubric, artifact)
	scores, _ := args.Get(0).([]Score)
	return scores, args.Error(1)
}

type stubReasoner struct {
	out string
	err error
}

func (s stubReasoner) Generate(context.Context, string) (string, error) { return s.out, s.err }

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry([]Rubric{{
		ID:               "feature",
		UnitTypes:        []string{"feature"},
		PassingThreshold: 8.0,
		Criteria: []Criterion{
			{Name: "correctness", Weight: 0.4},
			{Name: "tests", Weight: 0.2},
			{Name: "clarity", Weight: 0.2},
			{Name: "scope", Weight: 0.2},
		},
	}}, nil)
	require.NoError(t, err)
	return reg
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestJudge_Passing(t *testing.T) {
	scorer := &mockScorer{}
	scorer.On("Score", mock.Anything, mock.Anything, mock.Anything).Return([]Score{
		{Criterion: "scope", Value: 7.0, Justification: "touches two modules"},
		{Criterion: "correctness", Value: 9.0},
		{Criterion: "tests", Value: 10.0},
		{Criterion: "clarity", Value: 8.0},
	}, nil)

	tt := telemetry.NewTestTelemetry()
	j, err := New(testRegistry(t), scorer, nil, WithClock(func() time.Time { return fixedNow }),
		WithTracerProvider(tt.TracerProvider()))
	require.NoError(t, err)

	eval, err := j.Evaluate(context.Background(), "feature", Artifact{UnitID: "card-1", Content: "diff"})
	require.NoError(t, err)

	assert.Equal(t, 8.6, eval.WeightedScore)
	assert.True(t, eval.Passed)
	assert.False(t, eval.Metadata.Skipped)
	assert.Equal(t, fixedNow, eval.Metadata.EvaluatedAt)
	assert.Equal(t, "correctness", eval.Scores[0].Criterion)
	assert.Len(t, eval.Feedback.Strengths, 3)
	assert.Empty(t, eval.Feedback.Weaknesses)
	assert.Empty(t, eval.Feedback.Priorities)
	assert.False(t, eval.Feedback.RemediationRequired)
	tt.AssertSpanExists(t, "judge.evaluate")
}

func TestJudge_FailingFeedbackOrdersPriorities(t *testing.T) {
	scorer := &mockScorer{}
	scorer.On("Score", mock.Anything, mock.Anything, mock.Anything).Return([]Score{
		{Criterion: "correctness", Value: 6.0},
		{Criterion: "tests", Value: 3.0},
		{Criterion: "clarity", Value: 9.0},
		{Criterion: "scope", Value: 7.0},
	}, nil)

	j, err := New(testRegistry(t), scorer, nil)
	require.NoError(t, err)

	eval, err := j.Evaluate(context.Background(), "feature", Artifact{UnitID: "card-2"})
	require.NoError(t, err)

	assert.False(t, eval.Passed)
	assert.InDelta(t, 6.2, eval.WeightedScore, 1e-9)
	// gaps: correctness 4*0.4=1.6, tests 7*0.2=1.4, scope 3*0.2=0.6
	assert.Equal(t, []string{"correctness", "tests", "scope"}, eval.Feedback.Priorities)
	assert.Len(t, eval.Feedback.Weaknesses, 3)
	assert.Empty(t, eval.Feedback.Strengths)
	assert.True(t, eval.Feedback.RemediationRequired)
	assert.Contains(t, eval.Feedback.Summary, "remediation required before resubmission")
}

func TestJudge_SkipsWithoutScorer(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := metrics.NewPrometheusSink(reg)

	j, err := New(testRegistry(t), nil, nil, WithMetrics(sink))
	require.NoError(t, err)

	eval, err := j.Evaluate(context.Background(), "feature", Artifact{UnitID: "card-3"})
	require.NoError(t, err)

	assert.True(t, eval.Passed)
	assert.Equal(t, 0.0, eval.WeightedScore)
	assert.True(t, eval.Metadata.Skipped)
	assert.Equal(t, SkipReasonNoScorer, eval.Metadata.SkipReason)
	n, err := testutil.GatherAndCount(reg, "cardline_judge_skipped_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestJudge_Errors(t *testing.T) {
	scorer := &mockScorer{}
	scorer.On("Score", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("upstream timeout")).Once()
	scorer.On("Score", mock.Anything, mock.Anything, mock.Anything).Return([]Score{{Criterion: "correctness", Value: 9}}, nil).Once()

	j, err := New(testRegistry(t), scorer, nil)
	require.NoError(t, err)

	_, err = j.Evaluate(context.Background(), "docs", Artifact{})
	assert.ErrorIs(t, err, ErrUnknownRubric)

	_, err = j.Evaluate(context.Background(), "feature", Artifact{UnitID: "card-4"})
	assert.ErrorContains(t, err, "upstream timeout")

	_, err = j.Evaluate(context.Background(), "feature", Artifact{UnitID: "card-4"})
	assert.ErrorIs(t, err, ErrCriteriaMismatch)

	_, err = New(nil, scorer, nil)
	assert.Error(t, err)
}

func TestLLMScorer(t *testing.T) {
	rubric, err := testRegistry(t).For("feature")
	require.NoError(t, err)

	s := NewLLMScorer(stubReasoner{out: "```json\n" + `{"scores":[
		{"criterion":"correctness","score":9,"justification":"handles edge cases"},
		{"criterion":"tests","score":10},
		{"criterion":"clarity","score":8},
		{"criterion":"scope","score":7}]}` + "\n```"})

	scores, err := s.Score(context.Background(), rubric, Artifact{UnitType: "feature", Content: "code"})
	require.NoError(t, err)
	require.Len(t, scores, 4)
	assert.Equal(t, "handles edge cases", scores[0].Justification)

	got, err := WeightedScore(rubric, scores)
	require.NoError(t, err)
	assert.Equal(t, 8.6, got)

	_, err = NewLLMScorer(stubReasoner{out: `{"scores":[{"criterion":"correctness","score":9}]}`}).
		Score(context.Background(), rubric, Artifact{})
	assert.ErrorIs(t, err, ErrCriteriaMismatch)

	_, err = NewLLMScorer(stubReasoner{out: "not json"}).Score(context.Background(), rubric, Artifact{})
	assert.Error(t, err)

	_, err = NewLLMScorer(stubReasoner{err: errors.New("quota")}).Score(context.Background(), rubric, Artifact{})
	assert.ErrorContains(t, err, "quota")
}

func TestBuildScoringPrompt(t *testing.T) {
	rubric, err := testRegistry(t).For("feature")
	require.NoError(t, err)

	p := buildScoringPrompt(rubric, Artifact{UnitType: "feature", Claim: "adds retries", Content: "body"})
	assert.Contains(t, p, "correctness (weight 0.40)")
	assert.Contains(t, p, "adds retries")
	assert.Contains(t, p, "body")
}

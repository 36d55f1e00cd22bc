package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/cardline/internal/checkpoint"
	"github.com/fyrsmithlabs/cardline/internal/collab"
	"github.com/fyrsmithlabs/cardline/internal/debugging"
	"github.com/fyrsmithlabs/cardline/internal/decision"
	"github.com/fyrsmithlabs/cardline/internal/dispatcher"
	"github.com/fyrsmithlabs/cardline/internal/evidence"
	"github.com/fyrsmithlabs/cardline/internal/judge"
	"github.com/fyrsmithlabs/cardline/internal/logging"
	"github.com/fyrsmithlabs/cardline/internal/progress"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeGenerator returns base for the first request and the next fix for
// each debug request.
type fakeGenerator struct {
	mu       sync.Mutex
	base     collab.Artifact
	fixes    []collab.Artifact
	err      error
	requests []collab.GenerateRequest
}

func (g *fakeGenerator) Generate(_ context.Context, req collab.GenerateRequest) (*collab.Artifact, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	if req.Debug == nil {
		a := g.base
		return &a, nil
	}
	n := req.Revision - 1
	if n >= len(g.fixes) {
		n = len(g.fixes) - 1
	}
	a := g.fixes[n]
	return &a, nil
}

func (g *fakeGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

// fakeCollector returns the bundle registered for an artifact ref.
type fakeCollector struct {
	mu      sync.Mutex
	bundles map[string]evidence.Bundle
	err     error
	seen    []string
}

func (c *fakeCollector) Collect(_ context.Context, req collab.EvidenceRequest) (evidence.Bundle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, req.Ref)
	if c.err != nil {
		return evidence.Bundle{}, c.err
	}
	b, ok := c.bundles[req.Ref]
	if !ok {
		return evidence.Bundle{}, fmt.Errorf("no evidence for %s", req.Ref)
	}
	return b, nil
}

type fixedScorer []judge.Score

func (f fixedScorer) Score(context.Context, judge.Rubric, judge.Artifact) ([]judge.Score, error) {
	return f, nil
}

var passingScores = fixedScorer{
	{Criterion: "correctness", Value: 9},
	{Criterion: "tests", Value: 10},
	{Criterion: "clarity", Value: 8},
	{Criterion: "scope", Value: 7},
}

// capturePublisher records everything published.
type capturePublisher struct {
	mu        sync.Mutex
	decisions []decision.Decision
	progress  []progress.Snapshot
	failNext  bool
}

func (p *capturePublisher) PublishDecision(_ context.Context, d decision.Decision) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext {
		p.failNext = false
		return errors.New("publish unavailable")
	}
	p.decisions = append(p.decisions, d)
	return nil
}

func (p *capturePublisher) PublishProgress(_ context.Context, _ string, snap progress.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress = append(p.progress, snap)
	return nil
}

type harness struct {
	runner *Runner
	store  checkpoint.Store
	gen    *fakeGenerator
	col    *fakeCollector
	pub    *capturePublisher
}

func newHarness(t *testing.T, gen *fakeGenerator, col *fakeCollector, scorer judge.Scorer, opts ...Option) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store, err := checkpoint.NewFileStore(t.TempDir(), Stages, logger)
	require.NoError(t, err)

	validator, err := evidence.NewValidator(evidence.Config{}, logger)
	require.NoError(t, err)

	reg, err := judge.NewRegistry([]judge.Rubric{{
		ID:               "feature",
		UnitTypes:        []string{"feature"},
		PassingThreshold: 8.0,
		Criteria: []judge.Criterion{
			{Name: "correctness", Weight: 0.4},
			{Name: "tests", Weight: 0.2},
			{Name: "clarity", Weight: 0.2},
			{Name: "scope", Weight: 0.2},
		},
	}}, logger)
	require.NoError(t, err)
	j, err := judge.New(reg, scorer, logger)
	require.NoError(t, err)

	machine, err := debugging.NewMachine(logger)
	require.NoError(t, err)

	pub := &capturePublisher{}
	r, err := NewRunner(Deps{
		Store:     store,
		Generator: gen,
		Collector: col,
		Validator: validator,
		Judge:     j,
		Debugger:  machine,
		Decider:   decision.NewEngine(logger, nil),
		Publisher: pub,
	}, logging.Wrap(logger), opts...)
	require.NoError(t, err)

	return &harness{runner: r, store: store, gen: gen, col: col, pub: pub}
}

const featurePayload = `{"type":"feature","requirements":"export reports as CSV"}`

// Artifacts and evidence for a unit whose first artifact has failing tests
// and whose first fix candidate is clean.
func defectiveUnit() (*fakeGenerator, *fakeCollector) {
	gen := &fakeGenerator{
		base: collab.Artifact{
			Ref:   "rev-0",
			Claim: "Implemented the CSV exporter. All tests pass.",
			Diff:  "+++ b/export/csv.go\n+func Write(rows []Row) error { return nil }\n",
		},
		fixes: []collab.Artifact{{
			Ref:   "rev-1",
			Claim: "Fixed the header row. All tests pass.",
			Diff:  "+++ b/export/csv.go\n+func Write(rows []Row) error { return writeHeader(rows) }\n",
			Fix: &collab.FixProposal{
				Hypothesis:    "the header row is never written",
				MinimalChange: "call writeHeader before the rows",
				TestCase:      "TestWrite_EmitsHeader",
			},
		}},
	}
	col := &fakeCollector{bundles: map[string]evidence.Bundle{
		"rev-0": {TestOutput: evidence.Text("3 passed, 2 failed\n--- FAIL: TestWrite_EmitsHeader")},
		"rev-1": {TestOutput: evidence.Text("5 passed, 0 failed"), CoveragePercent: evidence.Percent(85)},
	}}
	return gen, col
}

type recordingReview struct {
	mu      sync.Mutex
	err     error
	reasons map[string]string
}

func (r *recordingReview) Submit(_ context.Context, task dispatcher.Task, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.reasons == nil {
		r.reasons = make(map[string]string)
	}
	r.reasons[task.UnitID] = reason
	return nil
}

func (r *recordingReview) reason(unitID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reason, ok := r.reasons[unitID]
	return reason, ok
}

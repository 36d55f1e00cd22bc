// Package metrics records pipeline outcomes for the downstream metrics sink.
//
// Every processed task produces one Event ({request_id, latency, success}).
// Decisions and judge fail-open skips are counted separately so auditors
// can see how many approvals were granted without a quality score.
package metrics

import (
	"context"
	"time"
)

// Event is one task outcome.
type Event struct {
	RequestID string
	UnitID    string
	Latency   time.Duration
	Success   bool
}

// Sink receives pipeline measurements. Implementations must be safe for
// concurrent use by every worker.
type Sink interface {
	RecordTask(ctx context.Context, ev Event)
	RecordDecision(ctx context.Context, status string)
	RecordJudgeSkipped(ctx context.Context, unitType string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordTask(context.Context, Event)          {}
func (Nop) RecordDecision(context.Context, string)     {}
func (Nop) RecordJudgeSkipped(context.Context, string) {}

// Tee fans measurements out to several sinks.
type Tee []Sink

func (t Tee) RecordTask(ctx context.Context, ev Event) {
	for _, s := range t {
		s.RecordTask(ctx, ev)
	}
}

func (t Tee) RecordDecision(ctx context.Context, status string) {
	for _, s := range t {
		s.RecordDecision(ctx, status)
	}
}

func (t Tee) RecordJudgeSkipped(ctx context.Context, unitType string) {
	for _, s := range t {
		s.RecordJudgeSkipped(ctx, unitType)
	}
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

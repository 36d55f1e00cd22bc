// Package collab talks to the external collaborators that do the actual
// work: a generator that produces the unit's artifact and an evidence
// collector that runs tests, lint and build against it. Both are reached
// over NATS request/reply with a small JSON envelope.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/cardline/internal/evidence"
)

// ErrRejected marks a collaborator's refusal to handle a request. Retrying
// the same request will not help.
var ErrRejected = errors.New("collab: request rejected")

// GenerateRequest asks for a unit's artifact.
type GenerateRequest struct {
	UnitID       string `json:"unit_id"`
	UnitType     string `json:"unit_type"`
	Requirements string `json:"requirements"`

	// Feedback carries the reasons of a previous rejection, if any.
	Feedback []string `json:"feedback,omitempty"`

	// Revision counts regenerations of the same unit.
	Revision int `json:"revision"`

	// Debug is set when asking for a fix candidate.
	Debug *DebugContext `json:"debug,omitempty"`
}

// DebugContext is what the investigation found so far.
type DebugContext struct {
	BugID     string   `json:"bug_id"`
	Evidence  string   `json:"evidence"`
	RootCause string   `json:"root_cause,omitempty"`
	Clues     []string `json:"clues,omitempty"`
	Checklist []string `json:"checklist,omitempty"`
}

// Artifact is what a generator produces. The artifact bytes stay with the
// collaborator; only Ref and the texts needed for validation travel here.
type Artifact struct {
	Ref   string `json:"ref"`
	Claim string `json:"claim"`
	Diff  string `json:"diff,omitempty"`

	// Log is the free-text execution log. It feeds progress tracking only.
	Log string `json:"log,omitempty"`

	// Fix accompanies a fix candidate.
	Fix *FixProposal `json:"fix,omitempty"`
}

// FixProposal carries the hypothesis-driven parts of a fix candidate.
type FixProposal struct {
	Hypothesis    string `json:"hypothesis"`
	MinimalChange string `json:"minimal_change"`
	TestCase      string `json:"test_case"`
}

// EvidenceRequest asks for verification output for an artifact.
type EvidenceRequest struct {
	UnitID string `json:"unit_id"`
	Ref    string `json:"ref"`
	Diff   string `json:"diff,omitempty"`
}

// Generator produces artifacts.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*Artifact, error)
}

// EvidenceCollector gathers the evidence bundle for an artifact.
type EvidenceCollector interface {
	Collect(ctx context.Context, req EvidenceRequest) (evidence.Bundle, error)
}

// envelope is the reply format on every collaborator subject.
type envelope struct {
	OK bool `json:"ok"`

	// Rejected marks Error as not retryable.
	Rejected bool            `json:"rejected,omitempty"`
	Error    string          `json:"error,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

func (e envelope) err(subject string) error {
	if e.OK {
		return nil
	}
	msg := e.Error
	if msg == "" {
		msg = "unspecified error"
	}
	if e.Rejected {
		return fmt.Errorf("%w: %s: %s", ErrRejected, subject, msg)
	}
	return fmt.Errorf("collab: %s: %s", subject, msg)
}

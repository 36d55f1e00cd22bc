// Package debugging enforces a four-phase root-cause protocol on defect
// fixes: investigation, pattern analysis, hypothesis and implementation.
//
// A Session is a plain value owned by the caller (the pipeline stores it in
// the unit checkpoint, so attempt counts survive restarts). The Machine is
// the policy applied to it and holds no per-bug state.
package debugging

import (
	"errors"
	"fmt"
	"time"
)

// Phase is a protocol step, numbered from 1.
type Phase int

const (
	PhaseInvestigation   Phase = 1
	PhasePatternAnalysis Phase = 2
	PhaseHypothesis      Phase = 3
	PhaseImplementation  Phase = 4
)

func (p Phase) String() string {
	switch p {
	case PhaseInvestigation:
		return "investigation"
	case PhasePatternAnalysis:
		return "pattern_analysis"
	case PhaseHypothesis:
		return "hypothesis"
	case PhaseImplementation:
		return "implementation"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Valid reports whether p is one of the four phases.
func (p Phase) Valid() bool {
	return p >= PhaseInvestigation && p <= PhaseImplementation
}

var (
	// ErrInvalidPhase is returned for phases outside 1-4.
	ErrInvalidPhase = errors.New("debugging: invalid phase")

	// ErrEscalated is returned when work is attempted on an escalated
	// session.
	ErrEscalated = errors.New("debugging: session escalated")

	// ErrNoSession is returned for a nil session.
	ErrNoSession = errors.New("debugging: nil session")
)

// RejectWriteTestFirst is the rejection reason for phase 4 without a test.
const RejectWriteTestFirst = "write failing test first"

// Input carries whatever the caller has for the phase being entered.
type Input struct {
	// ErrorEvidence is logs or a stack trace (phase 1).
	ErrorEvidence string `json:"error_evidence,omitempty"`

	// WorkingCode and BrokenCode are compared in phase 2.
	WorkingCode string `json:"working_code,omitempty"`
	BrokenCode  string `json:"broken_code,omitempty"`

	// Hypothesis and MinimalChange are stated in phase 3.
	Hypothesis    string `json:"hypothesis,omitempty"`
	MinimalChange string `json:"minimal_change,omitempty"`

	// TestCase reproduces the defect (phase 4).
	TestCase string `json:"test_case,omitempty"`
}

// Investigation is the phase 1 artifact.
type Investigation struct {
	Evidence  string   `json:"evidence"`
	Clues     []string `json:"clues,omitempty"`
	RootCause string   `json:"root_cause,omitempty"`
	Assisted  bool     `json:"assisted"`
}

// PatternAnalysis is the phase 2 artifact.
type PatternAnalysis struct {
	Differences []string `json:"differences"`
}

// Hypothesis is the phase 3 artifact.
type Hypothesis struct {
	Statement     string `json:"statement"`
	MinimalChange string `json:"minimal_change"`
}

// Implementation is the phase 4 artifact.
type Implementation struct {
	TestCase string `json:"test_case"`
}

// Session is the debugging state of one bug.
type Session struct {
	BugID        string `json:"bug_id"`
	Phase        Phase  `json:"phase"`
	AttemptCount int    `json:"attempt_count"`
	Escalated    bool   `json:"escalated"`
	FixAccepted  bool   `json:"fix_accepted"`

	Investigation   *Investigation   `json:"investigation,omitempty"`
	PatternAnalysis *PatternAnalysis `json:"pattern_analysis,omitempty"`
	Hypothesis      *Hypothesis      `json:"hypothesis,omitempty"`
	Implementation  *Implementation  `json:"implementation,omitempty"`

	// FailedFixes records why each rejected fix failed.
	FailedFixes []string `json:"failed_fixes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession starts a session for bugID.
func NewSession(bugID string, now time.Time) *Session {
	return &Session{BugID: bugID, CreatedAt: now, UpdatedAt: now}
}

// RootCause is the best available root cause statement.
func (s *Session) RootCause() string {
	switch {
	case s.Hypothesis != nil && s.Hypothesis.Statement != "":
		return s.Hypothesis.Statement
	case s.Investigation != nil && s.Investigation.RootCause != "":
		return s.Investigation.RootCause
	}
	return "root cause not identified"
}

// Outcome summarizes the session for the decision engine.
func (s *Session) Outcome() Outcome {
	return Outcome{
		BugID:       s.BugID,
		Phase:       s.Phase,
		Attempts:    s.AttemptCount,
		FixAccepted: s.FixAccepted,
		Escalated:   s.Escalated,
		RootCause:   s.RootCause(),
	}
}

// Outcome is the decision engine's view of a session.
type Outcome struct {
	BugID       string `json:"bug_id"`
	Phase       Phase  `json:"phase"`
	Attempts    int    `json:"attempts"`
	FixAccepted bool   `json:"fix_accepted"`
	Escalated   bool   `json:"escalated"`
	RootCause   string `json:"root_cause"`
}

// StepResult is what entering a phase produced.
type StepResult struct {
	Requested    Phase `json:"requested"`
	Phase        Phase `json:"phase"`
	ForcedPhase1 bool  `json:"forced_phase1"`

	// Checklist is returned whenever phase 1 runs without a reasoning
	// collaborator or without error evidence.
	Checklist []string `json:"checklist,omitempty"`

	Investigation   *Investigation   `json:"investigation"`
	PatternAnalysis *PatternAnalysis `json:"pattern_analysis,omitempty"`
	Hypothesis      *Hypothesis      `json:"hypothesis,omitempty"`
	Implementation  *Implementation  `json:"implementation,omitempty"`

	Rejected     bool   `json:"rejected"`
	RejectReason string `json:"reject_reason,omitempty"`

	AttemptCount int  `json:"attempt_count"`
	Escalate     bool `json:"escalate"`
}

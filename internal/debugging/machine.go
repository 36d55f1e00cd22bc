package debugging

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/cardline/internal/debugging"

// DefaultMaxAttempts is the failed-fix count that escalates a session.
const DefaultMaxAttempts = 3

// maxClues bounds the clue lines extracted from error evidence.
const maxClues = 10

// Checklist is the static investigation checklist returned when phase 1
// cannot be assisted.
var Checklist = []string{
	"Read the complete error message and stack trace",
	"Reproduce the failure consistently before changing anything",
	"Check recent changes: diffs, dependency bumps, configuration",
	"Capture inputs and outputs at each component boundary",
	"Trace the bad value backward to where it originates",
}

// Reasoner is the optional reasoning collaborator consulted in phase 1.
type Reasoner interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Option configures a Machine.
type Option func(*Machine)

// WithReasoner enables assisted investigation.
func WithReasoner(r Reasoner) Option {
	return func(m *Machine) { m.reasoner = r }
}

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(m *Machine) { m.maxAttempts = n }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// Machine applies the protocol to sessions. It is safe for concurrent use
// on distinct sessions.
type Machine struct {
	maxAttempts int
	reasoner    Reasoner
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewMachine creates a machine. Without WithReasoner, phase 1 returns the
// static Checklist alongside a pattern-only investigation.
func NewMachine(logger *zap.Logger, opts ...Option) (*Machine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Machine{
		maxAttempts: DefaultMaxAttempts,
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.maxAttempts <= 0 {
		return nil, fmt.Errorf("debugging: max attempts must be positive, got %d", m.maxAttempts)
	}
	return m, nil
}

// NewSession starts a session stamped with the machine clock.
func (m *Machine) NewSession(bugID string) *Session {
	return NewSession(bugID, m.now().UTC())
}

// Enter runs phase on s with in.
//
// Entering any phase whose predecessors have not produced their artifacts
// sends the session back to phase 1, never to the missing predecessor, and
// sets ForcedPhase1. Input for phase 1 is taken from in either way.
func (m *Machine) Enter(ctx context.Context, s *Session, phase Phase, in Input) (StepResult, error) {
	if s == nil {
		return StepResult{}, ErrNoSession
	}
	if !phase.Valid() {
		return StepResult{}, fmt.Errorf("%w: %d", ErrInvalidPhase, int(phase))
	}

	ctx, span := m.tracer.Start(ctx, "debugging.enter", trace.WithAttributes(
		attribute.String("bug.id", s.BugID),
		attribute.Int("phase.requested", int(phase)),
	))
	defer span.End()

	res := StepResult{Requested: phase}
	if s.Escalated {
		res.Phase = s.Phase
		res.AttemptCount = s.AttemptCount
		res.Escalate = true
		return res, ErrEscalated
	}

	// Conservative guard: any gap restarts the investigation.
	if !m.prerequisitesMet(s, phase) {
		res.ForcedPhase1 = true
		m.logger.Info("missing prior phase artifact, returning to investigation",
			zap.String("bug_id", s.BugID),
			zap.Stringer("requested", phase))
		phase = PhaseInvestigation
	}
	res.Phase = phase

	switch phase {
	case PhaseInvestigation:
		m.investigate(ctx, s, in, &res)
	case PhasePatternAnalysis:
		m.analyze(s, in, &res)
	case PhaseHypothesis:
		m.hypothesize(s, in, &res)
	case PhaseImplementation:
		m.implement(s, in, &res)
	}

	s.UpdatedAt = m.now().UTC()
	res.AttemptCount = s.AttemptCount
	res.Escalate = s.AttemptCount >= m.maxAttempts
	span.SetAttributes(
		attribute.Int("phase.executed", int(res.Phase)),
		attribute.Bool("forced_phase1", res.ForcedPhase1),
		attribute.Bool("rejected", res.Rejected))
	return res, nil
}

func (m *Machine) prerequisitesMet(s *Session, phase Phase) bool {
	switch phase {
	case PhasePatternAnalysis:
		return s.Investigation != nil
	case PhaseHypothesis:
		return s.Investigation != nil && s.PatternAnalysis != nil
	case PhaseImplementation:
		return s.Investigation != nil && s.PatternAnalysis != nil && s.Hypothesis != nil
	}
	return true
}

func (m *Machine) investigate(ctx context.Context, s *Session, in Input, res *StepResult) {
	// A fresh investigation invalidates everything downstream of it.
	s.Investigation = nil
	s.PatternAnalysis = nil
	s.Hypothesis = nil
	s.Implementation = nil
	s.Phase = PhaseInvestigation

	evidence := strings.TrimSpace(in.ErrorEvidence)
	if evidence == "" {
		res.Checklist = append([]string(nil), Checklist...)
		res.Rejected = true
		res.RejectReason = "gather error evidence (logs or stack trace) first"
		return
	}

	inv := &Investigation{Evidence: evidence, Clues: extractClues(evidence)}
	if m.reasoner == nil {
		res.Checklist = append([]string(nil), Checklist...)
	} else if rootCause, err := m.assist(ctx, evidence); err != nil {
		m.logger.Warn("assisted investigation failed, using checklist",
			zap.String("bug_id", s.BugID), zap.Error(err))
		res.Checklist = append([]string(nil), Checklist...)
	} else {
		inv.RootCause = rootCause
		inv.Assisted = true
	}

	s.Investigation = inv
	res.Investigation = inv
}

type investigationResponse struct {
	RootCause string `json:"root_cause"`
}

func (m *Machine) assist(ctx context.Context, evidence string) (string, error) {
	var sb strings.Builder
	sb.WriteString("You are an expert software engineer investigating a defect.\n\n")
	sb.WriteString("Error evidence:\n")
	sb.WriteString(evidence)
	sb.WriteString("\n\nDo not propose a fix. Identify the most likely root cause only.\n")
	sb.WriteString(`Respond with JSON: {"root_cause": "..."}`)

	out, err := m.reasoner.Generate(ctx, sb.String())
	if err != nil {
		return "", err
	}
	var resp investigationResponse
	if err := json.Unmarshal([]byte(extractJSON(out)), &resp); err != nil {
		return "", fmt.Errorf("parsing investigation response: %w", err)
	}
	if strings.TrimSpace(resp.RootCause) == "" {
		return "", fmt.Errorf("investigation response has no root cause")
	}
	return strings.TrimSpace(resp.RootCause), nil
}

func (m *Machine) analyze(s *Session, in Input, res *StepResult) {
	res.Investigation = s.Investigation
	if strings.TrimSpace(in.WorkingCode) == "" || strings.TrimSpace(in.BrokenCode) == "" {
		res.Rejected = true
		res.RejectReason = "compare working and broken code first"
		return
	}
	diffs := Differences(in.WorkingCode, in.BrokenCode)
	if len(diffs) == 0 {
		res.Rejected = true
		res.RejectReason = "working and broken code are identical"
		return
	}

	s.PatternAnalysis = &PatternAnalysis{Differences: diffs}
	s.Hypothesis = nil
	s.Implementation = nil
	s.Phase = PhasePatternAnalysis
	res.PatternAnalysis = s.PatternAnalysis
}

func (m *Machine) hypothesize(s *Session, in Input, res *StepResult) {
	res.Investigation = s.Investigation
	res.PatternAnalysis = s.PatternAnalysis
	statement := strings.TrimSpace(in.Hypothesis)
	change := strings.TrimSpace(in.MinimalChange)
	if statement == "" || change == "" {
		res.Rejected = true
		res.RejectReason = "state a single hypothesis and the minimal change that tests it"
		return
	}

	s.Hypothesis = &Hypothesis{Statement: statement, MinimalChange: change}
	s.Implementation = nil
	s.Phase = PhaseHypothesis
	res.Hypothesis = s.Hypothesis
}

func (m *Machine) implement(s *Session, in Input, res *StepResult) {
	res.Investigation = s.Investigation
	res.PatternAnalysis = s.PatternAnalysis
	res.Hypothesis = s.Hypothesis
	if strings.TrimSpace(in.TestCase) == "" {
		res.Rejected = true
		res.RejectReason = RejectWriteTestFirst
		return
	}

	s.Implementation = &Implementation{TestCase: in.TestCase}
	s.Phase = PhaseImplementation
	res.Implementation = s.Implementation
}

// RecordFailedFix counts a rejected fix. Reaching the attempt ceiling
// escalates the session whatever phase it is in.
func (m *Machine) RecordFailedFix(s *Session, reason string) (escalate bool) {
	s.AttemptCount++
	s.FailedFixes = append(s.FailedFixes, reason)
	s.UpdatedAt = m.now().UTC()
	if s.AttemptCount >= m.maxAttempts {
		s.Escalated = true
		m.logger.Warn("debugging escalated",
			zap.String("bug_id", s.BugID),
			zap.Int("attempts", s.AttemptCount),
			zap.Stringer("phase", s.Phase))
	}
	return s.Escalated
}

// AcceptFix closes the session successfully. Only a session that completed
// phase 4 can accept a fix.
func (m *Machine) AcceptFix(s *Session) error {
	if s.Escalated {
		return ErrEscalated
	}
	if s.Implementation == nil {
		return fmt.Errorf("debugging: cannot accept fix for %s before implementation: %s", s.BugID, RejectWriteTestFirst)
	}
	s.FixAccepted = true
	s.UpdatedAt = m.now().UTC()
	return nil
}

var clueRe = regexp.MustCompile(`(?i)(error|exception|panic|fatal|fail|traceback|undefined|nil pointer|\.\w+:\d+)`)

func extractClues(evidence string) []string {
	var clues []string
	for _, line := range strings.Split(evidence, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !clueRe.MatchString(line) {
			continue
		}
		clues = append(clues, line)
		if len(clues) == maxClues {
			break
		}
	}
	return clues
}

// Differences lists line-level changes from working to broken.
func Differences(working, broken string) []string {
	a := difflib.SplitLines(working)
	b := difflib.SplitLines(broken)
	var out []string
	for _, op := range difflib.NewMatcher(a, b).GetOpCodes() {
		switch op.Tag {
		case 'r':
			out = append(out, fmt.Sprintf("line %d: %q -> %q", op.I1+1,
				joinLines(a[op.I1:op.I2]), joinLines(b[op.J1:op.J2])))
		case 'd':
			out = append(out, fmt.Sprintf("line %d: removed %q", op.I1+1, joinLines(a[op.I1:op.I2])))
		case 'i':
			out = append(out, fmt.Sprintf("line %d: added %q", op.I1+1, joinLines(b[op.J1:op.J2])))
		}
	}
	return out
}

func joinLines(lines []string) string {
	return strings.TrimRight(strings.Join(lines, ""), "\n")
}

// extractJSON trims prose or code fences around a JSON object.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

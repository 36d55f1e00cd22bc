package progress

import (
	"strings"

	"github.com/fyrsmithlabs/cardline/internal/rules"
)

// DefaultRules detect the signal kinds in typical agent and build logs.
// Phase rules are named after the phase they report.
func DefaultRules() []rules.Rule {
	return []rules.Rule{
		{Name: "file", Tag: string(SignalFileTouched), Predicate: rules.MustRegex(
			`(?i)(?:[\w.-]+/)*[\w.-]+\.(?:go|py|ts|tsx|js|jsx|rs|java|kt|rb|cs|cpp|c|h|sql|yaml|yml|json|toml|md|proto)\b`)},
		{Name: "investigation", Tag: string(SignalPhaseKeyword), Predicate: rules.Phrases("investigating", "reproducing", "root cause")},
		{Name: "implementation", Tag: string(SignalPhaseKeyword), Predicate: rules.Phrases("implementing", "writing code", "applying fix")},
		{Name: "testing", Tag: string(SignalPhaseKeyword), Predicate: rules.Phrases("running tests", "writing tests", "testing")},
		{Name: "review", Tag: string(SignalPhaseKeyword), Predicate: rules.Phrases("reviewing", "code review", "self-review")},
		{Name: "blocker", Tag: string(SignalBlocker), Predicate: rules.Phrases(
			"blocked on", "blocked by", "waiting for", "cannot proceed", "stuck on", "need access")},
		{Name: "unblocked", Tag: string(SignalUnblocked), Predicate: rules.Phrases(
			"unblocked", "no longer blocked", "blocker resolved")},
		{Name: "completion", Tag: string(SignalCompletion), Predicate: rules.Phrases(
			"completed", "finished", "done with", "marked complete", "✓")},
	}
}

// Detector turns log text into signals.
type Detector struct {
	engine *rules.Engine
}

// NewDetector uses DefaultRules plus extra.
func NewDetector(extra ...rules.Rule) *Detector {
	return &Detector{engine: rules.New(DefaultRules()...).With(extra...)}
}

// Detect scans log line by line so each signal keeps its own line.
func (d *Detector) Detect(log string) []Signal {
	var out []Signal
	for _, line := range strings.Split(log, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, m := range d.engine.Evaluate(line) {
			s := Signal{Kind: SignalKind(m.Tag), Value: m.Text, Line: line}
			if s.Kind == SignalPhaseKeyword {
				s.Value = m.Rule
			}
			out = append(out, s)
		}
	}
	return out
}

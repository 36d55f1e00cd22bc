// Package evidence checks completion claims against the structured output
// that is supposed to back them.
//
// A Validator looks at two things. The free-text claim (and change
// description) is scanned for red flags: hedging, premature satisfaction,
// guess-and-check language and bundled unrelated changes. The Bundle slots
// are parsed and must each read clean. Every slot the claim's vocabulary
// implies ("all tests pass" implies test_output) must be present. A claim is
// approved only when all three checks come back empty.
//
// Red flags are derived from free text only. Structured evidence never
// produces a red flag, only a failure.
package evidence

import (
	"fmt"
	"strings"
)

// Evidence slot names. They appear verbatim in MissingEvidence entries.
const (
	SlotTestOutput  = "test_output"
	SlotLintOutput  = "lint_output"
	SlotBuildOutput = "build_output"
	SlotCoverage    = "coverage_percent"
)

// Bundle holds the optional evidence slots attached to a claim. A nil slot is
// absent; an empty string is present but empty.
type Bundle struct {
	TestOutput      *string  `json:"test_output,omitempty"`
	LintOutput      *string  `json:"lint_output,omitempty"`
	BuildOutput     *string  `json:"build_output,omitempty"`
	CoveragePercent *float64 `json:"coverage_percent,omitempty"`

	// Diff is the change text scanned for bundled unrelated changes.
	Diff string `json:"diff,omitempty"`
}

// Has reports whether slot is present.
func (b Bundle) Has(slot string) bool {
	switch slot {
	case SlotTestOutput:
		return b.TestOutput != nil
	case SlotLintOutput:
		return b.LintOutput != nil
	case SlotBuildOutput:
		return b.BuildOutput != nil
	case SlotCoverage:
		return b.CoveragePercent != nil
	}
	return false
}

// Text returns a pointer to s, for filling Bundle slots.
func Text(s string) *string { return &s }

// Percent returns a pointer to p, for filling Bundle.CoveragePercent.
func Percent(p float64) *float64 { return &p }

// FlagKind classifies a red flag.
type FlagKind string

const (
	FlagHedging       FlagKind = "hedging"
	FlagPremature     FlagKind = "premature_satisfaction"
	FlagBundledChange FlagKind = "bundled_change"
	FlagGuessAndCheck FlagKind = "guess_and_check"
)

// RedFlag is one unsafe pattern found in free text.
type RedFlag struct {
	Kind    FlagKind `json:"kind"`
	Source  string   `json:"source"` // "claim" or "diff"
	Match   string   `json:"match"`
	Excerpt string   `json:"excerpt"`
}

func (f RedFlag) String() string {
	return fmt.Sprintf("red flag (%s) in %s: %q", f.Kind, f.Source, f.Excerpt)
}

// Result is the outcome of Validate.
type Result struct {
	Approved        bool      `json:"approved"`
	RedFlags        []RedFlag `json:"red_flags,omitempty"`
	MissingEvidence []string  `json:"missing_evidence,omitempty"`
	Failures        []string  `json:"failures,omitempty"`

	Tests *TestSummary `json:"tests,omitempty"`
	Lint  *LintSummary `json:"lint,omitempty"`
}

// Reasons lists every problem: red flags, then missing slots, then parse
// failures.
func (r Result) Reasons() []string {
	out := make([]string, 0, len(r.RedFlags)+len(r.MissingEvidence)+len(r.Failures))
	for _, f := range r.RedFlags {
		out = append(out, f.String())
	}
	out = append(out, r.MissingEvidence...)
	out = append(out, r.Failures...)
	return out
}

// Summary is a one-line description suitable for logs.
func (r Result) Summary() string {
	if r.Approved {
		return "evidence approved"
	}
	return "evidence rejected: " + strings.Join(r.Reasons(), "; ")
}

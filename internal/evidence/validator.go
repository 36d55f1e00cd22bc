package evidence

import (
	"fmt"
	"math"
	"regexp"

	"github.com/fyrsmithlabs/cardline/internal/rules"
	"go.uber.org/zap"
)

// DefaultMinCoverage is the coverage floor when Config leaves it unset.
const DefaultMinCoverage = 80.0

// Config tunes the validator.
type Config struct {
	// MinCoverage is the lowest acceptable coverage_percent. Zero selects
	// DefaultMinCoverage.
	MinCoverage float64

	// MaxDiffFiles flags a diff touching more files than this as a bundled
	// change. Zero disables the check.
	MaxDiffFiles int

	// ExtraClaimRules are appended after the built-in claim rules. Their
	// tags must be FlagKind values.
	ExtraClaimRules []rules.Rule
}

// Validator checks claims against evidence. It holds no mutable state and is
// safe for concurrent use.
type Validator struct {
	cfg     Config
	claim   *rules.Engine
	diff    *rules.Engine
	implies *rules.Engine
	logger  *zap.Logger
}

// slotOrder fixes the order of MissingEvidence entries.
var slotOrder = []string{SlotTestOutput, SlotLintOutput, SlotBuildOutput, SlotCoverage}

// NewValidator builds a validator with the built-in rule sets.
func NewValidator(cfg Config, logger *zap.Logger) (*Validator, error) {
	if cfg.MinCoverage == 0 {
		cfg.MinCoverage = DefaultMinCoverage
	}
	if cfg.MinCoverage < 0 || cfg.MinCoverage > 100 || math.IsNaN(cfg.MinCoverage) {
		return nil, fmt.Errorf("evidence: min coverage must be within [0,100], got %v", cfg.MinCoverage)
	}
	if cfg.MaxDiffFiles < 0 {
		return nil, fmt.Errorf("evidence: max diff files cannot be negative")
	}
	for _, r := range cfg.ExtraClaimRules {
		if !knownFlag(FlagKind(r.Tag)) {
			return nil, fmt.Errorf("evidence: rule %q has unknown flag kind %q", r.Name, r.Tag)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Validator{
		cfg:     cfg,
		claim:   rules.New(DefaultClaimRules()...).With(cfg.ExtraClaimRules...),
		diff:    rules.New(DefaultDiffRules()...),
		implies: rules.New(DefaultImplications()...),
		logger:  logger,
	}, nil
}

func knownFlag(k FlagKind) bool {
	switch k {
	case FlagHedging, FlagPremature, FlagBundledChange, FlagGuessAndCheck:
		return true
	}
	return false
}

// Validate checks claim and bundle. It never returns an error: problems are
// reported in the Result.
func (v *Validator) Validate(claim string, bundle Bundle) Result {
	var res Result

	res.RedFlags = append(res.RedFlags, v.flags(v.claim, "claim", claim)...)
	res.RedFlags = append(res.RedFlags, v.flags(v.diff, "diff", bundle.Diff)...)
	if f, ok := v.diffSize(bundle.Diff); ok {
		res.RedFlags = append(res.RedFlags, f)
	}

	// go test -cover and most runners print coverage with the test results.
	if bundle.CoveragePercent == nil && bundle.TestOutput != nil {
		if c, ok := ParseCoverage(*bundle.TestOutput); ok {
			bundle.CoveragePercent = &c
		}
	}

	implied := make(map[string]bool)
	for _, m := range v.implies.Evaluate(claim) {
		implied[m.Tag] = true
	}
	for _, slot := range slotOrder {
		if implied[slot] && !bundle.Has(slot) {
			res.MissingEvidence = append(res.MissingEvidence, "missing "+slot)
		}
	}

	v.parse(bundle, &res)

	res.Approved = len(res.RedFlags) == 0 && len(res.MissingEvidence) == 0 && len(res.Failures) == 0
	v.logger.Debug("claim validated",
		zap.Bool("approved", res.Approved),
		zap.Int("red_flags", len(res.RedFlags)),
		zap.Strings("missing", res.MissingEvidence),
		zap.Strings("failures", res.Failures))
	return res
}

// flags reports the first match per rule.
func (v *Validator) flags(engine *rules.Engine, source, text string) []RedFlag {
	var out []RedFlag
	for _, m := range engine.First(text) {
		out = append(out, RedFlag{
			Kind:    FlagKind(m.Tag),
			Source:  source,
			Match:   m.Text,
			Excerpt: m.Excerpt,
		})
	}
	return out
}

var diffFileRe = regexp.MustCompile(`(?m)^\+\+\+ (?:b/)?(\S+)`)

func (v *Validator) diffSize(diff string) (RedFlag, bool) {
	if v.cfg.MaxDiffFiles == 0 || diff == "" {
		return RedFlag{}, false
	}
	files := make(map[string]struct{})
	for _, m := range diffFileRe.FindAllStringSubmatch(diff, -1) {
		if m[1] != "/dev/null" {
			files[m[1]] = struct{}{}
		}
	}
	if len(files) <= v.cfg.MaxDiffFiles {
		return RedFlag{}, false
	}
	return RedFlag{
		Kind:    FlagBundledChange,
		Source:  "diff",
		Match:   fmt.Sprintf("%d files", len(files)),
		Excerpt: fmt.Sprintf("diff touches %d files (max %d)", len(files), v.cfg.MaxDiffFiles),
	}, true
}

// parse checks each present slot.
func (v *Validator) parse(b Bundle, res *Result) {
	if b.TestOutput != nil {
		s := ParseTestOutput(*b.TestOutput)
		res.Tests = &s
		switch {
		case s.Failed > 0 || s.Errored > 0:
			res.Failures = append(res.Failures,
				fmt.Sprintf("test_output: %d failed, %d errored", s.Failed, s.Errored))
		case s.Passed == 0:
			res.Failures = append(res.Failures, "test_output: no passing tests found")
		}
	}

	if b.LintOutput != nil {
		s := ParseLintOutput(*b.LintOutput)
		res.Lint = &s
		switch {
		case s.Violations > 0:
			res.Failures = append(res.Failures, fmt.Sprintf("lint_output: %d violation(s)", s.Violations))
		case !s.Recognized:
			res.Failures = append(res.Failures, "lint_output: could not confirm zero violations")
		}
	}

	if b.BuildOutput != nil && !BuildSucceeded(*b.BuildOutput) {
		res.Failures = append(res.Failures, "build_output: no success marker or failure reported")
	}

	if b.CoveragePercent != nil {
		c := *b.CoveragePercent
		switch {
		case math.IsNaN(c) || c < 0 || c > 100:
			res.Failures = append(res.Failures, fmt.Sprintf("coverage_percent: %v out of range", c))
		case c < v.cfg.MinCoverage:
			res.Failures = append(res.Failures,
				fmt.Sprintf("coverage_percent: %.1f below minimum %.1f", c, v.cfg.MinCoverage))
		}
	}
}

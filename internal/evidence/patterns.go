package evidence

import "github.com/fyrsmithlabs/cardline/internal/rules"

// DefaultClaimRules flag unsafe language in a completion claim.
func DefaultClaimRules() []rules.Rule {
	return []rules.Rule{
		{Name: "hedging-modal", Tag: string(FlagHedging), Predicate: rules.Phrases(
			"should", "probably", "maybe", "might", "I think", "I believe",
			"seems to", "appears to", "likely", "hopefully", "in theory",
		)},
		{Name: "premature-satisfaction", Tag: string(FlagPremature), Predicate: rules.Phrases(
			"done!", "perfect!", "great!", "all set!", "awesome!", "excellent!",
			"nailed it", "works perfectly", "good to go!",
		)},
		{Name: "guess-and-check", Tag: string(FlagGuessAndCheck), Predicate: rules.Phrases(
			"let's try", "let me try", "try again", "see if", "one more try",
			"random fix", "trial and error", "just try",
		)},
		{Name: "bundled-change-claim", Tag: string(FlagBundledChange), Predicate: rules.Phrases(
			"also fixed", "also refactored", "while I was at it", "while at it",
			"drive-by", "unrelated", "bonus fix", "also cleaned up",
		)},
	}
}

// DefaultDiffRules flag bundled unrelated changes in diff or change text.
func DefaultDiffRules() []rules.Rule {
	return []rules.Rule{
		{Name: "bundled-change-diff", Tag: string(FlagBundledChange), Predicate: rules.Phrases(
			"unrelated", "drive-by", "while I was at it", "while at it",
			"also refactor", "also fix", "misc cleanup", "bonus",
		)},
	}
}

// DefaultImplications map claim vocabulary to the evidence slot it implies.
// The tag is the slot name.
func DefaultImplications() []rules.Rule {
	return []rules.Rule{
		{Name: "implies-tests", Tag: SlotTestOutput,
			Predicate: rules.MustRegex(`(?i)\b(tests?|specs?|pass(es|ed|ing)?|green)\b`)},
		{Name: "implies-lint", Tag: SlotLintOutput,
			Predicate: rules.MustRegex(`(?i)\b(lint(s|ed|er|ing)?|clean|vet)\b`)},
		{Name: "implies-build", Tag: SlotBuildOutput,
			Predicate: rules.MustRegex(`(?i)\b(builds?|built|building|compil(e|es|ed|ing))\b`)},
		{Name: "implies-coverage", Tag: SlotCoverage,
			Predicate: rules.MustRegex(`(?i)\bcoverage\b`)},
	}
}

package evidence

import (
	"regexp"
	"strconv"
	"strings"
)

// TestSummary counts results recognized in test runner output.
type TestSummary struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Errored int `json:"errored"`
	Skipped int `json:"skipped"`
}

// Clean reports zero failures and errors with at least one pass.
func (s TestSummary) Clean() bool {
	return s.Failed == 0 && s.Errored == 0 && s.Passed >= 1
}

var (
	testCountRe = regexp.MustCompile(`(?i)(\d+)[ \t]+(passed|passing|failed|failing|failures?|errors?|errored|skipped|pending)\b`)
	testLabelRe = regexp.MustCompile(`(?i)\b(passed|failed|failures|errors?|skipped)[ \t]*[:=][ \t]*(\d+)`)
	goPassRe    = regexp.MustCompile(`(?m)^\s*--- PASS:`)
	goFailRe    = regexp.MustCompile(`(?m)^\s*--- FAIL:`)
	goOKRe      = regexp.MustCompile(`(?m)^ok\s+\S+`)
	goFailPkgRe = regexp.MustCompile(`(?m)^FAIL(\s|$)`)
	panicRe     = regexp.MustCompile(`(?m)^panic:`)
)

// ParseTestOutput extracts pass/fail/error counts from common runner
// formats: "5 passed, 0 failed" summaries, "failed: 2" labels and go test
// output. Repeated summaries keep the largest count per category.
func ParseTestOutput(text string) TestSummary {
	var s TestSummary
	record := func(label string, n int) {
		switch strings.ToLower(label) {
		case "passed", "passing":
			s.Passed = max(s.Passed, n)
		case "failed", "failing", "failure", "failures":
			s.Failed = max(s.Failed, n)
		case "error", "errors", "errored":
			s.Errored = max(s.Errored, n)
		case "skipped", "pending":
			s.Skipped = max(s.Skipped, n)
		}
	}

	for _, m := range testCountRe.FindAllStringSubmatch(text, -1) {
		n, _ := strconv.Atoi(m[1])
		record(m[2], n)
	}
	for _, m := range testLabelRe.FindAllStringSubmatch(text, -1) {
		n, _ := strconv.Atoi(m[2])
		record(m[1], n)
	}

	s.Passed = max(s.Passed, len(goPassRe.FindAllStringIndex(text, -1)), len(goOKRe.FindAllStringIndex(text, -1)))
	s.Failed = max(s.Failed, len(goFailRe.FindAllStringIndex(text, -1)), len(goFailPkgRe.FindAllStringIndex(text, -1)))
	s.Errored = max(s.Errored, len(panicRe.FindAllStringIndex(text, -1)))
	return s
}

// LintSummary is the recognized violation count.
type LintSummary struct {
	Violations int  `json:"violations"`
	Recognized bool `json:"recognized"`
}

var (
	lintCountRe    = regexp.MustCompile(`(?i)(\d+)[ \t]+(problems?|issues?|violations?|errors?|warnings?|offenses?)\b`)
	// file.ext:line[:col]: so that timestamps such as 12:30:01 are not locations.
	lintLocationRe = regexp.MustCompile(`(?m)^[\w./\\-]*\.\w+:\d+(?::\d+)?:\s*\S`)
	lintCleanRe    = regexp.MustCompile(`(?i)\b(no (issues|problems|violations|offenses|errors)( found)?|all checks passed|lint (clean|passed)|0 issues)\b`)
)

// ParseLintOutput counts violations. Empty output is a clean run; non-empty
// output with neither counts, locations nor a clean marker is unrecognized.
func ParseLintOutput(text string) LintSummary {
	if strings.TrimSpace(text) == "" {
		return LintSummary{Recognized: true}
	}

	var s LintSummary
	for _, m := range lintCountRe.FindAllStringSubmatch(text, -1) {
		n, _ := strconv.Atoi(m[1])
		s.Violations = max(s.Violations, n)
		s.Recognized = true
	}
	if locs := len(lintLocationRe.FindAllStringIndex(text, -1)); locs > 0 {
		s.Violations = max(s.Violations, locs)
		s.Recognized = true
	}
	if lintCleanRe.MatchString(text) {
		s.Recognized = true
	}
	return s
}

var (
	buildSuccessRe = regexp.MustCompile(`(?i)\b(build (succeeded|successful|success|complete|completed|passed)|successfully (built|compiled)|compiled successfully|exit (code|status) 0)\b`)
	buildFailureRe = regexp.MustCompile(`(?i)(\bbuild failed\b|\bbuild failure\b|\bcompilation (failed|error)|\berror(\[\w+\])?:|\bundefined:|\bcannot find\b|\bexit (code|status) [1-9])`)
)

// BuildSucceeded reports a success marker and no failure marker.
func BuildSucceeded(text string) bool {
	return buildSuccessRe.MatchString(text) && !buildFailureRe.MatchString(text)
}

var coverageRe = regexp.MustCompile(`(?i)(?:coverage:?\s*(\d+(?:\.\d+)?)\s*%|(\d+(?:\.\d+)?)\s*%\s+of statements)`)

// ParseCoverage finds the last coverage percentage in text, as printed by
// go test -cover and most coverage reporters.
func ParseCoverage(text string) (float64, bool) {
	matches := coverageRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return 0, false
	}
	last := matches[len(matches)-1]
	raw := last[1]
	if raw == "" {
		raw = last[2]
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

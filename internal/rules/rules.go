// Package rules is a small data-driven matcher for free text: an ordered
// list of predicate -> tag pairs. The evidence validator uses it to spot red
// flags in claims and the progress tracker uses it to turn execution logs
// into signals.
//
// Rules are evaluated in declaration order and every match is reported, so
// callers that care only about presence can stop at the first Match with a
// given tag.
package rules

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ErrInvalidRule is returned by Compile for unusable specs.
var ErrInvalidRule = errors.New("rules: invalid rule")

// maxExcerpt bounds Match.Excerpt.
const maxExcerpt = 160

// Predicate reports the [start, end) byte offsets of every match in text.
type Predicate func(text string) [][]int

// Rule pairs a predicate with the tag it emits.
type Rule struct {
	Name      string
	Tag       string
	Predicate Predicate
}

// Match is one rule hit.
type Match struct {
	Rule    string `json:"rule"`
	Tag     string `json:"tag"`
	Text    string `json:"text"`
	Excerpt string `json:"excerpt"`
	Offset  int    `json:"offset"`
}

// Engine evaluates rules in order.
type Engine struct {
	rules []Rule
}

// New builds an engine from already-constructed rules.
func New(rules ...Rule) *Engine {
	return &Engine{rules: append([]Rule(nil), rules...)}
}

// Rules returns a copy of the rule list.
func (e *Engine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// With returns a new engine with extra rules appended after e's.
func (e *Engine) With(rules ...Rule) *Engine {
	out := make([]Rule, 0, len(e.rules)+len(rules))
	out = append(out, e.rules...)
	out = append(out, rules...)
	return &Engine{rules: out}
}

// Evaluate returns every match, ordered by rule then by offset.
func (e *Engine) Evaluate(text string) []Match {
	if text == "" {
		return nil
	}
	var out []Match
	for _, r := range e.rules {
		locs := r.Predicate(text)
		sort.Slice(locs, func(i, j int) bool { return locs[i][0] < locs[j][0] })
		for _, loc := range locs {
			out = append(out, Match{
				Rule:    r.Name,
				Tag:     r.Tag,
				Text:    text[loc[0]:loc[1]],
				Excerpt: excerpt(text, loc[0], loc[1]),
				Offset:  loc[0],
			})
		}
	}
	return out
}

// First returns the first match per rule.
func (e *Engine) First(text string) []Match {
	var out []Match
	seen := make(map[string]bool)
	for _, m := range e.Evaluate(text) {
		if seen[m.Rule] {
			continue
		}
		seen[m.Rule] = true
		out = append(out, m)
	}
	return out
}

// HasTag reports whether any rule with tag matches text.
func (e *Engine) HasTag(text, tag string) bool {
	for _, r := range e.rules {
		if r.Tag == tag && len(r.Predicate(text)) > 0 {
			return true
		}
	}
	return false
}

// excerpt returns the line around [start, end), trimmed to maxExcerpt.
func excerpt(text string, start, end int) string {
	lineStart := strings.LastIndexByte(text[:start], '\n') + 1
	lineEnd := len(text)
	if i := strings.IndexByte(text[end:], '\n'); i >= 0 {
		lineEnd = end + i
	}
	line := strings.TrimSpace(text[lineStart:lineEnd])
	if len(line) <= maxExcerpt {
		return line
	}

	// Center the window on the match.
	mid := (start + end) / 2
	from := max(lineStart, mid-maxExcerpt/2)
	to := min(lineEnd, from+maxExcerpt)
	return "..." + strings.TrimSpace(text[from:to]) + "..."
}

// Regex matches a regular expression.
func Regex(pattern string) (Predicate, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return func(text string) [][]int {
		return re.FindAllStringIndex(text, -1)
	}, nil
}

// MustRegex is Regex for patterns known at compile time.
func MustRegex(pattern string) Predicate {
	p, err := Regex(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// Phrases matches any of phrases case-insensitively on word boundaries.
// Phrases may end in punctuation ("done!"), in which case only the leading
// boundary is enforced.
func Phrases(phrases ...string) Predicate {
	alts := make([]string, 0, len(phrases))
	for _, p := range phrases {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		q := regexp.QuoteMeta(p)
		q = strings.ReplaceAll(q, " ", `\s+`)
		if isWordByte(p[len(p)-1]) {
			q += `\b`
		}
		if isWordByte(p[0]) {
			q = `\b` + q
		}
		alts = append(alts, q)
	}
	if len(alts) == 0 {
		return func(string) [][]int { return nil }
	}
	return MustRegex(`(?i)(?:` + strings.Join(alts, "|") + `)`)
}

func isWordByte(b byte) bool {
	return b == '_' || ('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}

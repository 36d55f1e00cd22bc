// Package secrets removes credentials from text that leaves the worker,
// such as prompts built from generated artifacts and tool output.
package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Finding is one credential found in the scanned text. The secret itself is
// never retained.
type Finding struct {
	RuleID      string
	Description string
	Line        int
}

// Redactor scans text with the default gitleaks rule set.
type Redactor struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewRedactor compiles the gitleaks rules once. Text matching any of the
// allow patterns is never redacted.
func NewRedactor(allow ...string) (*Redactor, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	if len(allow) > 0 {
		list := &gitleaksConfig.Allowlist{Description: "cardline allowlist"}
		for _, pattern := range allow {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid allow pattern %q: %w", pattern, err)
			}
			list.Regexes = append(list.Regexes, (*gitleaksRegexp.Regexp)(re))
		}
		detector.Config.Allowlists = append(detector.Config.Allowlists, list)
	}
	return &Redactor{detector: detector}, nil
}

// Redact returns text with every detected secret replaced by a
// [REDACTED:<rule>] marker, plus what was found.
func (r *Redactor) Redact(text string) (string, []Finding) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}
	// The detector keeps per-scan state.
	r.mu.Lock()
	found := r.detector.DetectString(text)
	r.mu.Unlock()
	if len(found) == 0 {
		return text, nil
	}

	findings := make([]Finding, 0, len(found))
	secrets := make(map[string]string, len(found))
	for _, f := range found {
		findings = append(findings, Finding{RuleID: f.RuleID, Description: f.Description, Line: f.StartLine})
		if f.Secret != "" {
			secrets[f.Secret] = f.RuleID
		}
	}
	return replaceSecrets(text, secrets), findings
}

// RedactString is Redact without the findings.
func (r *Redactor) RedactString(text string) string {
	out, _ := r.Redact(text)
	return out
}

// replaceSecrets substitutes longest secrets first so a secret that contains
// another is replaced whole.
func replaceSecrets(text string, secrets map[string]string) string {
	keys := make([]string, 0, len(secrets))
	for s := range secrets {
		keys = append(keys, s)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	pairs := make([]string, 0, 2*len(keys))
	for _, s := range keys {
		pairs = append(pairs, s, "[REDACTED:"+secrets[s]+"]")
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

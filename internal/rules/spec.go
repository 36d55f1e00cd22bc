package rules

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Spec is the configuration form of a Rule.
//
//	rules:
//	  - name: hedging
//	    tag: hedging
//	    kind: phrases
//	    values: ["should", "probably"]
//	  - name: go-file
//	    tag: file_touched
//	    kind: regex
//	    pattern: '\b[\w/.-]+\.go\b'
type Spec struct {
	Name    string   `koanf:"name" json:"name"`
	Tag     string   `koanf:"tag" json:"tag"`
	Kind    string   `koanf:"kind" json:"kind"` // "regex" or "phrases"
	Pattern string   `koanf:"pattern" json:"pattern,omitempty"`
	Values  []string `koanf:"values" json:"values,omitempty"`
}

// Compile turns specs into rules, preserving order.
func Compile(specs []Spec) ([]Rule, error) {
	out := make([]Rule, 0, len(specs))
	for i, s := range specs {
		if s.Tag == "" {
			return nil, fmt.Errorf("%w: rule %d has no tag", ErrInvalidRule, i)
		}
		name := s.Name
		if name == "" {
			name = fmt.Sprintf("%s-%d", s.Tag, i)
		}

		var pred Predicate
		switch s.Kind {
		case "regex":
			if s.Pattern == "" {
				return nil, fmt.Errorf("%w: rule %q has no pattern", ErrInvalidRule, name)
			}
			p, err := Regex(s.Pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %q: %w", name, err)
			}
			pred = p
		case "phrases", "":
			if len(s.Values) == 0 {
				return nil, fmt.Errorf("%w: rule %q has no values", ErrInvalidRule, name)
			}
			pred = Phrases(s.Values...)
		default:
			return nil, fmt.Errorf("%w: rule %q has unknown kind %q", ErrInvalidRule, name, s.Kind)
		}
		out = append(out, Rule{Name: name, Tag: s.Tag, Predicate: pred})
	}
	return out, nil
}

// LoadFile reads a YAML document with a top-level "rules" list.
func LoadFile(path string) ([]Spec, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: reading %s: %w", path, err)
	}
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalidRule, path, err)
	}
	var specs []Spec
	if err := k.Unmarshal("rules", &specs); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrInvalidRule, path, err)
	}
	return specs, nil
}

// Package judge scores artifacts against weighted rubrics.
//
// A Rubric is a set of named criteria whose weights sum to 1.0 and a
// passing threshold on the 0-10 scale. The weighted score is the sum of
// score x weight over the rubric's criteria. Rubrics are validated when they
// are loaded; an invalid rubric file is a configuration error.
//
// Scoring itself is delegated to a Scorer (usually an LLM). Without one the
// Judge skips evaluation and passes the unit, marking the skip in the
// evaluation metadata so audits can see it.
package judge

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

const (
	// MaxScore is the top of the per-criterion scale.
	MaxScore = 10.0

	// weightTolerance is how far the weight sum may drift from 1.0.
	weightTolerance = 1e-9
)

var (
	// ErrInvalidRubric marks rubric configuration errors.
	ErrInvalidRubric = errors.New("judge: invalid rubric")

	// ErrCriteriaMismatch is returned when scores and rubric name different
	// criteria.
	ErrCriteriaMismatch = errors.New("judge: scores do not match rubric criteria")

	// ErrUnknownRubric is returned when no rubric covers a unit type.
	ErrUnknownRubric = errors.New("judge: no rubric for unit type")
)

// Criterion is one weighted dimension of a rubric.
type Criterion struct {
	Name        string  `koanf:"name" toml:"name" json:"name"`
	Weight      float64 `koanf:"weight" toml:"weight" json:"weight"`
	Description string  `koanf:"description" toml:"description" json:"description,omitempty"`
}

// Rubric is a named criteria set with a passing threshold.
type Rubric struct {
	ID               string      `koanf:"id" toml:"id" json:"id"`
	UnitTypes        []string    `koanf:"unit_types" toml:"unit_types" json:"unit_types,omitempty"`
	PassingThreshold float64     `koanf:"passing_threshold" toml:"passing_threshold" json:"passing_threshold"`
	Criteria         []Criterion `koanf:"criteria" toml:"criteria" json:"criteria"`
}

// Validate checks weights, names and threshold.
func (r Rubric) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRubric)
	}
	if len(r.Criteria) == 0 {
		return fmt.Errorf("%w: %s has no criteria", ErrInvalidRubric, r.ID)
	}
	if r.PassingThreshold < 0 || r.PassingThreshold > MaxScore || math.IsNaN(r.PassingThreshold) {
		return fmt.Errorf("%w: %s passing_threshold %v outside [0,%v]", ErrInvalidRubric, r.ID, r.PassingThreshold, MaxScore)
	}

	seen := make(map[string]bool, len(r.Criteria))
	var sum float64
	for _, c := range r.Criteria {
		if c.Name == "" {
			return fmt.Errorf("%w: %s has a criterion without a name", ErrInvalidRubric, r.ID)
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: %s has duplicate criterion %q", ErrInvalidRubric, r.ID, c.Name)
		}
		seen[c.Name] = true
		if !(c.Weight > 0 && c.Weight <= 1) {
			return fmt.Errorf("%w: %s criterion %q weight %v outside (0,1]", ErrInvalidRubric, r.ID, c.Name, c.Weight)
		}
		sum += c.Weight
	}
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("%w: %s weights sum to %v, want 1.0", ErrInvalidRubric, r.ID, sum)
	}
	return nil
}

// Score is one criterion's value and why it was given.
type Score struct {
	Criterion     string  `json:"criterion"`
	Value         float64 `json:"score"`
	Justification string  `json:"justification,omitempty"`
}

// WeightedScore returns the sum of score x weight, rounded to nine decimal
// places. Scores must name exactly the rubric's criteria.
func WeightedScore(r Rubric, scores []Score) (float64, error) {
	byName, err := matchScores(r, scores)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, c := range r.Criteria {
		sum += byName[c.Name].Value * c.Weight
	}
	return math.Round(sum*1e9) / 1e9, nil
}

func matchScores(r Rubric, scores []Score) (map[string]Score, error) {
	byName := make(map[string]Score, len(scores))
	for _, s := range scores {
		if _, dup := byName[s.Criterion]; dup {
			return nil, fmt.Errorf("%w: duplicate score for %q", ErrCriteriaMismatch, s.Criterion)
		}
		if s.Value < 0 || s.Value > MaxScore || math.IsNaN(s.Value) {
			return nil, fmt.Errorf("judge: score for %q is %v, want [0,%v]", s.Criterion, s.Value, MaxScore)
		}
		byName[s.Criterion] = s
	}

	var missing, extra []string
	want := make(map[string]bool, len(r.Criteria))
	for _, c := range r.Criteria {
		want[c.Name] = true
		if _, ok := byName[c.Name]; !ok {
			missing = append(missing, c.Name)
		}
	}
	for name := range byName {
		if !want[name] {
			extra = append(extra, name)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		sort.Strings(extra)
		return nil, fmt.Errorf("%w: rubric %s missing [%s], unexpected [%s]",
			ErrCriteriaMismatch, r.ID, strings.Join(missing, ", "), strings.Join(extra, ", "))
	}
	return byName, nil
}

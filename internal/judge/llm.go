package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Reasoner generates text from a prompt.
type Reasoner interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// maxArtifactChars bounds the artifact text placed in a prompt.
const maxArtifactChars = 24000

// LLMScorer asks a Reasoner to score each criterion and parses its JSON
// answer.
type LLMScorer struct {
	reasoner Reasoner
}

// NewLLMScorer wraps r.
func NewLLMScorer(r Reasoner) *LLMScorer {
	return &LLMScorer{reasoner: r}
}

type llmResponse struct {
	Scores []struct {
		Criterion     string  `json:"criterion"`
		Score         float64 `json:"score"`
		Justification string  `json:"justification"`
	} `json:"scores"`
}

// Score implements Scorer.
func (s *LLMScorer) Score(ctx context.Context, rubric Rubric, artifact Artifact) ([]Score, error) {
	out, err := s.reasoner.Generate(ctx, buildScoringPrompt(rubric, artifact))
	if err != nil {
		return nil, fmt.Errorf("generating scores: %w", err)
	}

	var resp llmResponse
	if err := json.Unmarshal([]byte(extractJSON(out)), &resp); err != nil {
		return nil, fmt.Errorf("parsing scores: %w", err)
	}
	scores := make([]Score, 0, len(resp.Scores))
	for _, r := range resp.Scores {
		scores = append(scores, Score{
			Criterion:     r.Criterion,
			Value:         r.Score,
			Justification: r.Justification,
		})
	}
	if _, err := matchScores(rubric, scores); err != nil {
		return nil, err
	}
	return scores, nil
}

func buildScoringPrompt(rubric Rubric, artifact Artifact) string {
	var sb strings.Builder
	sb.WriteString("You are a strict reviewer scoring a work artifact against a rubric.\n\n")
	fmt.Fprintf(&sb, "Unit type: %s\n", artifact.UnitType)
	if artifact.Claim != "" {
		fmt.Fprintf(&sb, "Author's claim: %s\n", artifact.Claim)
	}
	sb.WriteString("\nCriteria (score each from 0 to 10):\n")
	for _, c := range rubric.Criteria {
		fmt.Fprintf(&sb, "- %s (weight %.2f)", c.Name, c.Weight)
		if c.Description != "" {
			sb.WriteString(": " + c.Description)
		}
		sb.WriteString("\n")
	}

	content := artifact.Content
	if len(content) > maxArtifactChars {
		content = content[:maxArtifactChars] + "\n[truncated]"
	}
	sb.WriteString("\nArtifact:\n")
	sb.WriteString(content)
	sb.WriteString("\n\nRespond with JSON only, one entry per criterion using the exact names above:\n")
	sb.WriteString(`{"scores": [{"criterion": "...", "score": 0, "justification": "..."}]}`)
	return sb.String()
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

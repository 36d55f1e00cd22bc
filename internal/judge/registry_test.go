package judge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rubricsYAML = `
rubrics:
  - id: feature
    unit_types: [feature, enhancement]
    passing_threshold: 8
    criteria:
      - name: correctness
        weight: 0.5
      - name: tests
        weight: 0.3
      - name: clarity
        weight: 0.2
  - id: default
    passing_threshold: 7
    criteria:
      - name: overall
        weight: 1
`

const rubricsTOML = `
[[rubrics]]
id = "bugfix"
unit_types = ["bugfix"]
passing_threshold = 7.5

[[rubrics.criteria]]
name = "root_cause"
weight = 0.6

[[rubrics.criteria]]
name = "regression_test"
weight = 0.4
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadRegistry_YAML(t *testing.T) {
	reg, err := LoadRegistry(writeFile(t, "rubrics.yaml", rubricsYAML), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"default", "feature"}, reg.IDs())

	r, err := reg.For("enhancement")
	require.NoError(t, err)
	assert.Equal(t, "feature", r.ID)
	assert.Equal(t, 8.0, r.PassingThreshold)
	require.Len(t, r.Criteria, 3)
	assert.Equal(t, 0.5, r.Criteria[0].Weight)

	r, err = reg.For("docs")
	require.NoError(t, err)
	assert.Equal(t, DefaultRubricID, r.ID)
}

func TestLoadRegistry_TOML(t *testing.T) {
	reg, err := LoadRegistry(writeFile(t, "rubrics.toml", rubricsTOML), nil)
	require.NoError(t, err)

	r, err := reg.For("bugfix")
	require.NoError(t, err)
	assert.Equal(t, 7.5, r.PassingThreshold)
	assert.Equal(t, "regression_test", r.Criteria[1].Name)

	_, err = reg.For("feature")
	assert.ErrorIs(t, err, ErrUnknownRubric)
}

func TestLoadRegistry_RejectsBadWeights(t *testing.T) {
	bad := `
rubrics:
  - id: feature
    passing_threshold: 8
    criteria:
      - name: a
        weight: 0.5
      - name: b
        weight: 0.4
`
	_, err := LoadRegistry(writeFile(t, "rubrics.yaml", bad), nil)
	assert.ErrorIs(t, err, ErrInvalidRubric)
}

func TestParseRubrics_Errors(t *testing.T) {
	_, err := ParseRubrics([]byte("rubrics: []"), "yaml")
	assert.ErrorIs(t, err, ErrInvalidRubric)

	_, err = ParseRubrics([]byte("x"), "json")
	assert.ErrorIs(t, err, ErrInvalidRubric)

	_, err = ParseRubrics([]byte("[[rubrics]\n"), "toml")
	assert.ErrorIs(t, err, ErrInvalidRubric)
}

func TestNewRegistry_Conflicts(t *testing.T) {
	one := Rubric{ID: "a", UnitTypes: []string{"feature"}, Criteria: []Criterion{{Name: "x", Weight: 1}}}
	two := Rubric{ID: "b", UnitTypes: []string{"feature"}, Criteria: []Criterion{{Name: "x", Weight: 1}}}

	_, err := NewRegistry([]Rubric{one, two}, nil)
	assert.ErrorIs(t, err, ErrInvalidRubric)

	_, err = NewRegistry([]Rubric{one, one}, nil)
	assert.ErrorIs(t, err, ErrInvalidRubric)
}

func TestRegistry_ReloadKeepsPreviousOnError(t *testing.T) {
	path := writeFile(t, "rubrics.yaml", rubricsYAML)
	reg, err := LoadRegistry(path, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("rubrics:\n  - id: broken\n"), 0600))
	assert.Error(t, reg.Reload())

	r, err := reg.For("feature")
	require.NoError(t, err)
	assert.Equal(t, "feature", r.ID)
	assert.Equal(t, 0, reg.Reloads())
}

func TestRegistry_WatchReloadsOnChange(t *testing.T) {
	path := writeFile(t, "rubrics.yaml", rubricsYAML)
	reg, err := LoadRegistry(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reg.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	updated := `
rubrics:
  - id: docs
    unit_types: [docs]
    passing_threshold: 6
    criteria:
      - name: accuracy
        weight: 1
`
	// The watcher may not be registered yet; keep rewriting until it sees
	// a change.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(updated), 0600)
		r, err := reg.For("docs")
		return err == nil && r.ID == "docs"
	}, 5*time.Second, 50*time.Millisecond)

	_, err = reg.For("feature")
	assert.ErrorIs(t, err, ErrUnknownRubric)
}

func TestRegistry_ReloadWithoutPath(t *testing.T) {
	reg, err := NewRegistry([]Rubric{{ID: "a", Criteria: []Criterion{{Name: "x", Weight: 1}}}}, nil)
	require.NoError(t, err)
	assert.Error(t, reg.Reload())
	assert.Error(t, reg.Watch(context.Background()))
}

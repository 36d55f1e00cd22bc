package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cardline/internal/checkpoint"
	"github.com/fyrsmithlabs/cardline/internal/config"
	"github.com/fyrsmithlabs/cardline/internal/pipeline"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version:    dev")
}

func TestRubricValidate(t *testing.T) {
	valid := writeFile(t, "rubrics.yaml", `
rubrics:
  - id: feature
    unit_types: [feature, chore]
    passing_threshold: 8
    criteria:
      - {name: correctness, weight: 0.4}
      - {name: tests, weight: 0.2}
      - {name: clarity, weight: 0.2}
      - {name: scope, weight: 0.2}
`)
	out, err := execute(t, "", "rubric", "validate", valid)
	require.NoError(t, err)
	assert.Contains(t, out, "feature,chore")
	assert.Contains(t, out, "correctness=0.40")
	assert.Contains(t, out, "1 rubric(s) valid")

	badWeights := writeFile(t, "bad.yaml", `
rubrics:
  - id: feature
    passing_threshold: 8
    criteria:
      - {name: correctness, weight: 0.5}
      - {name: tests, weight: 0.4}
`)
	_, err = execute(t, "", "rubric", "validate", badWeights)
	assert.Error(t, err)

	toml := writeFile(t, "rubrics.toml", `
[[rubrics]]
id = "bugfix"
passing_threshold = 7.5

[[rubrics.criteria]]
name = "correctness"
weight = 1.0
`)
	out, err = execute(t, "", "rubric", "validate", toml)
	require.NoError(t, err)
	assert.Contains(t, out, "bugfix")
}

func TestCheckpointShowAndDelete(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, "config.yaml", "checkpoint:\n  backend: file\n  dir: "+dir+"\n")

	store, err := checkpoint.NewFileStore(dir, pipeline.Stages, zap.NewNop())
	require.NoError(t, err)
	st := pipeline.UnitState{
		Unit:     pipeline.WorkUnit{ID: "card-5", Type: "feature", Stage: pipeline.StageValidate},
		Revision: 1,
	}
	require.NoError(t, store.Save(context.Background(), "card-5", pipeline.StageCollect, st))

	out, err := execute(t, "", "--config", cfgPath, "checkpoint", "show", "card-5")
	require.NoError(t, err)
	assert.Contains(t, out, "collect_evidence")
	assert.Contains(t, out, "validate")
	assert.Contains(t, out, "feature")

	out, err = execute(t, "", "--config", cfgPath, "checkpoint", "show", "card-5", "--json")
	require.NoError(t, err)
	var cp checkpoint.Checkpoint
	require.NoError(t, json.Unmarshal([]byte(out), &cp))
	assert.Equal(t, 1, cp.Version)
	assert.Equal(t, "card-5", cp.UnitID)

	_, err = execute(t, "", "--config", cfgPath, "checkpoint", "delete", "card-5")
	require.NoError(t, err)

	_, err = execute(t, "", "--config", cfgPath, "checkpoint", "show", "card-5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no checkpoint")
}

func TestReadPayload(t *testing.T) {
	p, err := readPayload(strings.NewReader(`{"type":"feature"}`), "-")
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"feature"}`, string(p))

	_, err = readPayload(strings.NewReader(`not json`), "-")
	assert.Error(t, err)

	p, err = readPayload(nil, "")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestSubmit_RejectsInvalidUnitBeforeConnecting(t *testing.T) {
	_, err := execute(t, `{"id":"card-other"}`, "submit", "card-1", "--payload", "-")
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrInvalidUnit)
}

func TestPoolConfig(t *testing.T) {
	cfg := config.Default().Dispatcher
	pc := poolConfig(cfg)
	assert.Equal(t, cfg.Workers, pc.Workers)
	assert.Equal(t, cfg.MaxRetries, pc.MaxRetries)
	assert.Equal(t, cfg.TaskTimeout.Duration(), pc.TaskTimeout)
	assert.Positive(t, pc.HeartbeatInterval)
}

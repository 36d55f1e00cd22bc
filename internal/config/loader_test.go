package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Dispatcher.MaxRetries)
	assert.Equal(t, 30*time.Minute, cfg.Dispatcher.TaskTimeout.Duration())
	assert.Equal(t, 80.0, cfg.Validator.MinCoverage)
	assert.Equal(t, 3, cfg.Debugging.MaxAttempts)
	assert.Equal(t, "file", cfg.Checkpoint.Backend)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
dispatcher:
  workers: 8
  base_backoff: 500ms
checkpoint:
  backend: nats
  bucket: UNITS
validator:
  min_coverage: 90
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Dispatcher.Workers)
	assert.Equal(t, 500*time.Millisecond, cfg.Dispatcher.BaseBackoff.Duration())
	assert.Equal(t, "nats", cfg.Checkpoint.Backend)
	assert.Equal(t, "UNITS", cfg.Checkpoint.Bucket)
	assert.Equal(t, 90.0, cfg.Validator.MinCoverage)
	// untouched sections keep their defaults
	assert.Equal(t, 3, cfg.Dispatcher.MaxRetries)
	assert.Equal(t, "cardline.tasks", cfg.Dispatcher.Subject)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
dispatcher:
  max_retries: 1
`)
	t.Setenv("CARDLINE_DISPATCHER_MAX_RETRIES", "5")
	t.Setenv("CARDLINE_NATS_URL", "nats://queue:4222")
	t.Setenv("CARDLINE_REASONING_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Dispatcher.MaxRetries)
	assert.Equal(t, "nats://queue:4222", cfg.NATS.URL)
	assert.True(t, cfg.Reasoning.APIKey.IsSet())
	assert.Equal(t, "sk-test", cfg.Reasoning.APIKey.Value())
	assert.Equal(t, "[REDACTED]", cfg.Reasoning.APIKey.String())
}

func TestLoad_InvalidValuesRejected(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{"bad backend", "checkpoint:\n  backend: redis\n", "checkpoint.backend"},
		{"zero workers", "dispatcher:\n  workers: 0\n", "dispatcher.workers"},
		{"coverage over 100", "validator:\n  min_coverage: 120\n", "validator.min_coverage"},
		{"bad port", "server:\n  port: 70000\n", "server.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestLoad_NegativeDurationRejected(t *testing.T) {
	_, err := Load(writeConfig(t, "dispatcher:\n  task_timeout: -5s\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoad_OversizedFileRejected(t *testing.T) {
	big := "# " + strings.Repeat("x", maxConfigFileSize) + "\n"
	_, err := Load(writeConfig(t, big))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "dispatcher.max_retries", envKey("CARDLINE_DISPATCHER_MAX_RETRIES"))
	assert.Equal(t, "nats.url", envKey("CARDLINE_NATS_URL"))
	assert.Equal(t, "debug", envKey("CARDLINE_DEBUG"))
}

func TestLoad_EnvDurationInSeconds(t *testing.T) {
	t.Setenv("CARDLINE_DISPATCHER_TASK_TIMEOUT", "90")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Dispatcher.TaskTimeout.Duration())
	assert.True(t, cfg.Reasoning.RedactSecrets)
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())
	assert.Equal(t, "1m30s", d.String())

	assert.Error(t, d.UnmarshalText([]byte("soon")))
	assert.Error(t, d.UnmarshalText([]byte("-3")))
}

func TestSecretNeverPrints(t *testing.T) {
	s := Secret("sk-live-123")
	for _, out := range []string{s.String(), s.GoString(), fmt.Sprintf("%v %s %#v", s, s, s)} {
		assert.NotContains(t, out, "sk-live")
	}
	b, err := json.Marshal(struct{ Key Secret }{s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Key":"[REDACTED]"}`, string(b))
	assert.Equal(t, "", Secret("").String())
}

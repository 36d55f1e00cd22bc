// Package config provides configuration loading for cardline.
//
// Configuration is assembled from compiled-in defaults, an optional YAML file
// and CARDLINE_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalid marks configuration errors. They are fatal at load time.
var ErrInvalid = errors.New("invalid configuration")

// Config holds the complete cardline configuration.
type Config struct {
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Server     ServerConfig     `koanf:"server"`
	NATS       NATSConfig       `koanf:"nats"`
	Checkpoint CheckpointConfig `koanf:"checkpoint"`
	Dispatcher DispatcherConfig `koanf:"dispatcher"`
	Temporal   TemporalConfig   `koanf:"temporal"`
	Validator  ValidatorConfig  `koanf:"validator"`
	Judge      JudgeConfig      `koanf:"judge"`
	Debugging  DebuggingConfig  `koanf:"debugging"`
	Generation GenerationConfig `koanf:"generation"`
	Reasoning  ReasoningConfig  `koanf:"reasoning"`
	Reporting  ReportingConfig  `koanf:"reporting"`
}

// LoggingConfig selects the log level and encoder.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig holds OpenTelemetry exporter settings.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"` // "grpc" or "http/protobuf"
	ServiceName string  `koanf:"service_name"`
	Insecure    bool    `koanf:"insecure"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// ServerConfig holds the health/metrics HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// NATSConfig holds the NATS connection used by the queue, KV checkpoints,
// collaborator clients and the reporting publisher.
type NATSConfig struct {
	URL           string   `koanf:"url"`
	Token         Secret   `koanf:"token"`
	MaxReconnects int      `koanf:"max_reconnects"`
	ReconnectWait Duration `koanf:"reconnect_wait"`
}

// CheckpointConfig selects the checkpoint backend.
type CheckpointConfig struct {
	Backend string `koanf:"backend"` // "file" or "nats"
	Dir     string `koanf:"dir"`
	Bucket  string `koanf:"bucket"`
}

// DispatcherConfig controls delivery, retry and timeouts.
type DispatcherConfig struct {
	Backend      string   `koanf:"backend"` // "nats" or "temporal"
	Stream       string   `koanf:"stream"`
	Subject      string   `koanf:"subject"`
	Consumer     string   `koanf:"consumer"`
	Workers      int      `koanf:"workers"`
	MaxRetries   int      `koanf:"max_retries"`
	BaseBackoff  Duration `koanf:"base_backoff"`
	TaskTimeout  Duration `koanf:"task_timeout"`
	FetchMaxWait Duration `koanf:"fetch_max_wait"`
}

// TemporalConfig configures the Temporal backend.
type TemporalConfig struct {
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// ValidatorConfig configures the evidence validator.
type ValidatorConfig struct {
	MinCoverage float64 `koanf:"min_coverage"`
	// MaxDiffFiles flags diffs touching more files than this. 0 disables.
	MaxDiffFiles int `koanf:"max_diff_files"`
	// RulesPath points at a YAML file of extra claim rules.
	RulesPath string `koanf:"rules_path"`
}

// JudgeConfig configures the quality judge.
type JudgeConfig struct {
	RubricsPath string `koanf:"rubrics_path"`
	Watch       bool   `koanf:"watch"`
}

// DebuggingConfig configures the debugging state machine.
type DebuggingConfig struct {
	MaxAttempts int `koanf:"max_attempts"`
}

// GenerationConfig configures the generation collaborator client.
type GenerationConfig struct {
	Subject    string   `koanf:"subject"`
	Timeout    Duration `koanf:"timeout"`
	MaxRetries int      `koanf:"max_retries"`
	RatePerSec float64  `koanf:"rate_per_sec"`
	Burst      int      `koanf:"burst"`
	// EvidenceSubject is where the test/lint/build collaborator listens.
	EvidenceSubject string `koanf:"evidence_subject"`
}

// ReasoningConfig configures the optional LLM reasoning collaborator used by
// the judge and the debugging investigator. Disabled when APIKey is unset.
type ReasoningConfig struct {
	BaseURL    string  `koanf:"base_url"`
	Model      string  `koanf:"model"`
	APIKey     Secret  `koanf:"api_key"`
	RatePerSec float64 `koanf:"rate_per_sec"`
	// RedactSecrets scrubs credentials from prompts with the gitleaks rules.
	RedactSecrets bool `koanf:"redact_secrets"`
	// AllowPatterns are regexes never treated as secrets.
	AllowPatterns []string `koanf:"allow_patterns"`
}

// ReportingConfig configures where decisions, progress snapshots and manual
// review submissions are published.
type ReportingConfig struct {
	Enabled             bool   `koanf:"enabled"`
	SubjectPrefix       string `koanf:"subject_prefix"`
	ManualReviewSubject string `koanf:"manual_review_subject"`
}

// Default returns the compiled-in defaults.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			ServiceName: "cardline",
			Insecure:    true,
			SampleRate:  1.0,
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			MaxReconnects: 5,
			ReconnectWait: Duration(time.Second),
		},
		Checkpoint: CheckpointConfig{
			Backend: "file",
			Dir:     "/var/lib/cardline/checkpoints",
			Bucket:  "CARDLINE_CHECKPOINTS",
		},
		Dispatcher: DispatcherConfig{
			Backend:      "nats",
			Stream:       "CARDLINE_TASKS",
			Subject:      "cardline.tasks",
			Consumer:     "cardline-workers",
			Workers:      4,
			MaxRetries:   3,
			BaseBackoff:  Duration(2 * time.Second),
			TaskTimeout:  Duration(30 * time.Minute),
			FetchMaxWait: Duration(5 * time.Second),
		},
		Temporal: TemporalConfig{
			HostPort:  "localhost:7233",
			Namespace: "default",
			TaskQueue: "cardline",
		},
		Validator: ValidatorConfig{
			MinCoverage: 80,
		},
		Judge: JudgeConfig{
			RubricsPath: "/etc/cardline/rubrics.yaml",
		},
		Debugging: DebuggingConfig{
			MaxAttempts: 3,
		},
		Generation: GenerationConfig{
			Subject:         "cardline.collab.generate",
			EvidenceSubject: "cardline.collab.evidence",
			Timeout:         Duration(10 * time.Minute),
			MaxRetries:      3,
			RatePerSec:      2,
			Burst:           2,
		},
		Reasoning: ReasoningConfig{
			Model:         "gpt-4o-mini",
			RatePerSec:    1,
			RedactSecrets: true,
		},
		Reporting: ReportingConfig{
			Enabled:             true,
			SubjectPrefix:       "cardline.reports",
			ManualReviewSubject: "cardline.manual_review",
		},
	}
}

// Validate checks the configuration. Every returned error wraps ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Logging.Format == "json" || c.Logging.Format == "console",
		"logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	check(c.Server.Port >= 1 && c.Server.Port <= 65535,
		"server.port must be 1-65535, got %d", c.Server.Port)
	check(c.Server.ShutdownTimeout > 0, "server.shutdown_timeout must be positive")
	check(!c.Telemetry.Enabled || c.Telemetry.ServiceName != "",
		"telemetry.service_name required when telemetry is enabled")

	check(c.Checkpoint.Backend == "file" || c.Checkpoint.Backend == "nats",
		"checkpoint.backend must be 'file' or 'nats', got %q", c.Checkpoint.Backend)
	check(c.Checkpoint.Backend != "file" || c.Checkpoint.Dir != "",
		"checkpoint.dir required for the file backend")

	check(c.Dispatcher.Backend == "nats" || c.Dispatcher.Backend == "temporal",
		"dispatcher.backend must be 'nats' or 'temporal', got %q", c.Dispatcher.Backend)
	check(c.Dispatcher.Workers > 0, "dispatcher.workers must be positive")
	check(c.Dispatcher.MaxRetries >= 0, "dispatcher.max_retries cannot be negative")
	check(c.Dispatcher.BaseBackoff > 0, "dispatcher.base_backoff must be positive")
	check(c.Dispatcher.TaskTimeout > 0, "dispatcher.task_timeout must be positive")

	check(c.Validator.MinCoverage >= 0 && c.Validator.MinCoverage <= 100 && !math.IsNaN(c.Validator.MinCoverage),
		"validator.min_coverage must be within [0,100], got %v", c.Validator.MinCoverage)
	check(c.Validator.MaxDiffFiles >= 0, "validator.max_diff_files cannot be negative")
	check(!c.Reporting.Enabled || (c.Reporting.SubjectPrefix != "" && c.Reporting.ManualReviewSubject != ""),
		"reporting subjects required when reporting is enabled")
	check(c.Debugging.MaxAttempts > 0, "debugging.max_attempts must be positive")
	check(c.Generation.MaxRetries >= 0, "generation.max_retries cannot be negative")
	check(c.Generation.RatePerSec > 0, "generation.rate_per_sec must be positive")

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

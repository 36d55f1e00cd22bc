package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cardline/internal/checkpoint"
	"github.com/fyrsmithlabs/cardline/internal/collab"
	"github.com/fyrsmithlabs/cardline/internal/config"
	"github.com/fyrsmithlabs/cardline/internal/debugging"
	"github.com/fyrsmithlabs/cardline/internal/decision"
	"github.com/fyrsmithlabs/cardline/internal/dispatcher"
	"github.com/fyrsmithlabs/cardline/internal/evidence"
	cardhttp "github.com/fyrsmithlabs/cardline/internal/http"
	"github.com/fyrsmithlabs/cardline/internal/judge"
	"github.com/fyrsmithlabs/cardline/internal/logging"
	"github.com/fyrsmithlabs/cardline/internal/metrics"
	"github.com/fyrsmithlabs/cardline/internal/pipeline"
	"github.com/fyrsmithlabs/cardline/internal/progress"
	"github.com/fyrsmithlabs/cardline/internal/reasoning"
	"github.com/fyrsmithlabs/cardline/internal/report"
	"github.com/fyrsmithlabs/cardline/internal/rules"
	"github.com/fyrsmithlabs/cardline/internal/secrets"
	"github.com/fyrsmithlabs/cardline/internal/telemetry"
)

// runtime holds everything a worker needs, built once at startup.
type runtime struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	registry  *prometheus.Registry
	sink      metrics.Sink

	nc *nats.Conn
	js jetstream.JetStream

	store   checkpoint.Store
	rubrics *judge.Registry
	review  dispatcher.ManualReviewSink
	runner  *pipeline.Runner
	closers []func() error
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	lcfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(lcfg, global.GetLoggerProvider())
}

func connectNATS(cfg config.NATSConfig, logger *zap.Logger) (*nats.Conn, jetstream.JetStream, error) {
	opts := []nats.Option{
		nats.Name("cardline"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait.Duration()),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.Token.IsSet() {
		opts = append(opts, nats.Token(cfg.Token.Value()))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to nats at %s: %w", cfg.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("creating jetstream context: %w", err)
	}
	return nc, js, nil
}

// openStore builds the configured checkpoint backend. js may be nil for the
// file backend.
func openStore(ctx context.Context, cfg config.CheckpointConfig, js jetstream.JetStream, logger *zap.Logger, opts ...checkpoint.Option) (checkpoint.Store, error) {
	switch cfg.Backend {
	case "file":
		return checkpoint.NewFileStore(cfg.Dir, pipeline.Stages, logger, opts...)
	case "nats":
		if js == nil {
			return nil, errors.New("the nats checkpoint backend needs a nats connection")
		}
		return checkpoint.NewKVStore(ctx, js, cfg.Bucket, pipeline.Stages, logger, opts...)
	default:
		return nil, fmt.Errorf("%w: unknown checkpoint backend %q", config.ErrInvalid, cfg.Backend)
	}
}

func loadClaimRules(path string) ([]rules.Rule, error) {
	if path == "" {
		return nil, nil
	}
	specs, err := rules.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return rules.Compile(specs)
}

// newRuntime wires the pipeline. Everything built here is released by Close.
func newRuntime(ctx context.Context, cfg *config.Config) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg}
	defer func() {
		if err != nil {
			_ = rt.Close(context.Background())
		}
	}()

	rt.logger, err = newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	z := rt.logger.Underlying()

	rt.telemetry, err = telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version), z)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	rt.closers = append(rt.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return rt.telemetry.Shutdown(sctx)
	})
	tp := rt.telemetry.TracerProvider()
	mp := rt.telemetry.MeterProvider()

	rt.registry = prometheus.NewRegistry()
	rt.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rt.sink = metrics.Tee{
		metrics.NewPrometheusSink(rt.registry),
		metrics.NewOTelSink(rt.telemetry.Meter("github.com/fyrsmithlabs/cardline/internal/metrics"), z),
	}

	rt.nc, rt.js, err = connectNATS(cfg.NATS, z)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() error { return rt.nc.Drain() })

	rt.store, err = openStore(ctx, cfg.Checkpoint, rt.js, z,
		checkpoint.WithTracerProvider(tp), checkpoint.WithMeterProvider(mp))
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint store: %w", err)
	}

	remote, err := collab.NewNATSClient(rt.nc, collab.NATSConfig{
		GenerateSubject: cfg.Generation.Subject,
		EvidenceSubject: cfg.Generation.EvidenceSubject,
		Timeout:         cfg.Generation.Timeout.Duration(),
	}, z)
	if err != nil {
		return nil, err
	}
	collaborators := collab.NewRetrying(remote, remote, collab.RetryConfig{
		MaxRetries: cfg.Generation.MaxRetries,
		RatePerSec: cfg.Generation.RatePerSec,
		Burst:      cfg.Generation.Burst,
	}, z)

	reasoningOpts := []reasoning.Option{reasoning.WithTracerProvider(tp)}
	if cfg.Reasoning.RedactSecrets && cfg.Reasoning.APIKey.IsSet() {
		redactor, err := secrets.NewRedactor(cfg.Reasoning.AllowPatterns...)
		if err != nil {
			return nil, fmt.Errorf("initializing secret redaction: %w", err)
		}
		reasoningOpts = append(reasoningOpts, reasoning.WithRedactor(redactor))
	}
	reasoner, err := reasoning.FromConfig(cfg.Reasoning, rt.logger, reasoningOpts...)
	if err != nil {
		return nil, fmt.Errorf("initializing reasoning client: %w", err)
	}
	var scorer judge.Scorer
	machineOpts := []debugging.Option{debugging.WithMaxAttempts(cfg.Debugging.MaxAttempts)}
	if reasoner != nil {
		scorer = judge.NewLLMScorer(reasoner)
		machineOpts = append(machineOpts, debugging.WithReasoner(reasoner))
	} else {
		rt.logger.Warn(ctx, "no reasoning api key configured; quality scoring is skipped and units pass on evidence alone")
	}

	rt.rubrics, err = judge.LoadRegistry(cfg.Judge.RubricsPath, z)
	if err != nil {
		return nil, fmt.Errorf("loading rubrics: %w", err)
	}
	j, err := judge.New(rt.rubrics, scorer, z, judge.WithMetrics(rt.sink), judge.WithTracerProvider(tp))
	if err != nil {
		return nil, err
	}

	extra, err := loadClaimRules(cfg.Validator.RulesPath)
	if err != nil {
		return nil, fmt.Errorf("loading claim rules: %w", err)
	}
	validator, err := evidence.NewValidator(evidence.Config{
		MinCoverage:     cfg.Validator.MinCoverage,
		MaxDiffFiles:    cfg.Validator.MaxDiffFiles,
		ExtraClaimRules: extra,
	}, z)
	if err != nil {
		return nil, err
	}

	machine, err := debugging.NewMachine(z, machineOpts...)
	if err != nil {
		return nil, err
	}

	var publisher report.Publisher
	if cfg.Reporting.Enabled {
		np, err := report.NewNATSPublisher(ctx, rt.js, report.StreamConfig{
			SubjectPrefix:       cfg.Reporting.SubjectPrefix,
			ManualReviewSubject: cfg.Reporting.ManualReviewSubject,
		}, z)
		if err != nil {
			return nil, fmt.Errorf("creating report publisher: %w", err)
		}
		publisher, rt.review = np, np
	} else {
		lp := report.NewLogPublisher(z)
		publisher, rt.review = lp, lp
	}

	rt.runner, err = pipeline.NewRunner(pipeline.Deps{
		Store:     rt.store,
		Generator: collaborators,
		Collector: collaborators,
		Validator: validator,
		Judge:     j,
		Debugger:  machine,
		Decider:   decision.NewEngine(z, rt.sink),
		Publisher: publisher,
		Detector:  progress.NewDetector(),
	}, rt.logger, pipeline.WithTracerProvider(tp))
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// healthChecks reports dependency health on /health.
func (rt *runtime) healthChecks() map[string]cardhttp.CheckFunc {
	return map[string]cardhttp.CheckFunc{
		"nats": func(context.Context) error {
			if !rt.nc.IsConnected() {
				return fmt.Errorf("nats %s", rt.nc.Status())
			}
			return nil
		},
		"telemetry": func(context.Context) error {
			if rt.telemetry.Degraded() {
				return errors.New("exporters degraded")
			}
			return nil
		},
	}
}

// Close releases resources in reverse order of creation.
func (rt *runtime) Close(context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.logger != nil {
		_ = rt.logger.Sync()
	}
	return errors.Join(errs...)
}

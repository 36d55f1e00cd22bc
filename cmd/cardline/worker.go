package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/cardline/internal/config"
	"github.com/fyrsmithlabs/cardline/internal/dispatcher"
	cardhttp "github.com/fyrsmithlabs/cardline/internal/http"
	"github.com/fyrsmithlabs/cardline/internal/workflows"
)

func newWorkerCmd(root *rootOptions) *cobra.Command {
	var backend string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a pipeline worker",
		Long: `Run a pipeline worker until interrupted.

With the nats backend the worker pulls tasks from a JetStream work queue and
retries failed attempts with exponential backoff. With the temporal backend
the card pipeline runs as a Temporal workflow, one activity per stage.

Examples:
  # Pull from JetStream with the configured worker count
  cardline worker --config /etc/cardline/config.yaml

  # Serve Temporal workflows instead
  cardline worker --backend temporal`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			if backend != "" {
				cfg.Dispatcher.Backend = backend
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runWorker(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "", "task backend: nats or temporal (overrides dispatcher.backend)")
	return cmd
}

// runWorker blocks until ctx is cancelled or a component fails.
func runWorker(ctx context.Context, cfg *config.Config) error {
	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close(context.Background()) }()

	z := rt.logger.Underlying()
	rt.logger.Info(ctx, "starting cardline worker",
		zap.String("version", version),
		zap.String("backend", cfg.Dispatcher.Backend),
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend),
		zap.Int("workers", cfg.Dispatcher.Workers))

	g, gctx := errgroup.WithContext(ctx)

	srv := cardhttp.NewServer(&cardhttp.Config{Host: cfg.Server.Host, Port: cfg.Server.Port}, rt.registry, rt.healthChecks(), z)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if cfg.Judge.Watch {
		g.Go(func() error { return rt.rubrics.Watch(gctx) })
	}

	switch cfg.Dispatcher.Backend {
	case "temporal":
		g.Go(func() error { return runTemporalWorker(gctx, rt) })
	default:
		g.Go(func() error { return runPool(gctx, rt) })
	}

	err = g.Wait()
	stats := rt.runner.Stats().Snapshot()
	rt.logger.Info(context.Background(), "cardline worker stopped",
		zap.Int64("processed", stats.Processed),
		zap.Int64("approved", stats.Approved),
		zap.Int64("rejected", stats.Rejected),
		zap.Int64("escalated", stats.Escalated),
		zap.Int64("failed", stats.Failed))
	return err
}

func poolConfig(cfg config.DispatcherConfig) dispatcher.PoolConfig {
	pc := dispatcher.DefaultPoolConfig()
	pc.Workers = cfg.Workers
	pc.MaxRetries = cfg.MaxRetries
	pc.BaseBackoff = cfg.BaseBackoff.Duration()
	pc.TaskTimeout = cfg.TaskTimeout.Duration()
	pc.HeartbeatInterval = 20 * time.Second
	return pc
}

func runPool(ctx context.Context, rt *runtime) error {
	cfg := rt.cfg.Dispatcher
	z := rt.logger.Underlying()

	queue, err := dispatcher.NewJetStreamQueue(ctx, rt.js, dispatcher.JetStreamConfig{
		Stream:       cfg.Stream,
		Subject:      cfg.Subject,
		Consumer:     cfg.Consumer,
		FetchMaxWait: cfg.FetchMaxWait.Duration(),
	}, z)
	if err != nil {
		return fmt.Errorf("opening task queue: %w", err)
	}
	defer queue.Close()

	pool, err := dispatcher.NewPool(queue, rt.runner.Process, poolConfig(cfg), z,
		dispatcher.WithManualReview(rt.runner.ReviewSink(rt.review)),
		dispatcher.WithMetrics(rt.sink),
		dispatcher.WithTracerProvider(rt.telemetry.TracerProvider()))
	if err != nil {
		return err
	}
	return pool.Run(ctx)
}

func dialTemporal(cfg config.TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}
	return c, nil
}

func runTemporalWorker(ctx context.Context, rt *runtime) error {
	c, err := dialTemporal(rt.cfg.Temporal)
	if err != nil {
		return err
	}
	defer c.Close()

	acts, err := workflows.NewActivities(rt.runner, rt.review, rt.logger.Underlying(),
		workflows.WithMeterProvider(rt.telemetry.MeterProvider()))
	if err != nil {
		return err
	}

	w := worker.New(c, rt.cfg.Temporal.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: rt.cfg.Dispatcher.Workers,
	})
	workflows.Register(w, acts)

	if err := w.Start(); err != nil {
		return fmt.Errorf("starting temporal worker: %w", err)
	}
	rt.logger.Info(ctx, "temporal worker started",
		zap.String("host", rt.cfg.Temporal.HostPort),
		zap.String("task_queue", rt.cfg.Temporal.TaskQueue))

	<-ctx.Done()
	w.Stop()
	return nil
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cardline/internal/config"
	"github.com/fyrsmithlabs/cardline/internal/dispatcher"
	"github.com/fyrsmithlabs/cardline/internal/pipeline"
	"github.com/fyrsmithlabs/cardline/internal/workflows"
)

func newSubmitCmd(root *rootOptions) *cobra.Command {
	var (
		backend     string
		payloadPath string
	)
	cmd := &cobra.Command{
		Use:   "submit <unit-id>",
		Short: "Enqueue a work unit",
		Long: `Enqueue a work unit for the workers. The payload is the unit's JSON
description and is read from a file, or from stdin with "-".

Examples:
  # Submit through JetStream
  cardline submit card-42 --payload card-42.json

  # Start a Temporal workflow instead
  cat card-42.json | cardline submit card-42 --payload - --backend temporal`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			if backend != "" {
				cfg.Dispatcher.Backend = backend
			}

			payload, err := readPayload(cmd.InOrStdin(), payloadPath)
			if err != nil {
				return err
			}
			// Reject malformed units here rather than after a worker picks them up.
			if _, err := pipeline.DecodeUnit(dispatcher.Task{UnitID: args[0], Payload: payload}); err != nil {
				return err
			}

			switch cfg.Dispatcher.Backend {
			case "temporal":
				c, err := dialTemporal(cfg.Temporal)
				if err != nil {
					return err
				}
				defer c.Close()
				run, err := workflows.Start(cmd.Context(), c, cfg.Temporal.TaskQueue, workflows.CardPipelineInput{
					UnitID:       args[0],
					Payload:      payload,
					MaxRetries:   cfg.Dispatcher.MaxRetries,
					StageTimeout: cfg.Dispatcher.TaskTimeout.Duration(),
				})
				if err != nil {
					return fmt.Errorf("starting workflow: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "started workflow %s (run %s)\n", run.GetID(), run.GetRunID())
				return nil
			default:
				logger := zap.NewNop()
				nc, js, err := connectNATS(cfg.NATS, logger)
				if err != nil {
					return err
				}
				defer nc.Close()
				queue, err := dispatcher.NewJetStreamQueue(cmd.Context(), js, dispatcher.JetStreamConfig{
					Stream:   cfg.Dispatcher.Stream,
					Subject:  cfg.Dispatcher.Subject,
					Consumer: cfg.Dispatcher.Consumer,
				}, logger)
				if err != nil {
					return err
				}
				defer queue.Close()
				h, err := queue.Enqueue(cmd.Context(), args[0], payload)
				if err != nil {
					return fmt.Errorf("enqueueing %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s as %s\n", h.UnitID, h.ID)
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "", "task backend: nats or temporal (overrides dispatcher.backend)")
	cmd.Flags().StringVarP(&payloadPath, "payload", "p", "", "unit JSON file, or - for stdin")
	return cmd
}

func readPayload(stdin io.Reader, path string) (json.RawMessage, error) {
	var (
		b   []byte
		err error
	)
	switch path {
	case "":
		return nil, nil
	case "-":
		b, err = io.ReadAll(io.LimitReader(stdin, 1<<20))
	default:
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(b), nil
}

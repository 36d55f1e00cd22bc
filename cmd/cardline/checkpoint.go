package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cardline/internal/checkpoint"
	"github.com/fyrsmithlabs/cardline/internal/config"
	"github.com/fyrsmithlabs/cardline/internal/pipeline"
)

func newCheckpointCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or remove unit checkpoints",
		Long: `Inspect or remove the checkpoint a unit resumes from.

Examples:
  # Show where card-42 will resume
  cardline checkpoint show card-42

  # Show the full checkpoint record as JSON
  cardline checkpoint show card-42 --json

  # Force card-42 to restart from generation
  cardline checkpoint delete card-42`,
	}
	cmd.AddCommand(newCheckpointShowCmd(root), newCheckpointDeleteCmd(root))
	return cmd
}

func newCheckpointShowCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <unit-id>",
		Short: "Show a unit's checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), root.configPath, func(store checkpoint.Store) error {
				cp, err := store.Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if cp == nil {
					return fmt.Errorf("no checkpoint for %s", args[0])
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(cp)
				}

				var st pipeline.UnitState
				if err := cp.Decode(&st); err != nil {
					return err
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "UNIT\t%s\n", cp.UnitID)
				fmt.Fprintf(w, "COMPLETED STAGE\t%s\n", cp.Stage)
				fmt.Fprintf(w, "NEXT STAGE\t%s\n", st.Unit.Stage)
				fmt.Fprintf(w, "TYPE\t%s\n", st.Unit.Type)
				fmt.Fprintf(w, "REVISION\t%d\n", st.Revision)
				fmt.Fprintf(w, "SAVED\t%s\n", cp.Timestamp.Format(time.RFC3339))
				if st.Debug != nil {
					fmt.Fprintf(w, "DEBUG ATTEMPTS\t%d\n", st.Debug.Outcome().Attempts)
				}
				if st.Decision != nil {
					fmt.Fprintf(w, "DECISION\t%s (%s)\n", st.Decision.Status, st.Decision.NextAction)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw checkpoint record")
	return cmd
}

func newCheckpointDeleteCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <unit-id>",
		Short: "Delete a unit's checkpoint so it restarts from the beginning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), root.configPath, func(store checkpoint.Store) error {
				if err := store.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted checkpoint for %s\n", args[0])
				return nil
			})
		},
	}
}

// withStore opens the configured checkpoint backend for a one-shot command.
func withStore(ctx context.Context, configPath string, fn func(checkpoint.Store) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := zap.NewNop()

	var js jetstream.JetStream
	if cfg.Checkpoint.Backend == "nats" {
		nc, stream, err := connectNATS(cfg.NATS, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		js = stream
	}
	store, err := openStore(ctx, cfg.Checkpoint, js, logger)
	if err != nil {
		return err
	}
	return fn(store)
}

// Cardline runs the checkpointed card pipeline.
//
// Usage:
//
//	# Run a worker against NATS JetStream
//	cardline worker --config /etc/cardline/config.yaml
//
//	# Run a Temporal worker instead
//	cardline worker --backend temporal
//
//	# Inspect a unit's checkpoint
//	cardline checkpoint show card-42
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// rootOptions are the flags every command shares.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "cardline",
		Short: "Checkpointed pipeline for AI-generated work units",
		Long: `cardline drives work units ("cards") through generation, evidence
collection, validation, quality scoring and a final decision, checkpointing
after every stage so a crashed worker resumes where it left off.`,
		Version:       version,
		SilenceUsage:  true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("CARDLINE_CONFIG"), "path to the YAML config file")

	cmd.AddCommand(
		newWorkerCmd(opts),
		newSubmitCmd(opts),
		newCheckpointCmd(opts),
		newRubricCmd(),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cardline by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}

package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cardline/internal/judge"
)

func newRubricCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rubric",
		Short: "Work with quality rubric files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Check a YAML or TOML rubric file",
		Long: `Check a rubric file the way a worker would load it: weights must sum
to 1.0, thresholds must lie within 0-10, and no unit type may map to two
rubrics.

Examples:
  cardline rubric validate /etc/cardline/rubrics.yaml
  cardline rubric validate rubrics.toml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rubrics, err := judge.LoadRubricFile(args[0])
			if err != nil {
				return err
			}
			if _, err := judge.NewRegistry(rubrics, zap.NewNop()); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RUBRIC\tUNIT TYPES\tTHRESHOLD\tCRITERIA")
			for _, r := range rubrics {
				names := make([]string, 0, len(r.Criteria))
				for _, c := range r.Criteria {
					names = append(names, fmt.Sprintf("%s=%.2f", c.Name, c.Weight))
				}
				fmt.Fprintf(w, "%s\t%s\t%.1f\t%s\n", r.ID, strings.Join(r.UnitTypes, ","), r.PassingThreshold, strings.Join(names, " "))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d rubric(s) valid\n", len(rubrics))
			return nil
		},
	})
	return cmd
}

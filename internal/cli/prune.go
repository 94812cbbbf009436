package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"stable-peg/internal/app"
)

var (
	pruneBefore    string
	pruneOlderThan time.Duration
	pruneDryRun    bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old ledger payments and price history",
	RunE: func(cmd *cobra.Command, args []string) error {
		if (pruneBefore == "") == (pruneOlderThan <= 0) {
			return fmt.Errorf("exactly one of --before or --older-than must be provided")
		}

		cutoff := time.Now().UTC().Add(-pruneOlderThan)
		if pruneBefore != "" {
			parsed, err := time.Parse(time.RFC3339, pruneBefore)
			if err != nil {
				return fmt.Errorf("invalid --before value: %w", err)
			}
			cutoff = parsed
		}

		return getApp().Prune(cmd.Context(), app.PruneOptions{
			Before: cutoff,
			DryRun: pruneDryRun,
		})
	},
}

func init() {
	pruneCmd.Flags().StringVar(&pruneBefore, "before", "", "Delete rows older than this timestamp (RFC3339)")
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 0, "Delete rows older than this age, e.g. 720h")
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "Report the cutoff without deleting")
}

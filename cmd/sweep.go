package cmd

import (
	"fmt"

	"payment-webhook-service/internal/app"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Replay unfinished webhook events and apply held refunds once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := app.New(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close(logger)

		report, err := a.Sweeper.Run(cmd.Context())
		if err != nil {
			return err
		}

		_, err = fmt.Fprintf(cmd.OutOrStdout(),
			"scanned=%d processed=%d failed=%d skipped=%d malformed=%d orphan_refs=%d orphans_applied=%d\n",
			report.Scanned, report.Processed, report.Failed, report.Skipped, report.Malformed,
			report.OrphanRefs, report.OrphansApplied)
		return err
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

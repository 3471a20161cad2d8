package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonathan/event-importer/internal/logging"
)

var approveTimeout time.Duration

var approveCmd = &cobra.Command{
	Use:   "approve JOB_ID",
	Short: "Approve pending schema changes and finish the import",
	Long:  "Approve the schema changes of an import waiting at await-approval, then run the rest of the pipeline. Requires DATABASE_URL.",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprove,
}

func init() {
	approveCmd.Flags().DurationVar(&approveTimeout, "timeout", 30*time.Minute, "Maximum time to wait for the import")
	rootCmd.AddCommand(approveCmd)
}

func runApprove(cmd *cobra.Command, args []string) error {
	ctx, cancel := contextWithTimeout(cmd, approveTimeout)
	defer cancel()
	ctx = logging.WithLogger(ctx, logger)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	stop := a.startWorkers(ctx)
	defer stop() //nolint:errcheck

	if _, err := a.handlers.Approve(ctx, args[0]); err != nil {
		return fmt.Errorf("failed to approve %s: %w", args[0], err)
	}
	job, err := a.drive(ctx, args[0], false)
	if err != nil {
		return err
	}
	return report(cmd.OutOrStdout(), job)
}

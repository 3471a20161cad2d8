package main

import (
	"fmt"
	"github.com/spf13/cobra"

	"github.com/jonathan/event-importer/internal/observability"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the URL cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())

		observability.NewPrinter(cmd.OutOrStdout()).PrintCacheStats(a.caches.Stats(cmd.Context()))
		return nil
	},
}

var cacheCleanAll bool

var cacheCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove expired cache entries",
	Long:  "Remove expired cache entries. With --all every cache is destroyed, including persisted filesystem state.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())

		if cacheCleanAll {
			if err := a.caches.ClearAll(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cleared all caches")
			return nil
		}

		removed := a.caches.Cleanup(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired entries\n", removed)
		return nil
	},
}

func init() {
	cacheCleanCmd.Flags().BoolVar(&cacheCleanAll, "all", false, "Destroy every cache")

	cacheCmd.AddCommand(cacheStatsCmd, cacheCleanCmd)
	rootCmd.AddCommand(cacheCmd)
}

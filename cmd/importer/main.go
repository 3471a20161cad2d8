// Package main provides the importer CLI and HTTP server.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jonathan/event-importer/internal/config"
	"github.com/jonathan/event-importer/internal/logging"
)

var (
	configFile string
	envFile    string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "importer",
	Short:         "Event import pipeline",
	Long:          "Imports CSV, XLSX and HTML-table files into datasets of events, with duplicate detection, schema approval and geocoding.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.Load(config.LoadOptions{File: configFile, DotEnv: envFile})
		if err != nil {
			return err
		}
		cfg = loaded
		logger = logging.SetupWriter(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "JSON config file keyed by environment variable names")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Additional .env file")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Manage datasets",
}

var datasetCreateFile string

var datasetCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a dataset from a JSON file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ds, err := readDataset(datasetCreateFile)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())

		if err := a.store.CreateDataset(cmd.Context(), ds); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created dataset %s\n", ds.ID)
		return nil
	},
}

var datasetShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Print a dataset as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())

		ds, err := a.store.GetDataset(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(ds)
	},
}

func init() {
	datasetCreateCmd.Flags().StringVarP(&datasetCreateFile, "file", "f", "", "Dataset JSON file (required)")
	datasetCreateCmd.MarkFlagRequired("file") //nolint:errcheck

	datasetCmd.AddCommand(datasetCreateCmd, datasetShowCmd)
	rootCmd.AddCommand(datasetCmd)
}

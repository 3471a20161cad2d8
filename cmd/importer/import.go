package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonathan/event-importer/internal/ingestion"
	"github.com/jonathan/event-importer/internal/logging"
	"github.com/jonathan/event-importer/internal/schemas"
	"github.com/jonathan/event-importer/internal/store"
	"github.com/jonathan/event-importer/internal/types"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a file or URL into a dataset",
	Long: `Import a CSV, XLSX or HTML-table source into a dataset and run the pipeline
in-process until the job completes, fails or waits for schema approval.`,
	RunE: runImport,
}

var (
	importDataset     string
	importDatasetFile string
	importFile        string
	importURL         string
	importSheet       int
	importApprove     bool
	importTimeout     time.Duration
)

func init() {
	importCmd.Flags().StringVarP(&importDataset, "dataset", "d", "", "Dataset ID")
	importCmd.Flags().StringVar(&importDatasetFile, "dataset-file", "", "Dataset JSON to register before importing")
	importCmd.Flags().StringVarP(&importFile, "file", "f", "", "Path to the source file")
	importCmd.Flags().StringVarP(&importURL, "url", "u", "", "URL to download the source from")
	importCmd.Flags().IntVar(&importSheet, "sheet", 0, "Sheet index for XLSX sources")
	importCmd.Flags().BoolVar(&importApprove, "approve", false, "Approve schema changes automatically")
	importCmd.Flags().DurationVar(&importTimeout, "timeout", 30*time.Minute, "Maximum time to wait for the import")

	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, _ []string) error {
	if importFile == "" && importURL == "" {
		return fmt.Errorf("either --file or --url must be provided")
	}
	if importFile != "" && importURL != "" {
		return fmt.Errorf("--file and --url are mutually exclusive; provide only one")
	}

	ctx, cancel := contextWithTimeout(cmd, importTimeout)
	defer cancel()
	ctx = logging.WithLogger(ctx, logger)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	datasetID := importDataset
	if importDatasetFile != "" {
		ds, err := registerDataset(ctx, a, importDatasetFile)
		if err != nil {
			return err
		}
		if datasetID == "" {
			datasetID = ds.ID
		}
	}
	if datasetID == "" {
		return fmt.Errorf("--dataset or --dataset-file is required")
	}

	stop := a.startWorkers(ctx)
	defer stop() //nolint:errcheck

	var job *types.ImportJob
	if importFile != "" {
		job, err = importFromFile(ctx, a, datasetID)
	} else {
		job, err = a.acquirer.FromURL(ctx, ingestion.URLImport{
			DatasetID:  datasetID,
			URL:        importURL,
			SheetIndex: importSheet,
			Timeout:    cfg.FetchTimeout,
		})
	}
	if err != nil {
		return fmt.Errorf("failed to start import: %w", err)
	}

	jobID := job.ID
	job, err = a.drive(ctx, jobID, importApprove)
	if err != nil {
		return fmt.Errorf("import %s did not finish: %w", jobID, err)
	}
	return report(cmd.OutOrStdout(), job)
}

func importFromFile(ctx context.Context, a *app, datasetID string) (*types.ImportJob, error) {
	f, err := os.Open(importFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	return a.acquirer.FromUpload(ctx, ingestion.Upload{
		DatasetID:  datasetID,
		Filename:   filepath.Base(importFile),
		SheetIndex: importSheet,
		Size:       info.Size(),
		Body:       f,
	})
}

// registerDataset validates and stores the dataset in path. An existing
// dataset with the same ID is kept.
func registerDataset(ctx context.Context, a *app, path string) (*types.Dataset, error) {
	ds, err := readDataset(path)
	if err != nil {
		return nil, err
	}
	if err := a.store.CreateDataset(ctx, ds); err != nil {
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("failed to create dataset: %w", err)
		}
		logger.Info("dataset already exists", "dataset_id", ds.ID)
	}
	return ds, nil
}

func readDataset(path string) (*types.Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset file %s: %w", path, err)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("dataset file %s is not valid JSON", path)
	}
	if err := schemas.ValidateDataset(raw); err != nil {
		return nil, err
	}

	var ds types.Dataset
	if err := json.Unmarshal(raw, &ds); err != nil {
		return nil, fmt.Errorf("failed to parse dataset file %s: %w", path, err)
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return &ds, nil
}

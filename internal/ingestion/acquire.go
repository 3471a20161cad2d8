package ingestion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/event-importer/internal/fetch"
	"github.com/jonathan/event-importer/internal/logging"
	"github.com/jonathan/event-importer/internal/store"
	"github.com/jonathan/event-importer/internal/types"
)

// DefaultMaxFileSize is the upload and download ceiling when none is configured.
const DefaultMaxFileSize int64 = 100 << 20

// Starter kicks off processing of a newly created import job.
type Starter interface {
	Start(ctx context.Context, job *types.ImportJob) error
}

// AcquirerConfig configures an Acquirer.
type AcquirerConfig struct {
	Store        store.Store
	Fetcher      *fetch.CachedFetcher
	Starter      Starter
	UploadDir    string
	MaxFileSize  int64
	AllowedTypes []string
	Logger       *slog.Logger
}

// Acquirer stores import sources on disk, records them and starts their jobs.
type Acquirer struct {
	store        store.Store
	fetcher      *fetch.CachedFetcher
	starter      Starter
	uploadDir    string
	maxFileSize  int64
	allowedTypes []string
	logger       *slog.Logger
}

// NewAcquirer creates an Acquirer.
func NewAcquirer(config AcquirerConfig) *Acquirer {
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = DefaultMaxFileSize
	}
	if len(config.AllowedTypes) == 0 {
		config.AllowedTypes = DefaultAllowedTypes
	}
	if config.Logger == nil {
		config.Logger = logging.Discard()
	}
	return &Acquirer{
		store:        config.Store,
		fetcher:      config.Fetcher,
		starter:      config.Starter,
		uploadDir:    config.UploadDir,
		maxFileSize:  config.MaxFileSize,
		allowedTypes: config.AllowedTypes,
		logger:       config.Logger,
	}
}

// MaxFileSize returns the configured ceiling in bytes.
func (a *Acquirer) MaxFileSize() int64 {
	return a.maxFileSize
}

// Upload describes a file submitted directly.
type Upload struct {
	DatasetID  string
	Filename   string
	SheetIndex int
	// Size is the declared size, if known. Zero means unknown.
	Size int64
	Body io.Reader
}

// FromUpload accepts an uploaded file and starts its import job.
func (a *Acquirer) FromUpload(ctx context.Context, up Upload) (*types.ImportJob, error) {
	if up.Size > a.maxFileSize {
		return nil, tooLarge(up.Size, a.maxFileSize)
	}

	content, err := io.ReadAll(io.LimitReader(up.Body, a.maxFileSize+1))
	if err != nil {
		return nil, &Error{Path: up.Filename, Message: "failed to read upload", Cause: err}
	}
	if int64(len(content)) > a.maxFileSize {
		return nil, tooLarge(int64(len(content)), a.maxFileSize)
	}

	return a.accept(ctx, up.DatasetID, up.Filename, "", up.SheetIndex, content)
}

// URLImport describes a remote import source.
type URLImport struct {
	DatasetID  string
	URL        string
	SheetIndex int
	Timeout    time.Duration
}

// FromURL downloads a remote source through the fetch cache and starts its
// import job. Transport and status failures keep their fetch.Error detail.
func (a *Acquirer) FromURL(ctx context.Context, req URLImport) (*types.ImportJob, error) {
	if a.fetcher == nil {
		return nil, fmt.Errorf("URL imports are not configured")
	}

	parsed, err := url.Parse(req.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, &fetch.Error{URL: req.URL, Message: "invalid URL"}
	}

	resp, err := a.fetcher.Fetch(ctx, fetch.Request{URL: req.URL, Timeout: req.Timeout, MaxBodySize: a.maxFileSize})
	var tooBig *fetch.BodyTooLargeError
	if errors.As(err, &tooBig) {
		if tooBig.Declared > 0 {
			return nil, tooLarge(tooBig.Declared, a.maxFileSize)
		}
		return nil, fmt.Errorf("%w: file size exceeds maximum %d", ErrFileTooLarge, a.maxFileSize)
	}
	if err != nil {
		return nil, err
	}
	if err := fetch.CheckStatus(resp); err != nil {
		return nil, err
	}
	if int64(len(resp.Body)) > a.maxFileSize {
		return nil, tooLarge(int64(len(resp.Body)), a.maxFileSize)
	}

	logging.FromContext(ctx).Info("downloaded import source",
		"url", req.URL, "bytes", len(resp.Body), "cache", resp.CacheStatus)

	name := filenameFromURL(parsed.Path, "download")
	return a.accept(ctx, req.DatasetID, name, req.URL, req.SheetIndex, resp.Body)
}

func (a *Acquirer) accept(ctx context.Context, datasetID, filename, sourceURL string, sheetIndex int, content []byte) (*types.ImportJob, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, &Error{Path: filename, Message: "file is empty"}
	}

	detected, ok := Sniff(content, a.allowedTypes)
	if !ok {
		return nil, unsupportedType(detected.String())
	}

	if _, err := a.store.GetDataset(ctx, datasetID); err != nil {
		return nil, fmt.Errorf("dataset %s: %w", datasetID, err)
	}

	id := uuid.NewString()
	stored := filepath.Join(a.uploadDir, id+FormatFor(detected, filename))
	if err := os.MkdirAll(a.uploadDir, 0o755); err != nil {
		return nil, &Error{Path: a.uploadDir, Message: "failed to create upload directory", Cause: err}
	}
	if err := os.WriteFile(stored, content, 0o644); err != nil {
		return nil, &Error{Path: stored, Message: "failed to write file", Cause: err}
	}

	file := &types.ImportFile{
		ID:        id,
		DatasetID: datasetID,
		Filename:  filename,
		Path:      stored,
		MIMEType:  detected.String(),
		Size:      int64(len(content)),
		Hash:      computeHash(content),
		SourceURL: sourceURL,
	}
	if err := a.store.CreateImportFile(ctx, file); err != nil {
		return nil, fmt.Errorf("failed to record import file: %w", err)
	}

	job := &types.ImportJob{
		Stage:        types.StageAnalyzeDuplicates,
		DatasetID:    datasetID,
		ImportFileID: file.ID,
		SheetIndex:   sheetIndex,
	}
	if err := a.store.CreateImportJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create import job: %w", err)
	}

	logger := logging.FromContext(ctx).With("import_job_id", job.ID)
	logger.Info("accepted import file",
		"dataset_id", datasetID, "file", filename, "mime_type", file.MIMEType, "size", file.Size)

	if a.starter != nil {
		if err := a.starter.Start(ctx, job); err != nil {
			logger.Error("failed to start import job", slog.Any("error", err))
			return job, fmt.Errorf("failed to start import job %s: %w", job.ID, err)
		}
	}
	return job, nil
}

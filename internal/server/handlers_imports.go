package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/jonathan/event-importer/internal/ingestion"
	"github.com/jonathan/event-importer/internal/logging"
	"github.com/jonathan/event-importer/internal/types"
)

// multipartOverhead is allowed on top of the file size for form fields and boundaries.
const multipartOverhead = 1 << 20

// URLImportRequest is the body of POST /imports/url.
type URLImportRequest struct {
	DatasetID      string `json:"datasetId" validate:"required"`
	URL            string `json:"url" validate:"required,url"`
	SheetIndex     int    `json:"sheetIndex" validate:"gte=0"`
	TimeoutSeconds int    `json:"timeoutSeconds" validate:"gte=0"`
}

// ImportResponse is returned when an import is accepted.
type ImportResponse struct {
	ImportJobID  string      `json:"importJobId"`
	ImportFileID string      `json:"importFileId"`
	Stage        types.Stage `json:"stage"`
}

// ImportStatus is the public view of an import job.
type ImportStatus struct {
	ID            string                 `json:"id"`
	DatasetID     string                 `json:"datasetId"`
	Stage         types.Stage            `json:"stage"`
	Progress      types.Progress         `json:"progress"`
	Duplicates    types.DuplicateSummary `json:"duplicates"`
	SchemaChanges []types.SchemaChange   `json:"schemaChanges,omitempty"`
	Approved      bool                   `json:"approved"`
	Results       *types.Results         `json:"results,omitempty"`
	Errors        []types.RowError       `json:"errors,omitempty"`
	ErrorLog      string                 `json:"errorLog,omitempty"`
	UpdatedAt     time.Time              `json:"updatedAt"`
}

func statusOf(job *types.ImportJob) ImportStatus {
	return ImportStatus{
		ID:            job.ID,
		DatasetID:     job.DatasetID,
		Stage:         job.Stage,
		Progress:      job.Progress,
		Duplicates:    job.Duplicates.Summary,
		SchemaChanges: job.SchemaChanges,
		Approved:      job.Approved,
		Results:       job.Results,
		Errors:        job.Errors,
		ErrorLog:      job.ErrorLog,
		UpdatedAt:     job.UpdatedAt,
	}
}

func accepted(job *types.ImportJob) ImportResponse {
	return ImportResponse{ImportJobID: job.ID, ImportFileID: job.ImportFileID, Stage: job.Stage}
}

// acquireUploadSlot blocks until an upload slot is free or the request ends.
func (s *Server) acquireUploadSlot(r *http.Request) bool {
	select {
	case s.uploads <- struct{}{}:
		return true
	case <-r.Context().Done():
		return false
	}
}

func (s *Server) releaseUploadSlot() {
	<-s.uploads
}

// handleCreateImport accepts a multipart upload with fields file and datasetId.
func (s *Server) handleCreateImport(w http.ResponseWriter, r *http.Request) {
	if !s.acquireUploadSlot(r) {
		s.errorResponse(w, r, http.StatusServiceUnavailable, "request cancelled while waiting for an upload slot")
		return
	}
	defer s.releaseUploadSlot()

	maxSize := s.cfg.Importer.MaxFileSize()
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+multipartOverhead)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			s.writeError(w, r, err)
			return
		}
		s.writeError(w, r, &ErrValidation{Field: "body", Message: "invalid multipart form"})
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	datasetID := r.FormValue("datasetId")
	if datasetID == "" {
		s.writeError(w, r, &ErrValidation{Field: "datasetId", Message: "is required"})
		return
	}

	sheetIndex := 0
	if raw := r.FormValue("sheetIndex"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, &ErrValidation{Field: "sheetIndex", Message: "must be a non-negative integer"})
			return
		}
		sheetIndex = n
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, &ErrValidation{Field: "file", Message: "no file provided"})
		return
	}
	defer file.Close()

	job, err := s.cfg.Importer.FromUpload(r.Context(), ingestion.Upload{
		DatasetID:  datasetID,
		Filename:   header.Filename,
		SheetIndex: sheetIndex,
		Size:       header.Size,
		Body:       file,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	logging.FromContext(r.Context()).Info("upload accepted",
		"import_job_id", job.ID, "dataset_id", datasetID, "filename", header.Filename, "size", header.Size)
	s.jsonResponse(w, r, http.StatusAccepted, accepted(job))
}

// handleCreateURLImport downloads a remote source and starts its import.
func (s *Server) handleCreateURLImport(w http.ResponseWriter, r *http.Request) {
	var req URLImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, &ErrValidation{Field: "body", Message: err.Error()})
		return
	}
	if err := validator.New().Struct(req); err != nil {
		s.writeError(w, r, err)
		return
	}

	job, err := s.cfg.Importer.FromURL(r.Context(), ingestion.URLImport{
		DatasetID:  req.DatasetID,
		URL:        req.URL,
		SheetIndex: req.SheetIndex,
		Timeout:    time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	logging.FromContext(r.Context()).Info("URL import accepted", "import_job_id", job.ID, "url", req.URL)
	s.jsonResponse(w, r, http.StatusAccepted, accepted(job))
}

func (s *Server) handleGetImport(w http.ResponseWriter, r *http.Request) {
	job, err := s.cfg.Store.GetImportJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, r, http.StatusOK, statusOf(job))
}

func (s *Server) handleApproveImport(w http.ResponseWriter, r *http.Request) {
	job, err := s.cfg.Approver.Approve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, r, http.StatusOK, statusOf(job))
}

// handleImportEvents streams job status as Server-Sent Events until the job
// reaches a terminal stage or the client disconnects.
func (s *Server) handleImportEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	job, err := s.cfg.Store.GetImportJob(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, r, http.StatusInternalServerError, err.Error())
		return
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var last time.Time
	for {
		if !job.UpdatedAt.Equal(last) {
			last = job.UpdatedAt
			if err := sse.WriteEvent("progress", statusOf(job)); err != nil {
				return
			}
		}
		if job.Stage.IsTerminal() {
			sse.WriteEvent("complete", statusOf(job)) //nolint:errcheck
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		job, err = s.cfg.Store.GetImportJob(ctx, id)
		if err != nil {
			sse.WriteError(err.Error())
			return
		}
	}
}

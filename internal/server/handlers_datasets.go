package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jonathan/event-importer/internal/logging"
	"github.com/jonathan/event-importer/internal/schemas"
	"github.com/jonathan/event-importer/internal/types"
)

const maxDatasetBody = 1 << 20

// handleCreateDataset registers a dataset. The body is checked against the
// dataset JSON Schema before it is decoded.
func (s *Server) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDatasetBody))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !json.Valid(raw) {
		s.writeError(w, r, &ErrValidation{Field: "body", Message: "invalid JSON"})
		return
	}
	if err := schemas.ValidateDataset(raw); err != nil {
		s.writeError(w, r, err)
		return
	}

	var ds types.Dataset
	if err := json.Unmarshal(raw, &ds); err != nil {
		s.writeError(w, r, &ErrValidation{Field: "body", Message: err.Error()})
		return
	}
	if err := ds.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cfg.Store.CreateDataset(r.Context(), &ds); err != nil {
		s.writeError(w, r, err)
		return
	}

	logging.FromContext(r.Context()).Info("dataset created", "dataset_id", ds.ID)
	s.jsonResponse(w, r, http.StatusCreated, ds)
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	ds, err := s.cfg.Store.GetDataset(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, r, http.StatusOK, ds)
}

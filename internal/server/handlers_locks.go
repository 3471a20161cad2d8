package server

import (
	"net/http"
	"time"

	"github.com/jonathan/event-importer/internal/logging"
)

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, r, http.StatusOK, map[string]int{"transitioning": s.cfg.Locks.TransitioningCount()})
}

// handleLocksCleanup drops transition locks older than ?maxAge= (default 5m).
func (s *Server) handleLocksCleanup(w http.ResponseWriter, r *http.Request) {
	maxAge := 5 * time.Minute
	if raw := r.URL.Query().Get("maxAge"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			s.writeError(w, r, &ErrValidation{Field: "maxAge", Message: "must be a non-negative duration"})
			return
		}
		maxAge = d
	}

	removed := s.cfg.Locks.CleanupOldLocks(maxAge)
	logging.FromContext(r.Context()).Info("transition locks cleaned", "removed", removed, "max_age", maxAge)
	s.jsonResponse(w, r, http.StatusOK, map[string]int{
		"removed":   removed,
		"remaining": s.cfg.Locks.TransitioningCount(),
	})
}

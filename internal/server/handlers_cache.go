package server

import (
	"net/http"

	"github.com/jonathan/event-importer/internal/logging"
)

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, r, http.StatusOK, s.cfg.Caches.Stats(r.Context()))
}

// handleCacheClear empties the cache named by ?name=, or every cache.
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name != "" && !s.hasCache(name) {
		s.writeError(w, r, &ErrValidation{Field: "name", Message: "unknown cache " + name})
		return
	}

	cleared, err := s.cfg.Caches.Clear(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	logging.FromContext(r.Context()).Info("cache cleared", "name", name, "entries", cleared)
	s.jsonResponse(w, r, http.StatusOK, map[string]any{"cleared": cleared})
}

func (s *Server) hasCache(name string) bool {
	for _, n := range s.cfg.Caches.Names() {
		if n == name {
			return true
		}
	}
	return false
}

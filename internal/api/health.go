package api

import (
	"net/http"

	"github.com/seantiz/geoexec/internal/model"
	"github.com/seantiz/geoexec/internal/store"
)

type healthResponse struct {
	Status  string `json:"status"`
	Running int    `json:"running"`
}

// handleHealthz reports ok when the status store answers queries.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.Count(r.Context(), store.Eq(store.FieldPhase, model.PhaseRunning))
	if err != nil {
		s.logger.Error("health check", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Running: n})
}

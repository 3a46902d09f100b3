package api

import (
	"net/http"

	"github.com/seantiz/geoexec/internal/engine"
	"github.com/seantiz/geoexec/internal/model"
	"github.com/seantiz/geoexec/internal/store"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	engine.Stats
	Total   int            `json:"total"`
	ByPhase map[string]int `json:"by_phase"`
}

var phases = []model.Phase{
	model.PhaseQueued,
	model.PhaseRunning,
	model.PhaseSucceeded,
	model.PhaseFailed,
	model.PhaseDismissed,
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Stats:   s.manager.Stats(),
		ByPhase: make(map[string]int, len(phases)),
	}
	for _, p := range phases {
		n, err := s.store.Count(r.Context(), store.Eq(store.FieldPhase, p))
		if err != nil {
			s.logger.Error("count executions", "phase", string(p), "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to get stats")
			return
		}
		resp.ByPhase[string(p)] = n
		resp.Total += n
	}
	s.writeJSON(w, http.StatusOK, resp)
}

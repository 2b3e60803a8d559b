package api

import (
	"net/http"

	"github.com/soaringjerry/Sensora/internal/models"
)

// GET /api/events/{id}/evaluations
func (rt *Router) handleListEvaluations(w http.ResponseWriter, r *http.Request) {
	evals, err := rt.gateway.ListByEvent(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	if evals == nil {
		evals = []*models.Evaluation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"evaluations": evals})
}

// PUT /api/evaluations/{id}
func (rt *Router) handleOverrideEvaluation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason  string               `json:"reason"`
		Hedonic models.HedonicScores `json:"hedonic"`
		JAR     map[string]int       `json:"jar"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		rt.badRequest(w, r, "invalid JSON body")
		return
	}
	ev, err := rt.gateway.Override(r.Context(), actor(r), r.PathValue("id"), req.Reason, req.Hedonic, req.JAR)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// GET /api/evaluations/{id}/revisions
func (rt *Router) handleListRevisions(w http.ResponseWriter, r *http.Request) {
	revs, err := rt.gateway.ListRevisions(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	if revs == nil {
		revs = []*models.EvaluationRevision{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"revisions": revs})
}

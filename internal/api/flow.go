package api

import (
	"net/http"
	"strings"

	"github.com/soaringjerry/Sensora/internal/middleware"
	"github.com/soaringjerry/Sensora/internal/models"
	"github.com/soaringjerry/Sensora/internal/services"
)

func session(r *http.Request) services.Session {
	c, _ := middleware.ClaimsFromContext(r.Context())
	return services.Session{UserID: c.UID, EventID: r.PathValue("id"), Position: c.Pos}
}

// GET /api/events/{id}/flow
func (rt *Router) handleFlowState(w http.ResponseWriter, r *http.Request) {
	state, err := rt.flow.State(r.Context(), session(r))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// POST /api/events/{id}/flow/submit
// The submission token comes from the X-Submission-Token header or the body.
func (rt *Router) handleFlowSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string               `json:"token"`
		SampleID string               `json:"sample_id"`
		Hedonic  models.HedonicScores `json:"hedonic"`
		JAR      map[string]int       `json:"jar"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		rt.badRequest(w, r, "invalid JSON body")
		return
	}
	if req.SampleID == "" {
		rt.badRequest(w, r, "sample_id required")
		return
	}
	token := strings.TrimSpace(r.Header.Get(middleware.SubmissionTokenHeader))
	if token == "" {
		token = req.Token
	}
	res, err := rt.flow.Submit(r.Context(), session(r), services.SubmitRequest{
		Token:    token,
		SampleID: req.SampleID,
		Hedonic:  req.Hedonic,
		JAR:      req.JAR,
	})
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// POST /api/events/{id}/flow/continue {"product_type_id": "..."}
func (rt *Router) handleFlowContinue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductTypeID string `json:"product_type_id"`
	}
	if err := decodeJSON(w, r, &req); err != nil || req.ProductTypeID == "" {
		rt.badRequest(w, r, "product_type_id required")
		return
	}
	state, err := rt.flow.ContinueAfterReveal(r.Context(), session(r), req.ProductTypeID)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// GET /api/events/{id}/flow/complete
func (rt *Router) handleFlowComplete(w http.ResponseWriter, r *http.Request) {
	sess := session(r)
	done, err := rt.flow.IsComplete(r.Context(), sess.UserID, sess.EventID)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"complete": done})
}

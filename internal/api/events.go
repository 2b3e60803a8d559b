package api

import (
	"net/http"
	"strconv"

	"github.com/soaringjerry/Sensora/internal/models"
)

// POST /api/events
func (rt *Router) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		Date string `json:"date"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		rt.badRequest(w, r, "invalid JSON body")
		return
	}
	ev, err := rt.events.CreateEvent(r.Context(), actor(r), req.Name, req.Date)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

// GET /api/events
func (rt *Router) handleListEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := rt.events.ListEvents(r.Context())
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	if evs == nil {
		evs = []*models.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

// GET /api/events/{id}
func (rt *Router) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := rt.events.GetEvent(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// POST /api/events/{id}/status {"status": "active"}
func (rt *Router) handleEventStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status models.EventStatus `json:"status"`
	}
	if err := decodeJSON(w, r, &req); err != nil || req.Status == "" {
		rt.badRequest(w, r, "status required")
		return
	}
	ev, err := rt.events.UpdateStatus(r.Context(), actor(r), r.PathValue("id"), req.Status)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// POST /api/events/{id}/product-types
func (rt *Router) handleCreateProductType(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string   `json:"name"`
		DisplayOrder  int      `json:"display_order"`
		JARAttributes []string `json:"jar_attributes"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		rt.badRequest(w, r, "invalid JSON body")
		return
	}
	pt, err := rt.events.CreateProductType(r.Context(), actor(r), r.PathValue("id"), req.Name, req.DisplayOrder, req.JARAttributes)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pt)
}

// GET /api/events/{id}/product-types
func (rt *Router) handleListProductTypes(w http.ResponseWriter, r *http.Request) {
	pts, err := rt.events.ListProductTypes(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	if pts == nil {
		pts = []*models.ProductType{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"product_types": pts})
}

// POST /api/product-types/{id}/samples
func (rt *Router) handleAddSample(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Brand        string `json:"brand"`
		RetailerCode string `json:"retailer_code"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		rt.badRequest(w, r, "invalid JSON body")
		return
	}
	s, err := rt.events.AddSample(r.Context(), actor(r), r.PathValue("id"), req.Brand, req.RetailerCode)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// GET /api/product-types/{id}/samples
func (rt *Router) handleListSamples(w http.ResponseWriter, r *http.Request) {
	samples, err := rt.events.ListSamples(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	if samples == nil {
		samples = []*models.Sample{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"samples": samples})
}

// PATCH /api/samples/{id} {"hidden_from_reports": true}
func (rt *Router) handlePatchSample(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Hidden *bool `json:"hidden_from_reports"`
	}
	if err := decodeJSON(w, r, &req); err != nil || req.Hidden == nil {
		rt.badRequest(w, r, "hidden_from_reports required")
		return
	}
	if err := rt.events.SetSampleHidden(r.Context(), actor(r), r.PathValue("id"), *req.Hidden); err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "hidden_from_reports": *req.Hidden})
}

// DELETE /api/samples/{id}
func (rt *Router) handleDeleteSample(w http.ResponseWriter, r *http.Request) {
	if err := rt.events.DeleteSample(r.Context(), actor(r), r.PathValue("id")); err != nil {
		rt.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/product-types/{id}/randomization?replace=true
func (rt *Router) handleGenerateRandomization(w http.ResponseWriter, r *http.Request) {
	replace := false
	if v := r.URL.Query().Get("replace"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			rt.badRequest(w, r, "replace must be a boolean")
			return
		}
		replace = b
	}
	table, err := rt.rnd.Generate(r.Context(), actor(r), r.PathValue("id"), replace)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, table)
}

// GET /api/product-types/{id}/randomization
func (rt *Router) handleGetRandomization(w http.ResponseWriter, r *http.Request) {
	table, err := rt.rnd.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, table)
}

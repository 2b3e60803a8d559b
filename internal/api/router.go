package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/soaringjerry/Sensora/internal/logger"
	"github.com/soaringjerry/Sensora/internal/middleware"
	"github.com/soaringjerry/Sensora/internal/models"
	"github.com/soaringjerry/Sensora/internal/services"
)

const maxBodyBytes = 1 << 20

// AuditReader exposes the audit trail to administrators.
type AuditReader interface {
	ListAudit(ctx context.Context, limit int) ([]models.AuditEntry, error)
}

// Deps are the services the router dispatches to.
type Deps struct {
	Users         *services.AuthService
	Events        *services.EventService
	Randomization *services.RandomizationService
	Gateway       *services.SubmissionGateway
	Flow          *services.FlowController
	Audit         AuditReader
	Log           *logger.Logger
}

type Router struct {
	users   *services.AuthService
	events  *services.EventService
	rnd     *services.RandomizationService
	gateway *services.SubmissionGateway
	flow    *services.FlowController
	audit   AuditReader
	log     *logger.Logger
}

func NewRouter(d Deps) *Router {
	log := d.Log
	if log == nil {
		log = logger.NewNop()
	}
	return &Router{
		users:   d.Users,
		events:  d.Events,
		rnd:     d.Randomization,
		gateway: d.Gateway,
		flow:    d.Flow,
		audit:   d.Audit,
		log:     log.With("component", "api"),
	}
}

func admin(h http.HandlerFunc) http.Handler {
	return middleware.RequireRole(models.RoleAdmin, h)
}

func evaluator(h http.HandlerFunc) http.Handler {
	return middleware.RequireRole(models.RoleEvaluator, h)
}

// Register mounts the API on mux. Authentication is expected to run before
// the mux (middleware.Authenticator.WithAuth).
func (rt *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/login", rt.handleLogin)

	// Administration
	mux.Handle("POST /api/users", admin(rt.handleCreateUser))
	mux.Handle("POST /api/events", admin(rt.handleCreateEvent))
	mux.Handle("GET /api/events", admin(rt.handleListEvents))
	mux.Handle("GET /api/events/{id}", admin(rt.handleGetEvent))
	mux.Handle("POST /api/events/{id}/status", admin(rt.handleEventStatus))
	mux.Handle("POST /api/events/{id}/product-types", admin(rt.handleCreateProductType))
	mux.Handle("GET /api/events/{id}/product-types", admin(rt.handleListProductTypes))
	mux.Handle("GET /api/events/{id}/evaluations", admin(rt.handleListEvaluations))
	mux.Handle("POST /api/product-types/{id}/samples", admin(rt.handleAddSample))
	mux.Handle("GET /api/product-types/{id}/samples", admin(rt.handleListSamples))
	mux.Handle("PATCH /api/samples/{id}", admin(rt.handlePatchSample))
	mux.Handle("DELETE /api/samples/{id}", admin(rt.handleDeleteSample))
	mux.Handle("POST /api/product-types/{id}/randomization", admin(rt.handleGenerateRandomization))
	mux.Handle("GET /api/product-types/{id}/randomization", admin(rt.handleGetRandomization))
	mux.Handle("PUT /api/evaluations/{id}", admin(rt.handleOverrideEvaluation))
	mux.Handle("GET /api/evaluations/{id}/revisions", admin(rt.handleListRevisions))
	mux.Handle("GET /api/audit", admin(rt.handleListAudit))

	// Evaluator flow
	mux.Handle("GET /api/events/{id}/flow", evaluator(rt.handleFlowState))
	mux.Handle("POST /api/events/{id}/flow/submit", evaluator(rt.handleFlowSubmit))
	mux.Handle("POST /api/events/{id}/flow/continue", evaluator(rt.handleFlowContinue))
	mux.Handle("GET /api/events/{id}/flow/complete", evaluator(rt.handleFlowComplete))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func actor(r *http.Request) string {
	if c, ok := middleware.ClaimsFromContext(r.Context()); ok {
		return c.UID
	}
	return ""
}

// POST /api/auth/login
func (rt *Router) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		rt.badRequest(w, r, "invalid JSON body")
		return
	}
	res, err := rt.users.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":    res.Token,
		"user_id":  res.UserID,
		"role":     res.Role,
		"position": res.Position,
	})
}

// POST /api/users
func (rt *Router) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string      `json:"email"`
		Password string      `json:"password"`
		Role     models.Role `json:"role"`
		Position int         `json:"position"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		rt.badRequest(w, r, "invalid JSON body")
		return
	}
	if req.Role == "" {
		req.Role = models.RoleEvaluator
	}
	u, err := rt.users.CreateUser(r.Context(), req.Email, req.Password, req.Role, req.Position)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// GET /api/audit?limit=n
func (rt *Router) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			rt.badRequest(w, r, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if rt.audit == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []models.AuditEntry{}})
		return
	}
	entries, err := rt.audit.ListAudit(r.Context(), limit)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

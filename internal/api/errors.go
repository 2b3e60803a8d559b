package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/soaringjerry/Sensora/internal/middleware"
	"github.com/soaringjerry/Sensora/internal/services"
	"github.com/soaringjerry/Sensora/internal/utils"
)

// errorBody is the JSON error envelope. Recovery tells the client what to do
// next: "retry" the same request, or go back to the "dashboard".
type errorBody struct {
	Code      string            `json:"code"`
	Kind      string            `json:"kind"`
	Message   string            `json:"message"`
	Detail    string            `json:"detail,omitempty"`
	Retryable bool              `json:"retryable"`
	Fatal     bool              `json:"fatal"`
	Recovery  string            `json:"recovery,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

func statusFor(code services.ErrorCode) int {
	switch code {
	case services.ErrorInvalid:
		return http.StatusBadRequest
	case services.ErrorUnauthorized:
		return http.StatusUnauthorized
	case services.ErrorForbidden:
		return http.StatusForbidden
	case services.ErrorNotFound:
		return http.StatusNotFound
	case services.ErrorConflict:
		return http.StatusConflict
	case services.ErrorTooManyRequests:
		return http.StatusTooManyRequests
	case services.ErrorUnavailable:
		return http.StatusServiceUnavailable
	case services.ErrorIntegrity:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	locale := middleware.LocaleFromContext(r.Context())
	body := errorBody{
		Retryable: services.IsRetryable(err),
		Fatal:     services.IsFatal(err),
	}
	status := http.StatusInternalServerError
	se, ok := services.AsServiceError(err)
	if ok {
		status = statusFor(se.Code)
		body.Kind = string(se.Code)
		body.Code = strings.TrimPrefix(se.Key, "error.")
		body.Message = utils.T(locale, se.Key)
		body.Detail = se.Message
		body.Fields = se.Fields
	} else {
		body.Kind = "internal"
		body.Code = "internal"
		body.Message = utils.T(locale, "error.internal")
	}
	switch {
	case body.Retryable:
		body.Recovery = "retry"
	case body.Fatal:
		body.Recovery = "dashboard"
	}

	kv := []interface{}{"request_id", middleware.RequestIDFromContext(r.Context()), "path", r.URL.Path, "code", body.Code, "error", err}
	switch {
	case status >= 500 || body.Fatal:
		rt.log.Error("request failed", kv...)
	case status == http.StatusConflict || errors.Is(err, services.ErrValidation):
		rt.log.Debug("request rejected", kv...)
	default:
		rt.log.Warn("request rejected", kv...)
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func (rt *Router) badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	rt.writeError(w, r, services.NewInvalidError(msg))
}

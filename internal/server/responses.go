package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/marcus/codebot/internal/logging"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// RespondWithJSON writes data as JSON with status.
func RespondWithJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Component("http").ErrorCtx("encoding response", map[string]any{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
	}
}

// RespondWithError writes an ErrorResponse. Server errors are logged.
func RespondWithError(w http.ResponseWriter, r *http.Request, status int, message string) {
	reqID := middleware.GetReqID(r.Context())
	fields := map[string]any{
		"status":     status,
		"message":    message,
		"method":     r.Method,
		"path":       r.URL.Path,
		"request_id": reqID,
	}
	log := logging.Component("http")
	if status >= http.StatusInternalServerError {
		log.ErrorCtx("request failed", fields)
	} else {
		log.DebugCtx("request rejected", fields)
	}
	RespondWithJSON(w, r, status, ErrorResponse{Error: message, RequestID: reqID})
}

// respondBusy rejects a submission the queue cannot take.
func respondBusy(w http.ResponseWriter, r *http.Request, message string) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	RespondWithError(w, r, http.StatusServiceUnavailable, message)
}

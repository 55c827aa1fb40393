package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/marcus/codebot/internal/engine"
	"github.com/marcus/codebot/internal/integrations"
	"github.com/marcus/codebot/internal/scheduler"
	"github.com/marcus/codebot/internal/tasklog"
	"github.com/marcus/codebot/internal/tasks"
	"github.com/marcus/codebot/internal/webhook"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string               `json:"status"`
	Uptime   string               `json:"uptime"`
	Queued   int                  `json:"queue_length"`
	Capacity int                  `json:"queue_capacity"`
	HeldKeys int                  `json:"held_keys"`
	Workers  int                  `json:"workers"`
	Tasks    map[tasks.Status]int `json:"tasks"`
	Load     float64              `json:"queue_load"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Stats()
	var load float64
	if st.Capacity > 0 {
		load = float64(st.Queued) / float64(st.Capacity)
	}
	RespondWithJSON(w, r, http.StatusOK, HealthResponse{
		Status:   "ok",
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Queued:   st.Queued,
		Capacity: st.Capacity,
		HeldKeys: st.HeldKeys,
		Workers:  st.Workers,
		Tasks:    st.Tasks,
		Load:     load,
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.metrics.Webhook("malformed")
		RespondWithError(w, r, http.StatusBadRequest, "cannot read request body")
		return
	}

	if err := webhook.Verify(body, r.Header.Get(webhook.SignatureHeader), s.cfg.WebhookSecret); err != nil {
		s.metrics.Webhook("rejected")
		s.log.WarnCtx("webhook rejected", map[string]any{
			"delivery":   r.Header.Get(webhook.DeliveryHeader),
			"request_id": middleware.GetReqID(r.Context()),
			"error":      err.Error(),
		})
		RespondWithError(w, r, http.StatusUnauthorized, "invalid signature")
		return
	}

	out, err := s.ingestor.Handle(r.Context(), r.Header.Get(webhook.EventHeader), body)
	switch {
	case err == nil:
	case errors.Is(err, webhook.ErrPayload):
		s.metrics.Webhook("malformed")
		RespondWithError(w, r, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, scheduler.ErrQueueFull), errors.Is(err, scheduler.ErrClosed):
		s.metrics.Webhook("queue_full")
		respondBusy(w, r, err.Error())
		return
	default:
		s.metrics.Webhook("error")
		RespondWithError(w, r, http.StatusInternalServerError, "webhook processing failed")
		return
	}

	if out.Queued {
		s.metrics.Webhook("queued")
		RespondWithJSON(w, r, http.StatusAccepted, out)
		return
	}
	s.metrics.Webhook("ignored")
	RespondWithJSON(w, r, http.StatusOK, out)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		RespondWithError(w, r, http.StatusBadRequest, "cannot read request body")
		return
	}
	payload, err := tasks.ParsePayload(body)
	if err != nil {
		RespondWithError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	task, err := s.engine.SubmitNew(payload)
	if err != nil {
		s.respondTaskError(w, r, err)
		return
	}
	RespondWithJSON(w, r, http.StatusAccepted, task)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	status := tasks.Status(r.URL.Query().Get("status"))
	switch status {
	case "", tasks.StatusQueued, tasks.StatusRunning, tasks.StatusSucceeded, tasks.StatusFailed, tasks.StatusPurged:
	default:
		RespondWithError(w, r, http.StatusBadRequest, "unknown status "+string(status))
		return
	}
	list := s.engine.List(status)
	if list == nil {
		list = []tasks.Task{}
	}
	RespondWithJSON(w, r, http.StatusOK, map[string]any{"tasks": list, "count": len(list)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.respondTaskError(w, r, err)
		return
	}
	RespondWithJSON(w, r, http.StatusOK, task)
}

// LogsResponse is the body of GET /api/tasks/{id}/logs.
type LogsResponse struct {
	TaskID string          `json:"task_id"`
	Logs   []tasklog.Entry `json:"logs"`
	Count  int             `json:"count"`
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	source := r.URL.Query().Get("source")
	if wantsStream(r) {
		s.streamLogs(w, r, id, source)
		return
	}
	entries, err := s.engine.Logs(id, source)
	if err != nil {
		s.respondTaskError(w, r, err)
		return
	}
	RespondWithJSON(w, r, http.StatusOK, LogsResponse{TaskID: id, Logs: entries, Count: len(entries)})
}

func (s *Server) handleRepositories(w http.ResponseWriter, r *http.Request) {
	if s.repos == nil {
		RespondWithError(w, r, http.StatusServiceUnavailable, "repository listing is not configured")
		return
	}
	repos, err := s.repos.ListRepositories(r.Context())
	if err != nil {
		s.log.WarnCtx("listing repositories", map[string]any{"error": err.Error()})
		RespondWithError(w, r, http.StatusBadGateway, "github request failed")
		return
	}
	if repos == nil {
		repos = []integrations.Repository{}
	}
	RespondWithJSON(w, r, http.StatusOK, map[string]any{"repositories": repos, "count": len(repos)})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.Retry(chi.URLParam(r, "id"))
	if err != nil {
		s.respondTaskError(w, r, err)
		return
	}
	RespondWithJSON(w, r, http.StatusAccepted, task)
}

func (s *Server) respondTaskError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tasks.ErrNotFound), errors.Is(err, engine.ErrNoLogs):
		RespondWithError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, tasks.ErrInvalidPayload):
		RespondWithError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNotRetryable):
		RespondWithError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrQueueFull), errors.Is(err, scheduler.ErrClosed):
		respondBusy(w, r, err.Error())
	default:
		RespondWithError(w, r, http.StatusInternalServerError, "internal error")
	}
}

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/marcus/codebot/internal/tasklog"
	"github.com/marcus/codebot/internal/tasks"
)

// StreamDone is the last event of a log stream.
type StreamDone struct {
	Type   string       `json:"type"`
	Status tasks.Status `json:"status"`
}

// wantsStream reports whether the client asked to follow the log as
// server-sent events.
func wantsStream(r *http.Request) bool {
	if v := r.URL.Query().Get("follow"); v == "1" || v == "true" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// streamLogs sends every captured line as one SSE data event, then keeps
// sending new lines until the task leaves the queued and running states.
// The stream ends with a StreamDone event.
func (s *Server) streamLogs(w http.ResponseWriter, r *http.Request, id, source string) {
	if _, err := s.engine.Get(id); err != nil {
		s.respondTaskError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		RespondWithError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	cursor := 0
	for {
		status := tasks.StatusPurged
		if task, err := s.engine.Get(id); err == nil {
			status = task.Status
		}

		batch, err := s.engine.FollowLogs(id, cursor)
		if err == nil {
			for _, e := range tasklog.Filter(batch.Entries, source) {
				if err := writeEvent(w, e); err != nil {
					return
				}
			}
			cursor = batch.Next
		}
		flusher.Flush()

		if status != tasks.StatusQueued && status != tasks.StatusRunning {
			_ = writeEvent(w, StreamDone{Type: "done", Status: status})
			flusher.Flush()
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-batch.Changed:
		case <-ticker.C:
		}
	}
}

func writeEvent(w http.ResponseWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hupe1980/taskrelay"
	"github.com/hupe1980/taskrelay/core"
	"github.com/hupe1980/taskrelay/dispatcher"
	"github.com/hupe1980/taskrelay/logging"
)

type server struct {
	relay  *taskrelay.TaskRelay
	logger logging.Logger
}

type submitRequest struct {
	TaskID     string `json:"task_id,omitempty"`
	UserID     string `json:"user_id"`
	Capability string `json:"capability"`
	Input      string `json:"input"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /tasks", s.handleList)
	mux.HandleFunc("POST /tasks", s.handleSubmit)
	mux.HandleFunc("GET /tasks/{id}", s.handleStatus)
	mux.HandleFunc("DELETE /tasks/{id}", s.handleCancel)
	mux.HandleFunc("POST /tasks/{id}/ack", s.handleAcknowledge)
	mux.Handle("GET /tasks/{id}/steps", s.relay.Stream().Handler())

	if s.relay.Gateway() != nil {
		mux.HandleFunc("GET /oauth/{provider}/callback", s.handleOAuthCallback)
	}

	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": s.relay.Dispatcher().Running(),
	})
}

func (s *server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.relay.Dispatcher().Tasks())
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Capability == "" {
		writeJSONError(w, http.StatusBadRequest, "capability is required")
		return
	}

	task, err := s.relay.Submit(r.Context(), dispatcher.Submission{
		TaskID:     req.TaskID,
		UserID:     req.UserID,
		Capability: req.Capability,
		Input:      core.NewTextContent("user", req.Input),
	})
	if err != nil {
		if errors.Is(err, core.ErrCapacityExceeded) {
			w.Header().Set("Retry-After", "1")
		}
		s.writeError(w, err)
		return
	}

	w.Header().Set("Location", "/tasks/"+task.ID)
	writeJSON(w, http.StatusAccepted, task)
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	task, err := s.relay.Status(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, task)
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req cancelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled by client"
	}

	if s.relay.Cancel(id, req.Reason) {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
		return
	}

	task, err := s.relay.Status(id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusConflict, task)
}

func (s *server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	if err := s.relay.Dispatcher().Acknowledge(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	state := r.URL.Query().Get("state")
	if state == "" {
		writeJSONError(w, http.StatusBadRequest, "missing state")
		return
	}

	if _, err := s.relay.Gateway().CompleteAuthorization(r.Context(), state, []byte(r.URL.RawQuery)); err != nil {
		s.logger.Warn("oauth.callback.failed", "provider", provider, "error", err.Error())
		s.writeError(w, err)
		return
	}

	s.logger.Info("oauth.callback.completed", "provider", provider)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Access granted. You can close this window.\n"))
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, core.ErrUnknownCapability):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrCapacityExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, core.ErrTaskExists), errors.Is(err, core.ErrTaskNotTerminal):
		status = http.StatusConflict
	case errors.Is(err, core.ErrTaskNotFound), errors.Is(err, core.ErrStateNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrStateExpired):
		status = http.StatusGone
	default:
		s.logger.Error("http.request.failed", "error", err.Error())
	}

	writeJSONError(w, status, err.Error())
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

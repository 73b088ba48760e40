package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"loadgate/pkg/auth"
	"loadgate/pkg/lifecycle"
	"loadgate/pkg/model"
	"loadgate/pkg/report"
	"loadgate/pkg/version"
)

const maxBodyBytes = 1 << 20

// Deps are the collaborators the HTTP surface calls into.
type Deps struct {
	Engine  *lifecycle.Engine
	Reports *report.Provider
	Gate    auth.Resolver
	Auth    *AuthHandler
	Hub     *WSHub
	Health  func(ctx context.Context) error
	Log     *zap.Logger
}

type server struct {
	Deps
}

// NewRouter wires every route on a fresh mux.
func NewRouter(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	s := &server{Deps: d}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/v1/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": version.String()})
	})
	if d.Auth != nil {
		d.Auth.RegisterRoutes(mux)
	}

	mux.HandleFunc("POST /api/v1/tasks", s.authed(s.handleSubmit))
	mux.HandleFunc("GET /api/v1/tasks", s.authed(s.handleList))
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.authed(s.handleGet))
	mux.HandleFunc("POST /api/v1/tasks/{id}/approve", s.authed(s.handleApprove))
	mux.HandleFunc("POST /api/v1/tasks/{id}/reject", s.authed(s.handleReject))
	mux.HandleFunc("GET /api/v1/tasks/{id}/report", s.authed(s.handleReport))

	if d.Hub != nil {
		mux.HandleFunc("GET /api/v1/ws/agent", d.Hub.HandleAgentWS)
		mux.HandleFunc("GET /api/v1/ws/events", d.Hub.HandleEvents)
	}
	return logRequests(d.Log, mux)
}

type identityHandler func(w http.ResponseWriter, r *http.Request, id model.Identity)

// authed resolves the bearer credential before calling next.
func (s *server) authed(next identityHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.Gate.Resolve(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, s.Log, err)
			return
		}
		next(w, r, id)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Health != nil {
		if err := s.Health(r.Context()); err != nil {
			s.Log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request, id model.Identity) {
	var req lifecycle.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.Log, err)
		return
	}
	task, err := s.Engine.Submit(r.Context(), id, req)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{TaskID: task.ID, Task: task})
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request, id model.Identity) {
	q := lifecycle.ListQuery{
		Status: r.URL.Query().Get("status"),
		Sort:   r.URL.Query().Get("sort"),
	}
	tasks, err := s.Engine.List(r.Context(), id, q)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Tasks: tasks})
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request, id model.Identity) {
	task, err := s.Engine.Get(r.Context(), id, r.PathValue("id"))
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *server) handleApprove(w http.ResponseWriter, r *http.Request, id model.Identity) {
	task, err := s.Engine.Approve(r.Context(), id, r.PathValue("id"))
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *server) handleReject(w http.ResponseWriter, r *http.Request, id model.Identity) {
	var req rejectRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, s.Log, err)
			return
		}
	}
	task, err := s.Engine.Reject(r.Context(), id, r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *server) handleReport(w http.ResponseWriter, r *http.Request, id model.Identity) {
	art, err := s.Reports.GetReport(r.Context(), id, r.PathValue("id"), r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	w.Header().Set("Content-Type", art.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", art.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(art.Body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(art.Body)
}

// decodeJSON rejects unknown fields so a spoofed owner cannot slip through under another name.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return err
		}
		return &model.ValidationError{Message: "invalid payload: " + err.Error()}
	}
	return nil
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) (int, string) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Error()
	case errors.Is(err, io.EOF):
		return http.StatusBadRequest, "empty request body"
	case errors.Is(err, model.ErrUnauthenticated):
		return http.StatusUnauthorized, "access denied"
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden, "access denied"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict, "task status changed; refresh and retry"
	case errors.Is(err, model.ErrNotReady):
		return http.StatusTooEarly, "report not ready"
	}
	return http.StatusInternalServerError, "internal error"
}

func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	status, msg := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

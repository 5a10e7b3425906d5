// Package http is the REST and WebSocket surface of the job engine.
package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"

	"github.com/avoronova/clipline/internal/auth"
	"github.com/avoronova/clipline/internal/broadcast"
	"github.com/avoronova/clipline/internal/common"
	"github.com/avoronova/clipline/internal/config"
	"github.com/avoronova/clipline/internal/job"
	"github.com/avoronova/clipline/internal/service"
	"github.com/avoronova/clipline/internal/store"
)

type Handlers struct {
	Svc       *service.JobService
	Broadcast *broadcast.Broadcaster
	Config    config.Config
}

func (h *Handlers) Routers(r chi.Router) {
	requestTimeout := h.Config.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}

	// a live subscription outlasts any sane request deadline, so the
	// websocket route stays outside the timeout group
	r.Group(func(r chi.Router) {
		r.Use(auth.JWTMiddleware(h.Config.JWTSecret, h.Config.JWTIssuer))
		r.Get("/v1/jobs/{id}/ws", h.subscribeJob)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Get("/healthz", h.Health)
		r.Post("/v1/auth/login", h.login)

		// static serving for locally stored artifacts
		if h.Config.StorageMode == "local" || h.Config.StorageMode == "filesystem" {
			r.Get("/files/*", h.serveFiles)
		}

		r.Group(func(r chi.Router) {
			r.Use(auth.JWTMiddleware(h.Config.JWTSecret, h.Config.JWTIssuer))

			r.With(httprate.LimitByIP(h.Config.RequestsPerMinute, time.Minute)).
				Post("/v1/jobs", h.createJob)

			r.Get("/v1/jobs", h.listJobs)
			r.Get("/v1/jobs/statistics", h.statistics)
			r.Get("/v1/jobs/{id}", h.getJob)
			r.Get("/v1/jobs/{id}/events", h.listEvents)
			r.Post("/v1/jobs/{id}/cancel", h.cancelJob)
			r.Post("/v1/jobs/{id}/retry", h.retryJob)
			r.Delete("/v1/jobs/{id}", h.deleteJob)

			r.Get("/v1/queue/status", h.queueStatus)
			r.Delete("/v1/queue/clear", h.clearQueue)
		})
	})
}

func (h *Handlers) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if !auth.VerifyPassword(h.Config.AppPassword, req.Password) {
		slog.Warn("login attempt with invalid password", "remote", r.RemoteAddr)
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := auth.NewToken(h.Config.JWTSecret, h.Config.JWTIssuer, "operator", h.Config.JWTTTL)
	if err != nil {
		slog.Error("failed to issue token", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"expires_in":   int(h.Config.JWTTTL.Seconds()),
	})
}

func (h *Handlers) createJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceURL string      `json:"source_url"`
		JobType   job.Type    `json:"job_type"`
		Priority  int         `json:"priority"`
		Options   job.Options `json:"options"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.JobType == "" {
		req.JobType = job.TypeFullProcessing
	}

	j, err := h.Svc.CreateJob(r.Context(), service.CreateJobRequest{
		Input: job.Input{
			SourceURL: req.SourceURL,
			Type:      req.JobType,
			Options:   req.Options,
		},
		Priority: req.Priority,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, j)
}

func (h *Handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		Status: job.Status(q.Get("status")),
		Type:   job.Type(q.Get("type")),
		Limit:  intParam(q.Get("limit"), 50),
		Offset: intParam(q.Get("offset"), 0),
	}

	jobs, total, err := h.Svc.ListJobs(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  f.Limit,
		"offset": f.Offset,
	})
}

func (h *Handlers) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	j, err := h.Svc.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *Handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	events, err := h.Svc.ListEvents(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (h *Handlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	// body is optional for cancel
	_ = json.NewDecoder(r.Body).Decode(&req)

	j, err := h.Svc.CancelJob(r.Context(), id, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *Handlers) retryJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	force := r.URL.Query().Get("force") == "true"
	j, err := h.Svc.RetryJob(r.Context(), id, force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *Handlers) deleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if err := h.Svc.DeleteJob(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) queueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Svc.QueueStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) statistics(w http.ResponseWriter, r *http.Request) {
	st, err := h.Svc.Statistics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) clearQueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	// body is optional
	_ = json.NewDecoder(r.Body).Decode(&req)

	n, err := h.Svc.ClearQueue(r.Context(), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": n})
}

func (h *Handlers) serveFiles(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	clean := filepath.Clean("/" + rel)
	http.ServeFile(w, r, filepath.Join(h.Config.LocalStorageDir, clean))
}

func jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, common.ErrJobNotFound)
		return uuid.Nil, false
	}
	return id, true
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

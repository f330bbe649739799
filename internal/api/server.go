// Package api exposes the HTTP interface for the lifecycle-check service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/partlabs/eolwatch/internal/config"
	"github.com/partlabs/eolwatch/internal/eol"
	"github.com/partlabs/eolwatch/internal/fetch"
	"github.com/partlabs/eolwatch/internal/metrics"
	"github.com/partlabs/eolwatch/internal/pipeline"
	"github.com/partlabs/eolwatch/internal/scheduler"
)

// Server wires HTTP handlers to the pipeline, scheduler and stores.
type Server struct {
	router   chi.Router
	pipeline *pipeline.Pipeline
	jobs     scheduler.JobReader
	receiver *fetch.Receiver
	chain    *scheduler.Chain
	catalog  eol.Catalog
	queue    eol.TriggerQueue
	scraper  eol.Scraper
	logger   *zap.Logger
	cfg      config.Config
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	p *pipeline.Pipeline,
	jobs scheduler.JobReader,
	receiver *fetch.Receiver,
	chain *scheduler.Chain,
	cat eol.Catalog,
	queue eol.TriggerQueue,
	scraper eol.Scraper,
	logger *zap.Logger,
	cfg config.Config,
) *Server {
	s := &Server{
		pipeline: p,
		jobs:     jobs,
		receiver: receiver,
		chain:    chain,
		catalog:  cat,
		queue:    queue,
		scraper:  scraper,
		logger:   logger.Named("api"),
		cfg:      cfg,
	}
	metrics.Init()
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/checks", s.startCheck)
		r.Get("/jobs/{job_id}", s.getJob)
		r.Post("/callbacks/scrape", s.scrapeCallback)
		r.Route("/autocheck", func(r chi.Router) {
			r.Post("/enable", s.enableAutoCheck)
			r.Post("/disable", s.disableAutoCheck)
			r.Post("/tick", s.tickAutoCheck)
			r.Get("/state", s.autoCheckState)
		})
		r.Post("/catalog/parts", s.upsertPart)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The scraper worker is the dependency that actually gates useful
	// work; the record store is exercised on every request anyway.
	if err := s.scraper.Health(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"reason": "scraper unreachable",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type checkRequest struct {
	Maker string `json:"maker"`
	Model string `json:"model"`
}

func (s *Server) startCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job, err := s.pipeline.StartCheck(r.Context(), eol.Subject{Maker: req.Maker, Model: req.Model})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": string(job.Status),
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) scrapeCallback(w http.ResponseWriter, r *http.Request) {
	var cb eol.ScrapeCallback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.receiver.HandleCallback(r.Context(), cb); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) enableAutoCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.chain.Enable(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"autocheck": "enabled"})
}

func (s *Server) disableAutoCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.chain.Disable(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"autocheck": "disabled"})
}

func (s *Server) tickAutoCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Publish(r.Context(), eol.TriggerMessage{Kind: eol.TriggerTick}); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "tick enqueued"})
}

func (s *Server) autoCheckState(w http.ResponseWriter, r *http.Request) {
	state, err := s.chain.State(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

type partRequest struct {
	ID    string `json:"id"`
	Maker string `json:"maker"`
	Model string `json:"model"`
}

func (s *Server) upsertPart(w http.ResponseWriter, r *http.Request) {
	var req partRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	item := eol.CatalogItem{
		ID:      req.ID,
		Subject: eol.Subject{Maker: req.Maker, Model: req.Model},
	}
	if err := s.catalog.Upsert(r.Context(), item); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": req.ID})
}

// writeDomainError maps domain errors onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var verr *eol.ValidationError
	switch {
	case errors.As(err, &verr):
		s.writeError(w, http.StatusBadRequest, verr.Reason)
	case errors.Is(err, eol.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusRequestTimeout, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

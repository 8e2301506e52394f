// Package api exposes the generator over HTTP: health probes, refresh
// trigger, run history and the generated files themselves.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	apimw "github.com/clashkit/ocgen/internal/api/middleware"
	"github.com/clashkit/ocgen/internal/health"
	"github.com/clashkit/ocgen/internal/history"
	"github.com/clashkit/ocgen/internal/jobs"
	xlog "github.com/clashkit/ocgen/internal/log"
	"github.com/clashkit/ocgen/internal/platform/fs"
	"github.com/clashkit/ocgen/internal/version"
)

// Refresher runs refresh cycles and remembers the last result. TryRefresh
// is the shared single-flight gate, also used by the scheduler.
type Refresher interface {
	TryRefresh(ctx context.Context, trigger string) (jobs.Result, error)
	Running() bool
	LastResult() *jobs.Result
}

// RunStore answers run history queries.
type RunStore interface {
	ListRuns(ctx context.Context, limit int) ([]history.Run, error)
	GetRun(ctx context.Context, id string) (history.Run, error)
}

// Config holds the server settings. Zero rate limits fall back to the
// defaults (600 reads, 10 refresh triggers per minute per IP).
type Config struct {
	DataDir      string
	APIToken     string
	APIRateLimit int
	RefreshLimit int
}

// Server is the HTTP API.
type Server struct {
	cfg       Config
	refresher Refresher
	runs      RunStore
	healthMgr *health.Manager
	logger    zerolog.Logger

	// baseCtx outlives individual requests so a triggered refresh is not
	// cancelled when the caller disconnects.
	baseCtx context.Context
}

// New builds a Server. baseCtx bounds background refreshes and should be
// the daemon's run context.
func New(baseCtx context.Context, cfg Config, refresher Refresher, runs RunStore, healthMgr *health.Manager, logger zerolog.Logger) *Server {
	if cfg.APIRateLimit <= 0 {
		cfg.APIRateLimit = 600
	}
	if cfg.RefreshLimit <= 0 {
		cfg.RefreshLimit = 10
	}
	return &Server{
		cfg:       cfg,
		refresher: refresher,
		runs:      runs,
		healthMgr: healthMgr,
		logger:    logger,
		baseCtx:   baseCtx,
	}
}

// Router assembles the chi router with the full middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(apimw.Recoverer)
	r.Use(apimw.RequestID)
	r.Use(apimw.RequestLogger)

	r.Get("/healthz", s.healthMgr.ServeHealth)
	r.Get("/readyz", s.healthMgr.ServeReady)

	r.Route("/api", func(r chi.Router) {
		r.Use(apimw.RateLimit(s.cfg.APIRateLimit))

		r.Get("/status", s.handleStatus)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)

		r.Group(func(r chi.Router) {
			r.Use(apimw.TokenAuth(s.cfg.APIToken))
			r.Use(apimw.RateLimit(s.cfg.RefreshLimit))
			r.Post("/refresh", s.handleRefresh)
		})
	})

	r.Get("/files/*", s.handleFile)

	return r
}

type statusResponse struct {
	Service    string       `json:"service"`
	Version    string       `json:"version"`
	Refreshing bool         `json:"refreshing"`
	LastRun    *jobs.Result `json:"last_run,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Service:    "ocgen",
		Version:    version.Version,
		Refreshing: s.refresher.Running(),
		LastRun:    s.refresher.LastResult(),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			writeError(w, http.StatusBadRequest, "limit must be 1..200")
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Str("event", "api.runs_failed").Msg("listing runs failed")
		writeError(w, http.StatusInternalServerError, "run history unavailable")
		return
	}
	if runs == nil {
		runs = []history.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.runs.GetRun(r.Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("event", "api.run_failed").Msg("fetching run failed")
		writeError(w, http.StatusInternalServerError, "run history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleRefresh triggers a refresh cycle in the background. The runner's
// single-flight gate keeps at most one cycle alive; a second trigger gets
// 409.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.refresher.Running() {
		writeError(w, http.StatusConflict, "refresh already running")
		return
	}

	reqID := xlog.RequestIDFromContext(r.Context())
	go func() {
		ctx := xlog.ContextWithRequestID(s.baseCtx, reqID)
		_, err := s.refresher.TryRefresh(ctx, "api")
		switch {
		case errors.Is(err, jobs.ErrBusy):
			s.logger.Debug().
				Str("event", "api.refresh_skipped").
				Msg("refresh already in progress")
		case err != nil:
			s.logger.Error().Err(err).
				Str("event", "api.refresh_failed").
				Msg("triggered refresh failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh started"})
}

// handleFile serves generated outputs from the data dir. Paths are confined
// and only generated file types leave the daemon.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(r.URL.Path, "/files/")
	if rel == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch path.Ext(rel) {
	case ".conf", ".yaml", ".json":
	default:
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	full, err := fs.ConfineRelPath(s.cfg.DataDir, rel)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	if err := fs.IsRegularFile(full); err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	http.ServeFile(w, r, full)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

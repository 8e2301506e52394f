// Package daemon owns the process lifecycle: HTTP servers, the refresh
// scheduler and ordered shutdown of everything the generator opened.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ShutdownHook performs cleanup during graceful shutdown. Hooks run in
// reverse registration order (LIFO).
type ShutdownHook func(ctx context.Context) error

// ServerConfig holds the HTTP server timeouts and addresses.
type ServerConfig struct {
	ListenAddr      string
	MetricsAddr     string // empty disables the metrics server
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultServerConfig returns production-suitable timeouts.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Manager runs the daemon until its context is cancelled.
type Manager struct {
	cfg            ServerConfig
	apiHandler     http.Handler
	metricsHandler http.Handler
	logger         zerolog.Logger

	apiServer     *http.Server
	metricsServer *http.Server

	mu            sync.Mutex
	started       bool
	stopping      bool
	shutdownHooks []namedHook
}

type namedHook struct {
	name string
	hook ShutdownHook
}

// ErrNotStarted is returned by Shutdown before Start.
var ErrNotStarted = errors.New("daemon manager not started")

// NewManager wires a manager around the API and metrics handlers.
func NewManager(cfg ServerConfig, apiHandler, metricsHandler http.Handler, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:            cfg,
		apiHandler:     apiHandler,
		metricsHandler: metricsHandler,
		logger:         logger.With().Str("component", "manager").Logger(),
	}
}

// RegisterShutdownHook adds a cleanup step, executed LIFO during shutdown.
func (m *Manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownHooks = append(m.shutdownHooks, namedHook{name: name, hook: hook})
	m.logger.Debug().Str("hook", name).Msg("registered shutdown hook")
}

// Start launches the servers and blocks until the context is cancelled or a
// server fails, then shuts down.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("daemon manager already started")
	}
	m.started = true
	m.mu.Unlock()

	m.logger.Info().
		Str("listen", m.cfg.ListenAddr).
		Str("metrics", m.cfg.MetricsAddr).
		Msg("starting daemon manager")

	errChan := make(chan error, 2)

	if m.cfg.MetricsAddr != "" && m.metricsHandler != nil {
		m.startMetricsServer(errChan)
	}
	m.startAPIServer(errChan)

	select {
	case err := <-errChan:
		m.logger.Error().Err(err).Msg("server error, initiating shutdown")
		// Detached but bounded so shutdown completes even if the parent is
		// already cancelled.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := m.Shutdown(shutdownCtx); shutdownErr != nil {
			return errors.Join(err, shutdownErr)
		}
		return err
	case <-ctx.Done():
		m.logger.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
		defer cancel()
		return m.Shutdown(shutdownCtx)
	}
}

func (m *Manager) startAPIServer(errChan chan<- error) {
	m.apiServer = &http.Server{
		Addr:              m.cfg.ListenAddr,
		Handler:           m.apiHandler,
		ReadTimeout:       m.cfg.ReadTimeout,
		ReadHeaderTimeout: m.cfg.ReadTimeout / 2,
		WriteTimeout:      m.cfg.WriteTimeout,
		IdleTimeout:       m.cfg.IdleTimeout,
	}

	go func() {
		m.logger.Info().Str("addr", m.cfg.ListenAddr).Msg("API server listening")
		if err := m.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error().Err(err).
				Str("event", "api.server.failed").
				Msg("API server failed")
			errChan <- fmt.Errorf("api server: %w", err)
		}
	}()
}

func (m *Manager) startMetricsServer(errChan chan<- error) {
	m.metricsServer = &http.Server{
		Addr:              m.cfg.MetricsAddr,
		Handler:           m.metricsHandler,
		ReadHeaderTimeout: m.cfg.ReadTimeout / 2,
	}

	go func() {
		m.logger.Info().Str("addr", m.cfg.MetricsAddr).Msg("metrics server listening")
		if err := m.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error().Err(err).
				Str("event", "metrics.server.failed").
				Msg("metrics server failed")
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()
}

// Shutdown stops both servers, then runs the hooks in reverse order.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}
	m.stopping = true
	hooks := m.shutdownHooks
	m.mu.Unlock()

	m.logger.Info().Msg("shutting down daemon manager")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error

	if m.apiServer != nil {
		if err := m.apiServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("api server shutdown: %w", err))
		}
	}
	if m.metricsServer != nil {
		if err := m.metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		start := time.Now()
		if err := h.hook(shutdownCtx); err != nil {
			m.logger.Error().Err(err).
				Str("hook", h.name).
				Dur("duration", time.Since(start)).
				Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", h.name, err))
			continue
		}
		m.logger.Debug().
			Str("hook", h.name).
			Dur("duration", time.Since(start)).
			Msg("shutdown hook completed")
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	m.logger.Info().Msg("daemon manager stopped cleanly")
	return nil
}

// SPDX-License-Identifier: MIT

// Package health provides liveness and readiness checks for the generator
// daemon, suitable for Docker HEALTHCHECK and Kubernetes probes.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/clashkit/ocgen/internal/log"
)

// Status represents the overall health or readiness status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// ReadinessResponse is the readiness payload.
type ReadinessResponse struct {
	Ready     bool                   `json:"ready"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker is one component check.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager aggregates component checkers.
type Manager struct {
	version  string
	checkers []Checker
}

// NewManager creates a manager reporting the given version.
func NewManager(version string) *Manager {
	return &Manager{version: version}
}

// RegisterChecker adds a component check.
func (m *Manager) RegisterChecker(checker Checker) {
	m.checkers = append(m.checkers, checker)
}

// Health performs the liveness check. The process being able to answer is
// the signal; component checks are included only in verbose mode.
func (m *Manager) Health(ctx context.Context, verbose bool) HealthResponse {
	resp := HealthResponse{
		Status:    StatusHealthy,
		Version:   m.version,
		Timestamp: time.Now(),
	}

	if verbose && len(m.checkers) > 0 {
		resp.Checks = make(map[string]CheckResult)
		resp.Status = m.runChecks(ctx, resp.Checks)
	}
	return resp
}

// Ready performs the readiness check. Any unhealthy component makes the
// daemon not ready.
func (m *Manager) Ready(ctx context.Context) ReadinessResponse {
	resp := ReadinessResponse{
		Ready:     true,
		Status:    StatusHealthy,
		Timestamp: time.Now(),
	}
	if len(m.checkers) == 0 {
		return resp
	}

	resp.Checks = make(map[string]CheckResult)
	resp.Status = m.runChecks(ctx, resp.Checks)
	resp.Ready = resp.Status != StatusUnhealthy
	return resp
}

func (m *Manager) runChecks(ctx context.Context, into map[string]CheckResult) Status {
	status := StatusHealthy
	for _, checker := range m.checkers {
		result := checker.Check(ctx)
		into[checker.Name()] = result
		switch result.Status {
		case StatusUnhealthy:
			status = StatusUnhealthy
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	return status
}

// ServeHealth handles HTTP liveness requests. Always 200 while alive.
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "health")
	verbose := r.URL.Query().Get("verbose") == "true"

	resp := m.Health(r.Context(), verbose)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str("event", "health.encode_error").Msg("failed to encode health response")
	}
}

// ServeReady handles HTTP readiness requests; 503 when not ready.
func (m *Manager) ServeReady(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "readiness")

	resp := m.Ready(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if resp.Ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str("event", "readiness.encode_error").Msg("failed to encode readiness response")
	}
}

// WritableDirChecker verifies the output directory exists and accepts
// writes. The generator cannot do anything useful without it.
type WritableDirChecker struct {
	name string
	dir  string
}

func NewWritableDirChecker(name, dir string) *WritableDirChecker {
	return &WritableDirChecker{name: name, dir: dir}
}

func (c *WritableDirChecker) Name() string { return c.name }

func (c *WritableDirChecker) Check(_ context.Context) CheckResult {
	info, err := os.Stat(c.dir)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	if !info.IsDir() {
		return CheckResult{Status: StatusUnhealthy, Error: "not a directory", Message: c.dir}
	}

	probe := filepath.Join(c.dir, ".health-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	_ = os.Remove(probe)

	return CheckResult{Status: StatusHealthy, Message: "writable"}
}

// Pinger is the subset of the history store readiness needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker verifies the run history database answers.
type DatabaseChecker struct {
	name string
	db   Pinger
}

func NewDatabaseChecker(name string, db Pinger) *DatabaseChecker {
	return &DatabaseChecker{name: name, db: db}
}

func (c *DatabaseChecker) Name() string { return c.name }

func (c *DatabaseChecker) Check(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.db.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "reachable"}
}

// ManifestChecker reports degraded when the last generated manifest is
// older than the refresh interval allows. Missing entirely is also just
// degraded: the daemon can still serve and will regenerate.
type ManifestChecker struct {
	name   string
	path   string
	maxAge time.Duration
}

func NewManifestChecker(name, path string, maxAge time.Duration) *ManifestChecker {
	return &ManifestChecker{name: name, path: path, maxAge: maxAge}
}

func (c *ManifestChecker) Name() string { return c.name }

func (c *ManifestChecker) Check(_ context.Context) CheckResult {
	info, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return CheckResult{Status: StatusDegraded, Message: "no refresh completed yet"}
		}
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}

	age := time.Since(info.ModTime())
	if c.maxAge > 0 && age > c.maxAge {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("manifest is %s old (max %s)", age.Round(time.Second), c.maxAge),
		}
	}
	return CheckResult{Status: StatusHealthy, Message: "fresh"}
}

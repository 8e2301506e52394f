// Package jobs orchestrates a refresh cycle: discover upstream YAML sources,
// strip them down to their routing sections, render every overwrite variant
// and persist the results atomically.
package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/clashkit/ocgen/internal/history"
	"github.com/clashkit/ocgen/internal/overwrite"
	"github.com/clashkit/ocgen/internal/upstream"
)

// Fetcher is the upstream surface the runner needs.
type Fetcher interface {
	ListSources(ctx context.Context) ([]upstream.Source, error)
	Fetch(ctx context.Context, src upstream.Source) ([]byte, error)
}

// History records finished runs and answers which output hashes are current.
type History interface {
	RecordRun(ctx context.Context, run history.Run, artifacts []history.Artifact) error
	LatestHashes(ctx context.Context) (map[string]string, error)
}

// Config carries the runner settings for one refresh cycle.
type Config struct {
	DataDir        string
	SourceLabel    string // first token of every output filename
	PublicBaseURL  string // external base for source-yaml links, optional
	MaxConcurrency int
}

// Result summarizes one refresh cycle.
type Result struct {
	RunID           string        `json:"run_id"`
	Trigger         string        `json:"trigger"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	SourcesTotal    int           `json:"sources_total"`
	SourcesFailed   int           `json:"sources_failed"`
	VariantsWritten int           `json:"variants_written"`
	VariantsSkipped int           `json:"variants_skipped"`
	Err             string        `json:"error,omitempty"`
}

// Runner executes refresh cycles. Safe for concurrent Status reads; callers
// serialize Refresh themselves.
type Runner struct {
	cfg      Config
	fetcher  Fetcher
	hist     History
	renderer *overwrite.Renderer
	logger   zerolog.Logger

	running atomic.Bool

	mu   sync.RWMutex
	last *Result
}

// ErrBusy reports that a refresh cycle is already in flight.
var ErrBusy = errors.New("refresh already in progress")

// NewRunner wires a runner from its dependencies.
func NewRunner(cfg Config, fetcher Fetcher, hist History, renderer *overwrite.Renderer, logger zerolog.Logger) *Runner {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	return &Runner{
		cfg:      cfg,
		fetcher:  fetcher,
		hist:     hist,
		renderer: renderer,
		logger:   logger,
	}
}

// TryRefresh runs a refresh cycle unless one is already in flight. The
// scheduler and the API trigger share this gate.
func (r *Runner) TryRefresh(ctx context.Context, trigger string) (Result, error) {
	if !r.running.CompareAndSwap(false, true) {
		return Result{}, ErrBusy
	}
	defer r.running.Store(false)
	return r.Refresh(ctx, trigger)
}

// Running reports whether a refresh cycle is in flight.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// LastResult returns the most recent refresh result, nil before the first.
func (r *Runner) LastResult() *Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

func (r *Runner) setLast(res Result) {
	r.mu.Lock()
	r.last = &res
	r.mu.Unlock()
}

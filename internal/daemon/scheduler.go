// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/clashkit/ocgen/internal/jobs"
)

// Scheduler triggers refresh cycles on a fixed interval. The runner's
// single-flight gate protects against overlap with API triggers.
type Scheduler struct {
	runner   *jobs.Runner
	interval time.Duration
	initial  bool
	logger   zerolog.Logger
}

// NewScheduler builds a scheduler. initial controls whether a refresh runs
// immediately on startup instead of waiting a full interval.
func NewScheduler(runner *jobs.Runner, interval time.Duration, initial bool, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		runner:   runner,
		interval: interval,
		initial:  initial,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info().
		Dur("interval", s.interval).
		Bool("initial", s.initial).
		Msg("scheduler started")

	if s.initial {
		s.fire(ctx, "startup")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			s.fire(ctx, "schedule")
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, trigger string) {
	_, err := s.runner.TryRefresh(ctx, trigger)
	switch {
	case errors.Is(err, jobs.ErrBusy):
		s.logger.Warn().
			Str("event", "scheduler.skipped").
			Str("trigger", trigger).
			Msg("refresh already in progress, skipping tick")
	case errors.Is(err, context.Canceled):
	case err != nil:
		s.logger.Error().Err(err).
			Str("event", "scheduler.refresh_failed").
			Str("trigger", trigger).
			Msg("scheduled refresh failed")
	}
}

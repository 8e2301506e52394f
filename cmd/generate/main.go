// SPDX-License-Identifier: MIT

// generate runs one refresh cycle and exits, for cron-driven deployments
// and CI pipelines that do not want the long-running daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/clashkit/ocgen/internal/cache"
	"github.com/clashkit/ocgen/internal/config"
	"github.com/clashkit/ocgen/internal/history"
	"github.com/clashkit/ocgen/internal/jobs"
	xlog "github.com/clashkit/ocgen/internal/log"
	"github.com/clashkit/ocgen/internal/overwrite"
	"github.com/clashkit/ocgen/internal/upstream"
	"github.com/clashkit/ocgen/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	dataDir := flag.String("data", "", "output directory (default from OCGEN_DATA_DIR)")
	repo := flag.String("repo", "", "upstream owner/repo (default from OCGEN_UPSTREAM_REPO)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	cfg := config.FromEnv()
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *repo != "" {
		cfg.UpstreamRepo = *repo
	}

	xlog.Configure(xlog.Config{
		Level:   cfg.LogLevel,
		Service: "ocgen-generate",
		Version: version.Version,
	})
	logger := xlog.WithComponent("generate")

	if err := config.Validate(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("failed to create data dir")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := history.Open(filepath.Join(cfg.DataDir, "history.db"), history.DefaultConfig())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open run history")
	}
	defer func() { _ = store.Close() }()

	client := upstream.New(upstream.Options{
		Repo:    cfg.UpstreamRepo,
		Branch:  cfg.UpstreamBranch,
		Dir:     cfg.UpstreamDir,
		Token:   cfg.GitHubToken,
		Timeout: cfg.FetchTimeout,
		Retries: cfg.FetchRetries,
		RPS:     cfg.FetchRPS,
		Cache:   cache.NewMemory(0),
	})

	renderer, err := overwrite.New()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize renderer")
	}

	runner := jobs.NewRunner(jobs.Config{
		DataDir:        cfg.DataDir,
		SourceLabel:    jobs.SourceLabel(cfg.UpstreamRepo),
		PublicBaseURL:  cfg.PublicBaseURL,
		MaxConcurrency: cfg.MaxConcurrency,
	}, client, store, renderer, logger)

	res, err := runner.Refresh(ctx, "cli")
	if err != nil {
		logger.Fatal().Err(err).Msg("refresh failed")
	}

	logger.Info().
		Int("sources", res.SourcesTotal).
		Int("failed", res.SourcesFailed).
		Int("written", res.VariantsWritten).
		Int("skipped", res.VariantsSkipped).
		Dur("duration", res.Duration).
		Msg("refresh complete")

	if res.SourcesFailed > 0 {
		os.Exit(1)
	}
}

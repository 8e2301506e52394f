// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/clashkit/ocgen/internal/api"
	"github.com/clashkit/ocgen/internal/cache"
	"github.com/clashkit/ocgen/internal/config"
	"github.com/clashkit/ocgen/internal/daemon"
	"github.com/clashkit/ocgen/internal/health"
	"github.com/clashkit/ocgen/internal/history"
	"github.com/clashkit/ocgen/internal/jobs"
	xlog "github.com/clashkit/ocgen/internal/log"
	"github.com/clashkit/ocgen/internal/overwrite"
	"github.com/clashkit/ocgen/internal/telemetry"
	"github.com/clashkit/ocgen/internal/upstream"
	"github.com/clashkit/ocgen/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to YAML config overlay")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	// Safe logging defaults until the real config is loaded.
	xlog.Configure(xlog.Config{
		Level:   "info",
		Service: "ocgen",
		Version: version.Version,
	})
	logger := xlog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Config precedence: ENV > file overlay > defaults. Without --config,
	// ${OCGEN_DATA_DIR}/ocgen.yaml is picked up when present.
	effectivePath := strings.TrimSpace(*configPath)
	if effectivePath == "" {
		autoPath := filepath.Join(config.ParseString("OCGEN_DATA_DIR", "./data"), "ocgen.yaml")
		if _, err := os.Stat(autoPath); err == nil {
			effectivePath = autoPath
		}
	}

	loader := &config.Loader{Path: effectivePath}
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().Err(err).
			Str("event", "config.load_failed").
			Str("config_path", effectivePath).
			Msg("failed to load configuration")
	}

	xlog.Configure(xlog.Config{
		Level:   cfg.LogLevel,
		Service: "ocgen",
		Version: version.Version,
	})
	logger = xlog.WithComponent("daemon")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("failed to create data dir")
	}

	if err := run(ctx, cfg, loader, logger); err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Msg("daemon exited with error")
	}
}

func run(ctx context.Context, cfg config.AppConfig, loader *config.Loader, logger zerolog.Logger) error {
	tracer, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.OTLPEnabled,
		ServiceName:    "ocgen",
		ServiceVersion: version.Version,
		ExporterType:   cfg.OTLPProtocol,
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		SamplingRate:   cfg.TraceSample,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	upstreamCache, err := buildCache(cfg)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}

	store, err := history.Open(filepath.Join(cfg.DataDir, "history.db"), history.DefaultConfig())
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}

	client := upstream.New(upstream.Options{
		Repo:    cfg.UpstreamRepo,
		Branch:  cfg.UpstreamBranch,
		Dir:     cfg.UpstreamDir,
		Token:   cfg.GitHubToken,
		Timeout: cfg.FetchTimeout,
		Retries: cfg.FetchRetries,
		RPS:     cfg.FetchRPS,
		Cache:   upstreamCache,
	})

	renderer, err := overwrite.New()
	if err != nil {
		return fmt.Errorf("init renderer: %w", err)
	}

	runner := jobs.NewRunner(jobs.Config{
		DataDir:        cfg.DataDir,
		SourceLabel:    jobs.SourceLabel(cfg.UpstreamRepo),
		PublicBaseURL:  cfg.PublicBaseURL,
		MaxConcurrency: cfg.MaxConcurrency,
	}, client, store, renderer, xlog.WithComponent("jobs"))

	healthMgr := health.NewManager(version.Version)
	healthMgr.RegisterChecker(health.NewWritableDirChecker("data_dir", cfg.DataDir))
	healthMgr.RegisterChecker(health.NewDatabaseChecker("history", store))
	healthMgr.RegisterChecker(health.NewManifestChecker("manifest",
		filepath.Join(cfg.DataDir, "manifest.json"), 2*cfg.RefreshInterval))

	holder := config.NewHolder(cfg, loader)
	if err := holder.StartWatcher(ctx); err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	watchConfig(ctx, holder, logger)

	apiServer := api.New(ctx, api.Config{
		DataDir:      cfg.DataDir,
		APIToken:     cfg.APIToken,
		APIRateLimit: cfg.APIRateLimit,
		RefreshLimit: cfg.RefreshLimit,
	}, runner, store, healthMgr, xlog.WithComponent("api"))

	serverCfg := daemon.DefaultServerConfig()
	serverCfg.ListenAddr = cfg.ListenAddr
	if cfg.MetricsEnabled {
		serverCfg.MetricsAddr = cfg.MetricsAddr
	}

	mgr := daemon.NewManager(serverCfg, apiServer.Router(), promhttp.Handler(), logger)
	mgr.RegisterShutdownHook("tracing", tracer.Shutdown)
	mgr.RegisterShutdownHook("cache", func(context.Context) error { return upstreamCache.Close() })
	mgr.RegisterShutdownHook("history", func(context.Context) error { return store.Close() })
	mgr.RegisterShutdownHook("config_watcher", func(context.Context) error {
		holder.Stop()
		return nil
	})

	scheduler := daemon.NewScheduler(runner, cfg.RefreshInterval, cfg.InitialRefresh, logger)
	go scheduler.Run(ctx)

	return mgr.Start(ctx)
}

// watchConfig applies hot-reloadable settings when the overlay file changes.
// Only the log level takes effect live; address and schedule changes need a
// restart and are called out in the log.
func watchConfig(ctx context.Context, holder *config.Holder, logger zerolog.Logger) {
	updates := make(chan config.AppConfig, 1)
	holder.RegisterListener(updates)

	go func() {
		current := holder.Get()
		for {
			select {
			case <-ctx.Done():
				return
			case next := <-updates:
				if next.LogLevel != current.LogLevel {
					xlog.Configure(xlog.Config{
						Level:   next.LogLevel,
						Service: "ocgen",
						Version: version.Version,
					})
					logger.Info().
						Str("event", "config.reloaded").
						Str("old_level", current.LogLevel).
						Str("new_level", next.LogLevel).
						Msg("log level updated")
				}
				if next.ListenAddr != current.ListenAddr ||
					next.MetricsAddr != current.MetricsAddr ||
					next.RefreshInterval != current.RefreshInterval {
					logger.Warn().
						Str("event", "config.restart_required").
						Msg("listen address or refresh interval changed, restart to apply")
				}
				current = next
			}
		}
	}()
}

func buildCache(cfg config.AppConfig) (cache.Cache, error) {
	logger := xlog.WithComponent("cache")
	switch cfg.CacheBackend {
	case config.CacheBadger:
		dir := cfg.CacheDir
		if dir == "" {
			dir = filepath.Join(cfg.DataDir, "cache")
		}
		return cache.NewBadger(dir, logger)
	case config.CacheRedis:
		return cache.NewRedis(cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
	case config.CacheNone:
		return cache.NewNoOp(), nil
	default:
		return cache.NewMemory(0), nil
	}
}

// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clashkit/ocgen/internal/config"
	xlog "github.com/clashkit/ocgen/internal/log"
	"github.com/clashkit/ocgen/internal/version"
)

func TestWatchConfigReappliesLogLevel(t *testing.T) {
	t.Setenv("OCGEN_LOG_LEVEL", "info")

	loader := &config.Loader{}
	cfg, err := loader.Load()
	require.NoError(t, err)
	xlog.Configure(xlog.Config{Level: cfg.LogLevel, Service: "ocgen", Version: version.Version})

	holder := config.NewHolder(cfg, loader)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchConfig(ctx, holder, zerolog.Nop())

	t.Setenv("OCGEN_LOG_LEVEL", "debug")
	require.NoError(t, holder.Reload(ctx))

	assert.Eventually(t, func() bool {
		return xlog.Base().GetLevel() == zerolog.DebugLevel
	}, time.Second, 10*time.Millisecond, "reload must reapply the log level")
}

func TestBuildCacheBadgerDefaultsUnderDataDir(t *testing.T) {
	cfg := config.FromEnv()
	cfg.DataDir = t.TempDir()
	cfg.CacheBackend = config.CacheBadger
	cfg.CacheDir = ""

	c, err := buildCache(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	info, err := os.Stat(filepath.Join(cfg.DataDir, "cache"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

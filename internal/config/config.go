// Package config loads the generator configuration, environment first with
// an optional YAML overlay file that can be hot reloaded.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/clashkit/ocgen/internal/metrics"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheBadger = "badger"
	CacheRedis  = "redis"
	CacheNone   = "none"
)

// AppConfig is the full runtime configuration.
type AppConfig struct {
	// Storage
	DataDir string `yaml:"dataDir"` // output root, confined writes only

	// Upstream repo holding the mihomo YAML sources
	UpstreamRepo   string        `yaml:"upstreamRepo"` // "owner/repo"
	UpstreamBranch string        `yaml:"upstreamBranch"`
	UpstreamDir    string        `yaml:"upstreamDir"`
	GitHubToken    string        `yaml:"-"` // env only, never persisted
	FetchTimeout   time.Duration `yaml:"fetchTimeout"`
	FetchRetries   int           `yaml:"fetchRetries"`
	FetchRPS       float64       `yaml:"fetchRPS"`

	// Refresh scheduling
	RefreshInterval time.Duration `yaml:"refreshInterval"`
	InitialRefresh  bool          `yaml:"initialRefresh"`
	MaxConcurrency  int           `yaml:"maxConcurrency"`

	// HTTP API
	ListenAddr    string `yaml:"listenAddr"`
	APIToken      string `yaml:"-"`              // env only
	PublicBaseURL string `yaml:"publicBaseURL"` // external base for generated links, optional
	APIRateLimit  int    `yaml:"apiRateLimit"`  // requests per minute per IP
	RefreshLimit  int    `yaml:"refreshLimit"`  // refresh triggers per minute per IP

	// Metrics
	MetricsEnabled bool   `yaml:"metricsEnabled"`
	MetricsAddr    string `yaml:"metricsAddr"`

	// Logging
	LogLevel string `yaml:"logLevel"`

	// Cache
	CacheBackend  string `yaml:"cacheBackend"` // memory|badger|redis|none
	CacheDir      string `yaml:"cacheDir"`     // badger only
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"-"` // env only
	RedisDB       int    `yaml:"redisDB"`

	// Tracing
	OTLPEnabled  bool    `yaml:"otlpEnabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	OTLPProtocol string  `yaml:"otlpProtocol"` // grpc|http
	OTLPInsecure bool    `yaml:"otlpInsecure"`
	TraceSample  float64 `yaml:"traceSample"`
}

// FromEnv builds the configuration from OCGEN_* environment variables.
func FromEnv() AppConfig {
	return AppConfig{
		DataDir: ParseString("OCGEN_DATA_DIR", "./data"),

		UpstreamRepo:   ParseString("OCGEN_UPSTREAM_REPO", "HenryChiao/mihomo_yamls"),
		UpstreamBranch: ParseString("OCGEN_UPSTREAM_BRANCH", "main"),
		UpstreamDir:    ParseString("OCGEN_UPSTREAM_DIR", "configs"),
		GitHubToken:    ParseString("OCGEN_GITHUB_TOKEN", ""),
		FetchTimeout:   ParseDuration("OCGEN_FETCH_TIMEOUT", 30*time.Second),
		FetchRetries:   ParseInt("OCGEN_FETCH_RETRIES", 3),
		FetchRPS:       ParseFloat("OCGEN_FETCH_RPS", 2),

		RefreshInterval: ParseDuration("OCGEN_REFRESH_INTERVAL", 24*time.Hour),
		InitialRefresh:  ParseBool("OCGEN_INITIAL_REFRESH", true),
		MaxConcurrency:  ParseInt("OCGEN_MAX_CONCURRENCY", 4),

		ListenAddr:    ParseString("OCGEN_LISTEN", ":8080"),
		APIToken:      ParseString("OCGEN_API_TOKEN", ""),
		PublicBaseURL: ParseString("OCGEN_PUBLIC_URL", ""),
		APIRateLimit:  ParseInt("OCGEN_API_RATE_LIMIT", 600),
		RefreshLimit:  ParseInt("OCGEN_REFRESH_RATE_LIMIT", 10),

		MetricsEnabled: ParseBool("OCGEN_METRICS_ENABLED", true),
		MetricsAddr:    ParseString("OCGEN_METRICS_LISTEN", ":9090"),

		LogLevel: ParseString("OCGEN_LOG_LEVEL", "info"),

		CacheBackend:  ParseString("OCGEN_CACHE_BACKEND", CacheMemory),
		CacheDir:      ParseString("OCGEN_CACHE_DIR", ""),
		RedisAddr:     ParseString("OCGEN_REDIS_ADDR", "localhost:6379"),
		RedisPassword: ParseString("OCGEN_REDIS_PASSWORD", ""),
		RedisDB:       ParseInt("OCGEN_REDIS_DB", 0),

		OTLPEnabled:  ParseBool("OCGEN_OTLP_ENABLED", false),
		OTLPEndpoint: ParseString("OCGEN_OTLP_ENDPOINT", "localhost:4317"),
		OTLPProtocol: ParseString("OCGEN_OTLP_PROTOCOL", "grpc"),
		OTLPInsecure: ParseBool("OCGEN_OTLP_INSECURE", true),
		TraceSample:  ParseFloat("OCGEN_TRACE_SAMPLE", 1.0),
	}
}

// Validate rejects configurations the daemon cannot safely run with.
// Validation failures are counted in metrics.
func Validate(cfg AppConfig) error {
	var errs []error

	if cfg.DataDir == "" {
		errs = append(errs, errors.New("data dir must not be empty"))
	}
	if !strings.Contains(cfg.UpstreamRepo, "/") || strings.Count(cfg.UpstreamRepo, "/") != 1 {
		errs = append(errs, fmt.Errorf("upstream repo %q must be owner/repo", cfg.UpstreamRepo))
	}
	if cfg.RefreshInterval < time.Minute {
		errs = append(errs, fmt.Errorf("refresh interval %s below 1m", cfg.RefreshInterval))
	}
	if cfg.MaxConcurrency < 1 || cfg.MaxConcurrency > 64 {
		errs = append(errs, fmt.Errorf("max concurrency %d outside 1..64", cfg.MaxConcurrency))
	}
	if cfg.FetchRetries < 0 || cfg.FetchRetries > 10 {
		errs = append(errs, fmt.Errorf("fetch retries %d outside 0..10", cfg.FetchRetries))
	}
	if cfg.PublicBaseURL != "" {
		if u, err := url.Parse(cfg.PublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("public base url %q must be absolute", cfg.PublicBaseURL))
		}
	}
	if cfg.APIRateLimit < 1 {
		errs = append(errs, fmt.Errorf("api rate limit %d must be positive", cfg.APIRateLimit))
	}
	if cfg.RefreshLimit < 1 {
		errs = append(errs, fmt.Errorf("refresh rate limit %d must be positive", cfg.RefreshLimit))
	}

	switch cfg.CacheBackend {
	// Badger with an empty cache dir falls back to <dataDir>/cache.
	case CacheMemory, CacheNone, CacheBadger:
	case CacheRedis:
		if cfg.RedisAddr == "" {
			errs = append(errs, errors.New("redis cache backend requires an address"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend))
	}

	if cfg.OTLPEnabled {
		switch cfg.OTLPProtocol {
		case "grpc", "http":
		default:
			errs = append(errs, fmt.Errorf("unknown otlp protocol %q", cfg.OTLPProtocol))
		}
		if cfg.TraceSample < 0 || cfg.TraceSample > 1 {
			errs = append(errs, fmt.Errorf("trace sample %g outside 0..1", cfg.TraceSample))
		}
	}

	if len(errs) > 0 {
		metrics.IncConfigValidationError()
		return errors.Join(errs...)
	}
	return nil
}

// Loader produces a validated AppConfig: env values first, then the
// optional YAML overlay at Path.
type Loader struct {
	Path string // empty means env only
}

// Load builds and validates a fresh configuration.
func (l *Loader) Load() (AppConfig, error) {
	cfg := FromEnv()

	if l.Path != "" {
		raw, err := os.ReadFile(l.Path)
		if err != nil {
			return AppConfig{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

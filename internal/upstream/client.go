// Package upstream fetches mihomo source configs from a GitHub repository:
// directory discovery through the contents API, raw file downloads with
// ETag revalidation, bounded retries and client-side rate limiting.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/clashkit/ocgen/internal/cache"
	xlog "github.com/clashkit/ocgen/internal/log"
	"github.com/clashkit/ocgen/internal/metrics"
)

const (
	defaultAPIBase = "https://api.github.com"
	defaultRawBase = "https://raw.githubusercontent.com"
)

// Source is one upstream YAML file.
type Source struct {
	Name        string // filename without extension
	Path        string // repo-relative path
	DownloadURL string
	SHA         string
}

// Options configures the upstream client.
type Options struct {
	Repo    string // "owner/repo"
	Branch  string
	Dir     string // repo subdirectory holding the YAML sources
	Token   string // optional GitHub token for private repos / rate limits
	Timeout time.Duration
	Retries int
	RPS     float64 // client-side request rate, 0 disables limiting
	Cache   cache.Cache
	APIBase string // overridable for tests
	RawBase string
}

// Client talks to GitHub. Safe for concurrent use.
type Client struct {
	opts    Options
	http    *http.Client
	limiter *rate.Limiter
}

// New builds a Client with sane defaults filled in.
func New(opts Options) *Client {
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.APIBase == "" {
		opts.APIBase = defaultAPIBase
	}
	if opts.RawBase == "" {
		opts.RawBase = defaultRawBase
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewNoOp()
	}

	var limiter *rate.Limiter
	if opts.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), 1)
	}

	return &Client{
		opts: opts,
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: limiter,
	}
}

// RawURL builds the raw download URL for a repo-relative path.
func RawURL(rawBase, repo, branch, filePath string) string {
	return fmt.Sprintf("%s/%s/%s/%s",
		strings.TrimRight(rawBase, "/"), repo, branch, strings.TrimLeft(filePath, "/"))
}

// ListSources enumerates YAML files in the configured repo directory,
// sorted by name.
func (c *Client) ListSources(ctx context.Context) ([]Source, error) {
	u := fmt.Sprintf("%s/repos/%s/contents/%s?ref=%s",
		strings.TrimRight(c.opts.APIBase, "/"), c.opts.Repo,
		strings.Trim(c.opts.Dir, "/"), c.opts.Branch)

	body, err := c.get(ctx, u, "")
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", c.opts.Dir, err)
	}

	var entries []struct {
		Name        string `json:"name"`
		Path        string `json:"path"`
		SHA         string `json:"sha"`
		Type        string `json:"type"`
		DownloadURL string `json:"download_url"`
	}
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("decode contents listing: %w", err)
	}

	var out []Source
	for _, e := range entries {
		if e.Type != "file" {
			continue
		}
		ext := strings.ToLower(path.Ext(e.Name))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		dl := e.DownloadURL
		if dl == "" {
			dl = RawURL(c.opts.RawBase, c.opts.Repo, c.opts.Branch, e.Path)
		}
		out = append(out, Source{
			Name:        strings.TrimSuffix(e.Name, path.Ext(e.Name)),
			Path:        e.Path,
			DownloadURL: dl,
			SHA:         e.SHA,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Fetch downloads a source body. A cached body is revalidated with
// If-None-Match; 304 answers are served from cache. Transient failures are
// retried with quadratic backoff.
func (c *Client) Fetch(ctx context.Context, src Source) ([]byte, error) {
	logger := xlog.WithComponentFromContext(ctx, "upstream")

	etagKey := "etag:" + src.DownloadURL
	bodyKey := "body:" + src.DownloadURL

	var etag string
	if v, ok := c.opts.Cache.Get(etagKey); ok {
		etag = string(v)
	}

	var lastErr error
	for attempt := 0; attempt <= c.opts.Retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt*500) * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		body, notModified, err := c.fetchOnce(ctx, src.DownloadURL, etag)
		if err != nil {
			lastErr = err
			metrics.IncUpstreamRequest("error")
			logger.Debug().Err(err).
				Str("source", src.Name).
				Int("attempt", attempt).
				Msg("upstream fetch attempt failed")
			continue
		}

		if notModified {
			if cached, ok := c.opts.Cache.Get(bodyKey); ok {
				metrics.IncUpstreamRequest("not_modified")
				return cached, nil
			}
			// Cache lost the body but kept the ETag; refetch unconditionally.
			etag = ""
			c.opts.Cache.Delete(etagKey)
			lastErr = fmt.Errorf("not modified but body missing from cache")
			continue
		}

		metrics.IncUpstreamRequest("success")
		return body, nil
	}

	return nil, fmt.Errorf("fetch %s after %d retries: %w", src.Path, c.opts.Retries, lastErr)
}

// fetchOnce performs one conditional GET.
func (c *Client) fetchOnce(ctx context.Context, url, etag string) (body []byte, notModified bool, err error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, false, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	c.decorate(req)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotModified:
		return nil, true, nil
	case res.StatusCode == http.StatusNotFound:
		return nil, false, fmt.Errorf("%s: %w", url, ErrNotFound)
	case res.StatusCode != http.StatusOK:
		return nil, false, &StatusError{URL: url, StatusCode: res.StatusCode}
	}

	body, err = io.ReadAll(io.LimitReader(res.Body, maxBodyBytes+1))
	if err != nil {
		return nil, false, err
	}
	if len(body) > maxBodyBytes {
		return nil, false, fmt.Errorf("%s: body exceeds %d bytes", url, maxBodyBytes)
	}

	if tag := res.Header.Get("ETag"); tag != "" {
		c.opts.Cache.Set("etag:"+url, []byte(tag), cacheTTL)
		c.opts.Cache.Set("body:"+url, body, cacheTTL)
	}
	return body, false, nil
}

func (c *Client) get(ctx context.Context, url, etag string) ([]byte, error) {
	body, _, err := c.fetchOnce(ctx, url, etag)
	return body, err
}

func (c *Client) decorate(req *http.Request) {
	req.Header.Set("User-Agent", "ocgen")
	req.Header.Set("Accept", "application/vnd.github+json, text/plain")
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}
}

const (
	// maxBodyBytes bounds a single upstream file; routing configs are small.
	maxBodyBytes = 8 << 20

	cacheTTL = 7 * 24 * time.Hour
)

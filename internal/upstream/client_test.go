// SPDX-License-Identifier: MIT

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clashkit/ocgen/internal/cache"
)

func TestListSourcesFiltersAndSorts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/yamls/contents/configs", r.URL.Path)
		assert.Equal(t, "main", r.URL.Query().Get("ref"))
		fmt.Fprint(w, `[
			{"name":"zulu.yaml","path":"configs/zulu.yaml","sha":"z1","type":"file","download_url":"http://raw/zulu.yaml"},
			{"name":"alpha.yml","path":"configs/alpha.yml","sha":"a1","type":"file","download_url":"http://raw/alpha.yml"},
			{"name":"README.md","path":"configs/README.md","sha":"r1","type":"file","download_url":"http://raw/README.md"},
			{"name":"sub","path":"configs/sub","sha":"d1","type":"dir","download_url":""}
		]`)
	}))
	defer srv.Close()

	c := New(Options{
		Repo:    "acme/yamls",
		Dir:     "configs",
		APIBase: srv.URL,
	})

	sources, err := c.ListSources(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "alpha", sources[0].Name)
	assert.Equal(t, "zulu", sources[1].Name)
	assert.Equal(t, "configs/zulu.yaml", sources[1].Path)
	assert.Equal(t, "http://raw/zulu.yaml", sources[1].DownloadURL)
}

func TestFetchUsesETagRevalidation(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		fmt.Fprint(w, "proxy-groups: []\n")
	}))
	defer srv.Close()

	c := New(Options{Repo: "acme/yamls", Cache: cache.NewMemory(0)})
	src := Source{Name: "a", Path: "configs/a.yaml", DownloadURL: srv.URL + "/a.yaml"}

	first, err := c.Fetch(context.Background(), src)
	require.NoError(t, err)

	second, err := c.Fetch(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, first, second, "304 must be served from cache")
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetchRetriesTransientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, "rules: []\n")
	}))
	defer srv.Close()

	c := New(Options{Repo: "acme/yamls", Retries: 2})
	body, err := c.Fetch(context.Background(), Source{
		Name: "b", Path: "configs/b.yaml", DownloadURL: srv.URL + "/b.yaml",
	})
	require.NoError(t, err)
	assert.Equal(t, "rules: []\n", string(body))
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := New(Options{Repo: "acme/yamls"})
	_, err := c.Fetch(context.Background(), Source{
		Name: "gone", Path: "configs/gone.yaml", DownloadURL: srv.URL + "/gone.yaml",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFetchStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(Options{Repo: "acme/yamls"})
	_, err := c.Fetch(context.Background(), Source{
		Name: "f", Path: "configs/f.yaml", DownloadURL: srv.URL + "/f.yaml",
	})
	require.Error(t, err)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusForbidden, se.StatusCode)
}

func TestFetchContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := New(Options{Repo: "acme/yamls", Retries: 5})
	_, err := c.Fetch(ctx, Source{
		Name: "c", Path: "configs/c.yaml", DownloadURL: srv.URL + "/c.yaml",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRawURL(t *testing.T) {
	got := RawURL("https://raw.githubusercontent.com", "acme/yamls", "main", "configs/a.yaml")
	assert.Equal(t, "https://raw.githubusercontent.com/acme/yamls/main/configs/a.yaml", got)
}

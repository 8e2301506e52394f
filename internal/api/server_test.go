// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clashkit/ocgen/internal/health"
	"github.com/clashkit/ocgen/internal/history"
	"github.com/clashkit/ocgen/internal/jobs"
)

type fakeRefresher struct {
	block   chan struct{} // closed to release a blocked refresh
	started chan struct{}
	running atomic.Bool
	last    *jobs.Result
}

func (f *fakeRefresher) TryRefresh(ctx context.Context, trigger string) (jobs.Result, error) {
	if !f.running.CompareAndSwap(false, true) {
		return jobs.Result{}, jobs.ErrBusy
	}
	defer f.running.Store(false)

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return jobs.Result{}, ctx.Err()
		}
	}
	res := jobs.Result{RunID: "r1", Trigger: trigger}
	f.last = &res
	return res, nil
}

func (f *fakeRefresher) Running() bool { return f.running.Load() }

func (f *fakeRefresher) LastResult() *jobs.Result { return f.last }

type fakeRunStore struct {
	runs []history.Run
}

func (f *fakeRunStore) ListRuns(context.Context, int) ([]history.Run, error) { return f.runs, nil }

func (f *fakeRunStore) GetRun(_ context.Context, id string) (history.Run, error) {
	for _, r := range f.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return history.Run{}, history.ErrNotFound
}

func newTestServer(t *testing.T, cfg Config, refresher Refresher, runs RunStore) *httptest.Server {
	t.Helper()
	if cfg.DataDir == "" {
		cfg.DataDir = t.TempDir()
	}
	s := New(context.Background(), cfg, refresher, runs, health.NewManager("test"), zerolog.Nop())
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t, Config{}, &fakeRefresher{}, &fakeRunStore{})

	res, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "ocgen", body["service"])
	assert.Equal(t, false, body["refreshing"])
}

func TestRefreshSingleFlight(t *testing.T) {
	refresher := &fakeRefresher{
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	srv := newTestServer(t, Config{}, refresher, &fakeRunStore{})

	res, err := http.Post(srv.URL+"/api/refresh", "application/json", nil)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusAccepted, res.StatusCode)

	// Wait until the background refresh is actually running.
	select {
	case <-refresher.started:
	case <-time.After(time.Second):
		t.Fatal("refresh never started")
	}

	res, err = http.Post(srv.URL+"/api/refresh", "application/json", nil)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	close(refresher.block)
}

func TestRefreshTokenAuth(t *testing.T) {
	srv := newTestServer(t, Config{APIToken: "s3cret"}, &fakeRefresher{}, &fakeRunStore{})

	res, err := http.Post(srv.URL+"/api/refresh", "application/json", nil)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/refresh", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
}

func TestListRunsEmptyIsArray(t *testing.T) {
	srv := newTestServer(t, Config{}, &fakeRefresher{}, &fakeRunStore{})

	res, err := http.Get(srv.URL + "/api/runs")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var runs []history.Run
	require.NoError(t, json.NewDecoder(res.Body).Decode(&runs))
	assert.Empty(t, runs)
}

func TestGetRun(t *testing.T) {
	store := &fakeRunStore{runs: []history.Run{{ID: "abc", Trigger: "api"}}}
	srv := newTestServer(t, Config{}, &fakeRefresher{}, store)

	res, err := http.Get(srv.URL + "/api/runs/abc")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	res2, err := http.Get(srv.URL + "/api/runs/missing")
	require.NoError(t, err)
	res2.Body.Close()
	assert.Equal(t, http.StatusNotFound, res2.StatusCode)
}

func TestListRunsLimitValidation(t *testing.T) {
	srv := newTestServer(t, Config{}, &fakeRefresher{}, &fakeRunStore{})

	res, err := http.Get(srv.URL + "/api/runs?limit=0")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, err = http.Get(srv.URL + "/api/runs?limit=banana")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestFileServing(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "overwrites"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dataDir, "overwrites", "Overwrite-mihomo-acme.conf"),
		[]byte("#!/bin/sh\n"), 0o644))

	srv := newTestServer(t, Config{DataDir: dataDir}, &fakeRefresher{}, &fakeRunStore{})

	res, err := http.Get(srv.URL + "/files/overwrites/Overwrite-mihomo-acme.conf")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	// Unknown extension and traversal both refuse.
	res, err = http.Get(srv.URL + "/files/overwrites/notes.txt")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, err = http.Get(srv.URL + "/files/overwrites/missing.conf")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestRefreshRateLimited(t *testing.T) {
	srv := newTestServer(t, Config{RefreshLimit: 1}, &fakeRefresher{}, &fakeRunStore{})

	res, err := http.Post(srv.URL+"/api/refresh", "application/json", nil)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusAccepted, res.StatusCode)

	res, err = http.Post(srv.URL+"/api/refresh", "application/json", nil)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.NotEmpty(t, res.Header.Get("Retry-After"))
}

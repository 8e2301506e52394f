// SPDX-License-Identifier: MIT

package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndListRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := Run{
		ID:              uuid.NewString(),
		StartedAt:       time.Now().Add(-time.Minute).UTC().Truncate(time.Second),
		FinishedAt:      time.Now().UTC().Truncate(time.Second),
		Trigger:         "api",
		SourcesTotal:    2,
		VariantsWritten: 18,
	}
	artifacts := []Artifact{
		{RunID: run.ID, Filename: "Overwrite-acme-tpl.conf", Source: "acme-tpl", Variant: "", SHA256: "aa", Written: run.FinishedAt},
		{RunID: run.ID, Filename: "Overwrite-acme-tpl-smart.conf", Source: "acme-tpl", Variant: "-smart", SHA256: "bb", Written: run.FinishedAt},
	}
	require.NoError(t, s.RecordRun(ctx, run, artifacts))

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Equal(t, "api", runs[0].Trigger)
	assert.Equal(t, 18, runs[0].VariantsWritten)
	assert.Equal(t, run.StartedAt, runs[0].StartedAt)
}

func TestGetRunNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetRun(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLatestHashesPicksNewest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := Run{ID: uuid.NewString(), StartedAt: time.Now().Add(-2 * time.Hour), FinishedAt: time.Now().Add(-2 * time.Hour), Trigger: "schedule"}
	require.NoError(t, s.RecordRun(ctx, old, []Artifact{
		{RunID: old.ID, Filename: "Overwrite-a-x.conf", Source: "a-x", SHA256: "old", Written: old.FinishedAt},
	}))

	latest := Run{ID: uuid.NewString(), StartedAt: time.Now(), FinishedAt: time.Now(), Trigger: "schedule"}
	require.NoError(t, s.RecordRun(ctx, latest, []Artifact{
		{RunID: latest.ID, Filename: "Overwrite-a-x.conf", Source: "a-x", SHA256: "new", Written: latest.FinishedAt},
		{RunID: latest.ID, Filename: "Overwrite-a-x-smart.conf", Source: "a-x", Variant: "-smart", SHA256: "s1", Written: latest.FinishedAt},
	}))

	hashes, err := s.LatestHashes(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", hashes["Overwrite-a-x.conf"])
	assert.Equal(t, "s1", hashes["Overwrite-a-x-smart.conf"])
}

func TestPruneCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stale := Run{ID: uuid.NewString(), StartedAt: time.Now().Add(-48 * time.Hour), FinishedAt: time.Now().Add(-48 * time.Hour), Trigger: "schedule"}
	require.NoError(t, s.RecordRun(ctx, stale, []Artifact{
		{RunID: stale.ID, Filename: "Overwrite-old-x.conf", Source: "old-x", SHA256: "zz", Written: stale.FinishedAt},
	}))

	n, err := s.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)

	hashes, err := s.LatestHashes(ctx)
	require.NoError(t, err)
	assert.Empty(t, hashes)
}

// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clashkit/ocgen/internal/jobs"
	"github.com/clashkit/ocgen/internal/variant"
)

func writeConf(t *testing.T, dir, filename, requiresEnv string) {
	t.Helper()
	content := fmt.Sprintf("#!/bin/sh\n# %s\n# requires-env: %s\n", filename, requiresEnv)
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), []byte(content), 0o644))
}

func writeFullSet(t *testing.T, dir string) {
	t.Helper()
	for _, v := range variant.All() {
		env := "EN_KEY"
		if v.Bypass {
			env = "EN_KEY, EN_DNS"
		}
		writeConf(t, dir, variant.Filename("mihomo", "acme", v), env)
	}
}

func TestValidateDirAccepts(t *testing.T) {
	dir := t.TempDir()
	writeFullSet(t, dir)

	problems, checked, err := validateDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 9, checked)
	assert.Empty(t, problems)
}

func TestValidateDirMissingVariant(t *testing.T) {
	dir := t.TempDir()
	writeFullSet(t, dir)
	require.NoError(t, os.Remove(filepath.Join(dir, "Overwrite-mihomo-acme-smart.conf")))

	problems, _, err := validateDir(dir)
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], `missing variant "-smart"`)
}

func TestValidateDirBadFilename(t *testing.T) {
	dir := t.TempDir()
	writeFullSet(t, dir)
	writeConf(t, dir, "Overwrite-mihomo-acme-turbo.conf", "EN_KEY")

	problems, _, err := validateDir(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, problems)
}

func TestValidateDirEnvContract(t *testing.T) {
	dir := t.TempDir()
	writeFullSet(t, dir)

	// Corrupt the bypass header: drop EN_DNS.
	writeConf(t, dir, "Overwrite-mihomo-acme-bypass.conf", "EN_KEY")

	problems, _, err := validateDir(dir)
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "missing EN_DNS")
}

func writeManifest(t *testing.T, dataDir string, files []string) {
	t.Helper()
	m := jobs.Manifest{RunID: "run-1", GeneratedAt: time.Now().UTC(), Files: files}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "manifest.json"), data, 0o644))
}

func fullSetPaths() []string {
	var files []string
	for _, v := range variant.All() {
		files = append(files, "overwrites/"+variant.Filename("mihomo", "acme", v))
	}
	return files
}

func TestValidateManifestMatches(t *testing.T) {
	dataDir := t.TempDir()
	ow := filepath.Join(dataDir, "overwrites")
	require.NoError(t, os.MkdirAll(ow, 0o755))
	writeFullSet(t, ow)
	writeManifest(t, dataDir, fullSetPaths())

	problems, err := validateManifest(dataDir)
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestValidateManifestReportsMissingFiles(t *testing.T) {
	dataDir := t.TempDir()
	writeManifest(t, dataDir, []string{"overwrites/Overwrite-mihomo-acme.conf"})

	problems, err := validateManifest(dataDir)
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "not on disk")
}

func TestValidateManifestReportsUnlistedFiles(t *testing.T) {
	dataDir := t.TempDir()
	ow := filepath.Join(dataDir, "overwrites")
	require.NoError(t, os.MkdirAll(ow, 0o755))
	writeFullSet(t, ow)

	files := fullSetPaths()
	writeManifest(t, dataDir, files[:len(files)-1])

	problems, err := validateManifest(dataDir)
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "not in the manifest")
}

func TestValidateManifestAbsent(t *testing.T) {
	problems, err := validateManifest(t.TempDir())
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "manifest:")
}

func TestValidateDirMissingHeader(t *testing.T) {
	dir := t.TempDir()
	writeFullSet(t, dir)
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "Overwrite-mihomo-acme-noipv6.conf"),
		[]byte("#!/bin/sh\n"), 0o644))

	problems, _, err := validateDir(dir)
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "missing requires-env header")
}

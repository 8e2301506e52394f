// SPDX-License-Identifier: MIT

package jobs

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/clashkit/ocgen/internal/platform/fs"
)

// hashContent hashes output content for change detection. The generation
// timestamp comment varies every run and is excluded, otherwise nothing
// would ever count as unchanged.
func hashContent(content []byte) string {
	h := sha256.New()
	for _, line := range bytes.Split(content, []byte("\n")) {
		if bytes.HasPrefix(line, []byte("# generated-at:")) {
			continue
		}
		h.Write(line)
		h.Write([]byte("\n"))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeOutput writes content under the data dir, confined and atomic.
func (r *Runner) writeOutput(rel string, content []byte) (path string, sum string, err error) {
	path, err = fs.ConfineRelPath(r.cfg.DataDir, rel)
	if err != nil {
		return "", "", err
	}
	if err := fs.WriteAtomic(path, content, 0o644); err != nil {
		return "", "", err
	}
	return path, hashContent(content), nil
}

func fileExists(root, rel string) bool {
	path, err := fs.ConfineRelPath(root, rel)
	if err != nil {
		return false
	}
	return fs.IsRegularFile(path) == nil
}

// Manifest lists everything a refresh cycle produced.
type Manifest struct {
	RunID       string    `json:"run_id"`
	GeneratedAt time.Time `json:"generated_at"`
	Files       []string  `json:"files"`
}

func (r *Runner) writeManifest(runID string, files []string) error {
	sort.Strings(files)
	m := Manifest{
		RunID:       runID,
		GeneratedAt: time.Now().UTC(),
		Files:       files,
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	data = append(data, '\n')
	if _, _, err := r.writeOutput("manifest.json", data); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadManifest loads the manifest written by the last refresh.
func ReadManifest(dataDir string) (Manifest, error) {
	path, err := fs.ConfineRelPath(dataDir, "manifest.json")
	if err != nil {
		return Manifest{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}

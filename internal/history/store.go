// Package history persists refresh runs and written artifacts in SQLite so
// the API can answer "what happened" and the generator can skip unchanged
// outputs across restarts.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver
)

// Run is one refresh cycle.
type Run struct {
	ID               string    `json:"id"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	Trigger          string    `json:"trigger"` // startup|schedule|api|cli
	SourcesTotal     int       `json:"sources_total"`
	SourcesFailed    int       `json:"sources_failed"`
	VariantsWritten  int       `json:"variants_written"`
	VariantsSkipped  int       `json:"variants_skipped"`
	Err              string    `json:"error,omitempty"`
}

// Artifact is one written output file with its content hash.
type Artifact struct {
	RunID    string    `json:"run_id"`
	Filename string    `json:"filename"`
	Source   string    `json:"source"`
	Variant  string    `json:"variant"`
	SHA256   string    `json:"sha256"`
	Written  time.Time `json:"written_at"`
}

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = errors.New("run not found")

// Store wraps the SQLite connection pool.
type Store struct {
	db *sql.DB
}

// Config defines SQLite operational parameters.
type Config struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultConfig returns pool settings suitable for WAL reading with
// concurrent API queries.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 10,
	}
}

// Open initializes the store at dbPath and applies the schema.
// PRAGMAs go in the DSN so they apply to every pooled connection.
func Open(dbPath string, cfg Config) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	started_at       INTEGER NOT NULL,
	finished_at      INTEGER NOT NULL,
	triggered_by     TEXT NOT NULL,
	sources_total    INTEGER NOT NULL,
	sources_failed   INTEGER NOT NULL,
	variants_written INTEGER NOT NULL,
	variants_skipped INTEGER NOT NULL,
	error            TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS artifacts (
	run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	filename   TEXT NOT NULL,
	source     TEXT NOT NULL,
	variant    TEXT NOT NULL,
	sha256     TEXT NOT NULL,
	written_at INTEGER NOT NULL,
	PRIMARY KEY (run_id, filename)
);

CREATE INDEX IF NOT EXISTS idx_artifacts_filename ON artifacts(filename, written_at);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: migrate failed: %w", err)
	}
	return nil
}

// RecordRun stores a completed run and its artifacts in one transaction.
func (s *Store) RecordRun(ctx context.Context, run Run, artifacts []Artifact) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO runs (id, started_at, finished_at, triggered_by, sources_total, sources_failed, variants_written, variants_skipped, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.Unix(), run.FinishedAt.Unix(), run.Trigger,
		run.SourcesTotal, run.SourcesFailed, run.VariantsWritten, run.VariantsSkipped, run.Err)
	if err != nil {
		return fmt.Errorf("sqlite: insert run: %w", err)
	}

	for _, a := range artifacts {
		_, err = tx.ExecContext(ctx, `
INSERT INTO artifacts (run_id, filename, source, variant, sha256, written_at)
VALUES (?, ?, ?, ?, ?, ?)`,
			run.ID, a.Filename, a.Source, a.Variant, a.SHA256, a.Written.Unix())
		if err != nil {
			return fmt.Errorf("sqlite: insert artifact %s: %w", a.Filename, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, started_at, finished_at, triggered_by, sources_total, sources_failed, variants_written, variants_skipped, error
FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var started, finished int64
		if err := rows.Scan(&r.ID, &started, &finished, &r.Trigger,
			&r.SourcesTotal, &r.SourcesFailed, &r.VariantsWritten, &r.VariantsSkipped, &r.Err); err != nil {
			return nil, fmt.Errorf("sqlite: scan run: %w", err)
		}
		r.StartedAt = time.Unix(started, 0).UTC()
		r.FinishedAt = time.Unix(finished, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRun returns one run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	var r Run
	var started, finished int64
	err := s.db.QueryRowContext(ctx, `
SELECT id, started_at, finished_at, triggered_by, sources_total, sources_failed, variants_written, variants_skipped, error
FROM runs WHERE id = ?`, id).Scan(&r.ID, &started, &finished, &r.Trigger,
		&r.SourcesTotal, &r.SourcesFailed, &r.VariantsWritten, &r.VariantsSkipped, &r.Err)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("sqlite: get run: %w", err)
	}
	r.StartedAt = time.Unix(started, 0).UTC()
	r.FinishedAt = time.Unix(finished, 0).UTC()
	return r, nil
}

// LatestHashes returns the newest recorded sha256 per output filename.
// The generator uses it to skip rewriting unchanged variants.
func (s *Store) LatestHashes(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT filename, sha256 FROM artifacts a
WHERE written_at = (SELECT MAX(written_at) FROM artifacts b WHERE b.filename = a.filename)`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: latest hashes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var filename, hash string
		if err := rows.Scan(&filename, &hash); err != nil {
			return nil, fmt.Errorf("sqlite: scan hash: %w", err)
		}
		out[filename] = hash
	}
	return out, rows.Err()
}

// Prune deletes runs older than keep, cascading to their artifacts.
func (s *Store) Prune(ctx context.Context, keep time.Duration) (int64, error) {
	cutoff := time.Now().Add(-keep).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlite: prune: %w", err)
	}
	return res.RowsAffected()
}

// Ping verifies the database is reachable, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

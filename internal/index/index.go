// Package index maintains the secondary sqlite index over finalized runs.
// The filesystem is authoritative: the index is rebuilt from manifests by
// Reindex at any time, and nothing in the core ever reads it back.
package index

import (
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jasoncookdesign/sigilzero-ai/internal/manifest"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
  run_id         TEXT PRIMARY KEY,
  job_id         TEXT NOT NULL,
  job_type       TEXT NOT NULL,
  job_ref        TEXT NOT NULL DEFAULT '',
  status         TEXT NOT NULL,
  schema_version TEXT NOT NULL,
  inputs_hash    TEXT NOT NULL DEFAULT '',
  run_dir        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_job_id ON runs(job_id);

CREATE TABLE IF NOT EXISTS run_artifacts (
  run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
  name   TEXT NOT NULL,
  path   TEXT NOT NULL,
  sha256 TEXT NOT NULL,
  bytes  INTEGER NOT NULL,
  PRIMARY KEY (run_id, name)
);
`

// Store wraps the sqlite handle.
type Store struct {
	db *sql.DB
}

// Open creates or opens the index database and ensures the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init index schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Record upserts one run into the index. Called after finalize; failure to
// index never fails a run (callers log and continue).
func (s *Store) Record(m *manifest.Manifest, runDir string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO runs (run_id, job_id, job_type, job_ref, status, schema_version, inputs_hash, run_dir)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
		  job_id = excluded.job_id, job_type = excluded.job_type, job_ref = excluded.job_ref,
		  status = excluded.status, schema_version = excluded.schema_version,
		  inputs_hash = excluded.inputs_hash, run_dir = excluded.run_dir`,
		m.RunID, m.JobID, m.JobType, m.JobRef, m.Status, m.SchemaVersion, m.InputsHash, runDir)
	if err != nil {
		return fmt.Errorf("index run %s: %w", m.RunID, err)
	}
	if _, err := tx.Exec(`DELETE FROM run_artifacts WHERE run_id = ?`, m.RunID); err != nil {
		return err
	}
	names := make([]string, 0, len(m.Artifacts))
	for name := range m.Artifacts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		meta := m.Artifacts[name]
		if _, err := tx.Exec(`INSERT INTO run_artifacts (run_id, name, path, sha256, bytes) VALUES (?, ?, ?, ?, ?)`,
			m.RunID, name, meta.Path, meta.SHA256, meta.Bytes); err != nil {
			return fmt.Errorf("index artifact %s/%s: %w", m.RunID, name, err)
		}
	}
	return tx.Commit()
}

// Reindex drops every row and rebuilds the index by re-reading every
// manifest under artifactsRoot. Returns the number of runs indexed.
func (s *Store) Reindex(artifactsRoot string) (int, error) {
	if _, err := s.db.Exec(`DELETE FROM run_artifacts; DELETE FROM runs;`); err != nil {
		return 0, fmt.Errorf("clear index: %w", err)
	}
	count := 0
	err := filepath.WalkDir(artifactsRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		// Legacy aliases are symlinks into canonical dirs; WalkDir does not
		// follow them, so each run is visited once.
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if d.IsDir() || d.Name() != manifest.Filename {
			return nil
		}
		runDir := filepath.Dir(path)
		m, err := manifest.Read(runDir)
		if err != nil {
			return nil
		}
		if err := s.Record(m, runDir); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return count, fmt.Errorf("walk artifacts root: %w", err)
	}
	return count, nil
}

// RunCount reports the number of indexed runs.
func (s *Store) RunCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&n)
	return n, err
}

// LookupRunDir returns the indexed directory for a run_id, or "".
func (s *Store) LookupRunDir(runID string) (string, error) {
	var dir string
	err := s.db.QueryRow(`SELECT run_dir FROM runs WHERE run_id = ?`, runID).Scan(&dir)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return dir, err
}

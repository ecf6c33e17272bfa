// Package rundir controls the atomic lifecycle of artifacts/<job_id>/<run_id>/
// directories: build-dir allocation, collision policy, idempotent replay
// detection, the finalize rename, and the best-effort legacy alias.
package rundir

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/jasoncookdesign/sigilzero-ai/internal/identity"
	"github.com/jasoncookdesign/sigilzero-ai/internal/manifest"
)

// TmpDirName holds build directories under each job root.
const TmpDirName = ".tmp"

// LegacyAliasDir is the flat compatibility namespace under artifacts/.
const LegacyAliasDir = "runs"

// maxCollisionSuffix bounds the deterministic suffix scan. A full 128-bit
// prefix collision across distinct inputs is astronomically improbable;
// the cap exists so corrupted trees fail loudly instead of spinning.
const maxCollisionSuffix = 1000

var ErrCollisionOverflow = errors.New("exceeded maximum collision suffix")

type Manager struct {
	artifactsRoot string
	logger        *slog.Logger

	aliasWarnOnce sync.Once
}

func NewManager(artifactsRoot string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{artifactsRoot: artifactsRoot, logger: logger}
}

// ArtifactsRoot returns the root this manager operates under.
func (m *Manager) ArtifactsRoot() string { return m.artifactsRoot }

// JobRoot returns artifacts/<job_id>.
func (m *Manager) JobRoot(jobID string) string {
	return filepath.Join(m.artifactsRoot, jobID)
}

// RunDir returns artifacts/<job_id>/<run_id>.
func (m *Manager) RunDir(jobID, runID string) string {
	return filepath.Join(m.artifactsRoot, jobID, runID)
}

// Allocate creates a fresh build directory under artifacts/<job_id>/.tmp/
// with inputs/ and outputs/ subdirectories.
func (m *Manager) Allocate(jobID string) (string, error) {
	buildDir := filepath.Join(m.JobRoot(jobID), TmpDirName, uuid.NewString())
	for _, sub := range []string{"inputs", "outputs"} {
		if err := os.MkdirAll(filepath.Join(buildDir, sub), 0o755); err != nil {
			return "", fmt.Errorf("allocate build dir: %w", err)
		}
	}
	return buildDir, nil
}

// Discard removes a build directory and everything under it.
func (m *Manager) Discard(buildDir string) {
	if err := os.RemoveAll(buildDir); err != nil {
		m.logger.Warn("failed to discard build dir", "dir", buildDir, "error", err)
	}
}

// Placement is the outcome of resolving a run's canonical location.
type Placement struct {
	RunID  string
	Dir    string
	Replay bool
}

// Resolve applies the collision policy for a computed inputs_hash. It walks
// the base run_id and its deterministic suffixes, returning either an
// existing directory whose manifest matches (idempotent replay) or the first
// free slot.
func (m *Manager) Resolve(jobID, inputsHash string) (Placement, error) {
	baseRunID, err := identity.DeriveRunID(inputsHash, "")
	if err != nil {
		return Placement{}, err
	}
	candidate := baseRunID
	for suffix := 1; suffix <= maxCollisionSuffix; suffix++ {
		dir := m.RunDir(jobID, candidate)
		if _, statErr := os.Stat(dir); statErr != nil {
			if os.IsNotExist(statErr) {
				return Placement{RunID: candidate, Dir: dir}, nil
			}
			return Placement{}, fmt.Errorf("stat run dir %s: %w", dir, statErr)
		}
		if manifest.InputsHashOf(dir) == inputsHash {
			return Placement{RunID: candidate, Dir: dir, Replay: true}, nil
		}
		candidate, err = identity.DeriveRunID(inputsHash, strconv.Itoa(suffix+1))
		if err != nil {
			return Placement{}, err
		}
	}
	return Placement{}, fmt.Errorf("%w for run_id %s", ErrCollisionOverflow, baseRunID)
}

// Finalize atomically promotes a build directory to its canonical location.
// The rename is a single filesystem operation; a partial run is never
// visible at the canonical path.
func (m *Manager) Finalize(buildDir, finalDir string) error {
	if err := os.MkdirAll(filepath.Dir(finalDir), 0o755); err != nil {
		return fmt.Errorf("prepare job root: %w", err)
	}
	if err := os.Rename(buildDir, finalDir); err != nil {
		m.Discard(buildDir)
		return fmt.Errorf("finalize run dir %s: %w", finalDir, err)
	}
	return nil
}

// EnsureLegacyAlias creates artifacts/runs/<run_id> as a relative symlink to
// the canonical directory. Best-effort: on platforms or filesystems without
// symlink support the failure is logged once and the run proceeds.
func (m *Manager) EnsureLegacyAlias(jobID, runID string) {
	aliasRoot := filepath.Join(m.artifactsRoot, LegacyAliasDir)
	if err := os.MkdirAll(aliasRoot, 0o755); err != nil {
		m.warnAliasOnce(err)
		return
	}
	aliasPath := filepath.Join(aliasRoot, runID)
	if _, err := os.Lstat(aliasPath); err == nil {
		return
	}
	target := filepath.Join("..", jobID, runID)
	if err := os.Symlink(target, aliasPath); err != nil {
		m.warnAliasOnce(err)
	}
}

func (m *Manager) warnAliasOnce(err error) {
	m.aliasWarnOnce.Do(func() {
		m.logger.Warn("unable to create legacy run alias; continuing with canonical path only", "error", err)
	})
}

// SweepTmp removes build directories older than maxAge under every job's
// .tmp/. It returns the number of directories removed. Canceled or crashed
// runs leave their build dirs here; finalized runs never do.
func (m *Manager) SweepTmp(maxAgeSeconds int64, now int64) (int, error) {
	jobs, err := os.ReadDir(m.artifactsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read artifacts root: %w", err)
	}
	removed := 0
	for _, job := range jobs {
		if !job.IsDir() || job.Name() == LegacyAliasDir {
			continue
		}
		tmpRoot := filepath.Join(m.artifactsRoot, job.Name(), TmpDirName)
		entries, err := os.ReadDir(tmpRoot)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			full := filepath.Join(tmpRoot, entry.Name())
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if now-info.ModTime().Unix() < maxAgeSeconds {
				continue
			}
			if err := os.RemoveAll(full); err != nil {
				m.logger.Warn("failed to sweep build dir", "dir", full, "error", err)
				continue
			}
			removed++
		}
	}
	return removed, nil
}

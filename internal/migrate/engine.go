package migrate

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jasoncookdesign/sigilzero-ai/internal/canonical"
	"github.com/jasoncookdesign/sigilzero-ai/internal/manifest"
)

// Engine applies migrations to manifest files with backup, atomic rewrite,
// and an auditable history entry. It holds no locks: concurrent migrations
// of distinct manifests are safe, and re-migrating an already-current
// manifest is a no-op.
type Engine struct {
	registry *Registry
	now      func() time.Time
}

func NewEngine(registry *Registry) *Engine {
	if registry == nil {
		registry = Builtin()
	}
	return &Engine{registry: registry, now: time.Now}
}

// Result describes one manifest migration attempt.
type Result struct {
	ManifestPath   string   `json:"manifest_path"`
	CurrentVersion string   `json:"current_version"`
	TargetVersion  string   `json:"target_version"`
	Applied        []string `json:"applied,omitempty"`
	AlreadyCurrent bool     `json:"already_current"`
	DryRun         bool     `json:"dry_run"`
	BackupPath     string   `json:"backup_path,omitempty"`
	// Migrated is the would-be tree; populated on dry runs for inspection.
	Migrated map[string]any `json:"-"`
}

// MigrateManifest migrates one manifest file to targetVersion ("" means the
// registry's latest). Dry-run executes every step up to but excluding the
// backup and write.
func (e *Engine) MigrateManifest(manifestPath, targetVersion string, dryRun bool) (Result, error) {
	result := Result{ManifestPath: manifestPath, DryRun: dryRun}

	tree, err := manifest.ReadTree(manifestPath)
	if err != nil {
		return result, err
	}
	current := SchemaVersionOf(tree)
	result.CurrentVersion = current

	if targetVersion == "" {
		targetVersion = e.registry.LatestVersion()
	}
	result.TargetVersion = targetVersion

	if current == targetVersion {
		result.AlreadyCurrent = true
		return result, nil
	}

	path, err := e.registry.FindPath(current, targetVersion)
	if err != nil {
		return result, err
	}

	preImage, err := deepCopy(tree)
	if err != nil {
		return result, err
	}
	checksumBefore, err := checksum(tree)
	if err != nil {
		return result, err
	}

	migrated := preImage
	var changes []string
	for _, m := range path {
		if errs := m.ValidateBefore(migrated); len(errs) > 0 {
			return result, fmt.Errorf("%w (%s → %s): %s", ErrValidation, m.FromVersion, m.ToVersion, strings.Join(errs, "; "))
		}
		stepBefore, err := deepCopy(migrated)
		if err != nil {
			return result, err
		}
		migrated = m.Transform(migrated)
		if errs := m.ValidateAfter(stepBefore, migrated); len(errs) > 0 {
			return result, fmt.Errorf("%w (%s → %s): %s", ErrValidation, m.FromVersion, m.ToVersion, strings.Join(errs, "; "))
		}
		changes = append(changes, m.Changes...)
		result.Applied = append(result.Applied, fmt.Sprintf("%s -> %s", m.FromVersion, m.ToVersion))
	}

	checksumAfter, err := checksum(migrated)
	if err != nil {
		return result, err
	}

	history, _ := migrated["migration_history"].([]any)
	history = append(history, map[string]any{
		"from_version":    current,
		"to_version":      targetVersion,
		"applied_at":      e.now().UTC().Format(time.RFC3339),
		"changes":         changes,
		"checksum_before": checksumBefore,
		"checksum_after":  checksumAfter,
	})
	migrated["migration_history"] = history

	if dryRun {
		result.Migrated = migrated
		return result, nil
	}

	original, err := os.ReadFile(manifestPath)
	if err != nil {
		return result, fmt.Errorf("reread manifest for backup: %w", err)
	}
	backupPath := manifestPath + manifest.BackupSuffix
	if err := os.WriteFile(backupPath, original, 0o644); err != nil {
		return result, fmt.Errorf("write backup: %w", err)
	}
	result.BackupPath = backupPath

	if err := manifest.WriteTree(manifestPath, migrated); err != nil {
		return result, err
	}
	return result, nil
}

// Stats summarizes a tree-wide migration pass.
type Stats struct {
	Total          int      `json:"total_manifests"`
	Migrated       int      `json:"migrated"`
	AlreadyCurrent int      `json:"already_current"`
	Failed         int      `json:"failed"`
	Errors         []string `json:"errors,omitempty"`
}

// MigrateAll walks artifactsRoot for manifest.json files and migrates each.
func (e *Engine) MigrateAll(artifactsRoot, targetVersion string, dryRun bool) (Stats, error) {
	var stats Stats
	err := filepath.WalkDir(artifactsRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() || d.Name() != manifest.Filename {
			return nil
		}
		stats.Total++
		result, err := e.MigrateManifest(path, targetVersion, dryRun)
		switch {
		case err != nil:
			stats.Failed++
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %v", path, err))
		case result.AlreadyCurrent:
			stats.AlreadyCurrent++
		default:
			stats.Migrated++
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return stats, fmt.Errorf("walk artifacts root: %w", err)
	}
	return stats, nil
}

func deepCopy(tree map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("deep copy manifest: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("deep copy manifest: %w", err)
	}
	return out, nil
}

func checksum(tree map[string]any) (string, error) {
	enc, err := canonical.EncodeCompact(tree)
	if err != nil {
		return "", err
	}
	return canonical.SHA256(enc), nil
}

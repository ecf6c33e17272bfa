// Package snapshot persists resolved inputs as canonical JSON files under a
// run's inputs/ directory. The hash recorded for each snapshot is computed
// from the bytes read back off disk, never from the in-memory encoding.
package snapshot

import (
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/jasoncookdesign/sigilzero-ai/internal/canonical"
)

// Canonical snapshot names.
const (
	NameBrief         = "brief"
	NameContext       = "context"
	NameModelConfig   = "model_config"
	NameDoctrine      = "doctrine"
	NamePriorArtifact = "prior_artifact"
)

// Meta describes one persisted snapshot: run-relative path, on-disk hash,
// and byte count.
type Meta struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Bytes  int    `json:"bytes"`
}

// Filename maps a snapshot name to its file under inputs/. model_config is
// not a ".resolved" input; everything else is.
func Filename(name string) string {
	if name == NameModelConfig {
		return "model_config.json"
	}
	return name + ".resolved.json"
}

// Write encodes value canonically, writes it atomically to
// inputs/<filename>, reads the written bytes back, and returns their hash.
func Write(runDir, name string, value any) (Meta, error) {
	encoded, err := canonical.Encode(value)
	if err != nil {
		return Meta{}, fmt.Errorf("encode snapshot %s: %w", name, err)
	}
	relPath := path.Join("inputs", Filename(name))
	fullPath := filepath.Join(runDir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return Meta{}, fmt.Errorf("create inputs dir: %w", err)
	}
	if err := atomicWrite(fullPath, encoded); err != nil {
		return Meta{}, fmt.Errorf("write snapshot %s: %w", name, err)
	}
	// Hash the file as it exists on disk; the disk bytes are the source of
	// truth for inputs_hash.
	onDisk, err := os.ReadFile(fullPath)
	if err != nil {
		return Meta{}, fmt.Errorf("read back snapshot %s: %w", name, err)
	}
	return Meta{Path: relPath, SHA256: canonical.SHA256(onDisk), Bytes: len(onDisk)}, nil
}

func atomicWrite(dest string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".snapshot-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Package manifest models the canonical record of a run and its two
// projections: the full projection written to manifest.json, and the
// deterministic projection used for byte-stable comparison, which excludes
// every volatile field.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jasoncookdesign/sigilzero-ai/internal/canonical"
	"github.com/jasoncookdesign/sigilzero-ai/internal/doctrine"
	"github.com/jasoncookdesign/sigilzero-ai/internal/snapshot"
)

// SchemaVersion is the current manifest schema version.
const SchemaVersion = "1.2.0"

// Filename is the manifest file inside a run directory.
const Filename = "manifest.json"

// BackupSuffix names the pre-migration backup next to the manifest.
const BackupSuffix = ".backup"

// Run statuses.
const (
	StatusSucceeded        = "succeeded"
	StatusFailed           = "failed"
	StatusIdempotentReplay = "idempotent_replay"
)

// volatileFields are excluded from the deterministic projection. The list is
// fixed and language-neutral.
var volatileFields = []string{"started_at", "finished_at", "langfuse_trace_id", "error", "usage"}

// PriorStage identifies one upstream run in a chain.
type PriorStage struct {
	Stage string `json:"stage"`
	RunID string `json:"run_id"`
	JobID string `json:"job_id"`
}

// ChainMetadata marks chainable stages and lists their priors. The model
// permits multiple priors; current pipelines populate at most one.
type ChainMetadata struct {
	IsChainableStage bool         `json:"is_chainable_stage"`
	PriorStages      []PriorStage `json:"prior_stages"`
}

// MigrationRecord is one entry of the append-only migration history.
type MigrationRecord struct {
	FromVersion    string   `json:"from_version"`
	ToVersion      string   `json:"to_version"`
	AppliedAt      string   `json:"applied_at"`
	Changes        []string `json:"changes"`
	ChecksumBefore string   `json:"checksum_before"`
	ChecksumAfter  string   `json:"checksum_after"`
}

// Usage is volatile payload metadata from the LLM adapter.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Manifest is the canonical record of a run.
type Manifest struct {
	SchemaVersion  string                   `json:"schema_version"`
	JobID          string                   `json:"job_id"`
	RunID          string                   `json:"run_id"`
	QueueJobID     *string                  `json:"queue_job_id"`
	JobRef         string                   `json:"job_ref"`
	JobType        string                   `json:"job_type"`
	Status         string                   `json:"status"`
	InputsHash     string                   `json:"inputs_hash"`
	InputSnapshots map[string]snapshot.Meta `json:"input_snapshots"`
	Doctrine       *doctrine.Reference      `json:"doctrine,omitempty"`
	Artifacts      map[string]snapshot.Meta `json:"artifacts"`
	ChainMetadata  *ChainMetadata           `json:"chain_metadata,omitempty"`
	Migrations     []MigrationRecord        `json:"migration_history"`
	GenerationMeta map[string]any           `json:"generation_metadata,omitempty"`

	// Volatile fields: full projection only.
	StartedAt       string  `json:"started_at,omitempty"`
	FinishedAt      string  `json:"finished_at,omitempty"`
	LangfuseTraceID *string `json:"langfuse_trace_id"`
	Error           string  `json:"error,omitempty"`
	UsageMeta       *Usage  `json:"usage,omitempty"`
}

// FullMap projects the manifest, volatile fields included, as the generic
// tree written to manifest.json.
func (m *Manifest) FullMap() (map[string]any, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if m.Migrations == nil {
		tree["migration_history"] = []any{}
	}
	return tree, nil
}

// DeterministicMap projects the manifest with every volatile field removed.
// Two successful runs of the same inputs encode this map to identical bytes.
func (m *Manifest) DeterministicMap() (map[string]any, error) {
	tree, err := m.FullMap()
	if err != nil {
		return nil, err
	}
	return DeterministicProjection(tree), nil
}

// DeterministicProjection strips the fixed volatile field set from a generic
// manifest tree. The doctrine sub-field resolved_at is volatile by contract;
// the typed model never serializes it, but migrated legacy manifests may
// still carry one.
func DeterministicProjection(tree map[string]any) map[string]any {
	out := make(map[string]any, len(tree))
	for k, v := range tree {
		out[k] = v
	}
	for _, field := range volatileFields {
		delete(out, field)
	}
	if doc, ok := out["doctrine"].(map[string]any); ok {
		scrubbed := make(map[string]any, len(doc))
		for k, v := range doc {
			if k == "resolved_at" {
				continue
			}
			scrubbed[k] = v
		}
		out["doctrine"] = scrubbed
	}
	return out
}

// EncodeDeterministic renders the deterministic projection in canonical
// snapshot form for byte-stable comparison.
func (m *Manifest) EncodeDeterministic() ([]byte, error) {
	det, err := m.DeterministicMap()
	if err != nil {
		return nil, err
	}
	return canonical.Encode(det)
}

// WriteFile writes the full projection atomically as <dir>/manifest.json.
func (m *Manifest) WriteFile(dir string) error {
	tree, err := m.FullMap()
	if err != nil {
		return err
	}
	return WriteTree(filepath.Join(dir, Filename), tree)
}

// WriteTree canonically encodes a manifest tree and writes it atomically.
func WriteTree(path string, tree map[string]any) error {
	encoded, err := canonical.Encode(tree)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*")
	if err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("finalize manifest: %w", err)
	}
	return nil
}

// Read decodes <dir>/manifest.json into the typed model.
func Read(dir string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, Filename))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// ReadTree decodes a manifest file into a generic tree, preserving fields
// the typed model does not know about (legacy schema versions).
func ReadTree(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return tree, nil
}

// InputsHashOf reads just the inputs_hash of a run directory's manifest,
// returning "" when the manifest is absent or unreadable. Used by the
// collision policy, which must tolerate foreign directories.
func InputsHashOf(dir string) string {
	tree, err := ReadTree(filepath.Join(dir, Filename))
	if err != nil {
		return ""
	}
	h, _ := tree["inputs_hash"].(string)
	return h
}

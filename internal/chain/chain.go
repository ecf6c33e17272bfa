// Package chain binds a chainable stage to the finalized artifact of a
// prior run. The binding hashes the prior outputs' current bytes, so any
// upstream drift surfaces as a new inputs_hash downstream. Requiring an
// on-disk, finalized prior is also the acyclicity proof: no cycle detection
// is needed.
package chain

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/jasoncookdesign/sigilzero-ai/internal/brief"
	"github.com/jasoncookdesign/sigilzero-ai/internal/canonical"
	"github.com/jasoncookdesign/sigilzero-ai/internal/manifest"
	"github.com/jasoncookdesign/sigilzero-ai/internal/rundir"
)

var (
	ErrPriorRunNotFound          = errors.New("prior run not found")
	ErrPriorOutputMissing        = errors.New("prior output missing")
	ErrPriorManifestInconsistent = errors.New("prior manifest inconsistent")
)

// ManifestSubset pins the identity fields of the prior manifest into the
// binding snapshot.
type ManifestSubset struct {
	JobID      string `json:"job_id"`
	RunID      string `json:"run_id"`
	JobType    string `json:"job_type"`
	InputsHash string `json:"inputs_hash"`
}

// Binding is the prior_artifact snapshot value for a chainable stage.
type Binding struct {
	PriorRunID        string            `json:"prior_run_id"`
	PriorJobID        string            `json:"prior_job_id"`
	PriorStage        string            `json:"prior_stage"`
	PriorManifest     ManifestSubset    `json:"prior_manifest"`
	RequiredOutputs   []string          `json:"required_outputs"`
	PriorOutputHashes map[string]string `json:"prior_output_hashes"`
}

// Bind locates the prior run on disk, validates its required outputs, and
// assembles the binding record. The prior is searched under every job
// directory; the first match in lexicographic job order wins.
func Bind(artifactsRoot string, inputs *brief.ChainInputs) (*Binding, error) {
	priorDir, priorJobID, err := locate(artifactsRoot, inputs.PriorRunID)
	if err != nil {
		return nil, err
	}

	prior, err := manifest.Read(priorDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPriorManifestInconsistent, err)
	}
	if prior.RunID != inputs.PriorRunID {
		return nil, fmt.Errorf("%w: manifest run_id %q != requested %q", ErrPriorManifestInconsistent, prior.RunID, inputs.PriorRunID)
	}

	outputHashes := make(map[string]string, len(inputs.RequiredOutputs))
	for _, name := range inputs.RequiredOutputs {
		outputPath := filepath.Join(priorDir, "outputs", filepath.FromSlash(name))
		raw, err := os.ReadFile(outputPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %s in run %s", ErrPriorOutputMissing, name, inputs.PriorRunID)
		}
		outputHashes[name] = canonical.SHA256(raw)
	}

	required := inputs.RequiredOutputs
	if required == nil {
		required = []string{}
	}
	return &Binding{
		PriorRunID: inputs.PriorRunID,
		PriorJobID: priorJobID,
		PriorStage: inputs.PriorStage,
		PriorManifest: ManifestSubset{
			JobID:      prior.JobID,
			RunID:      prior.RunID,
			JobType:    prior.JobType,
			InputsHash: prior.InputsHash,
		},
		RequiredOutputs:   required,
		PriorOutputHashes: outputHashes,
	}, nil
}

// locate scans artifacts/*/<run_id>/manifest.json in lexicographic order of
// the job directory name.
func locate(artifactsRoot, priorRunID string) (string, string, error) {
	entries, err := os.ReadDir(artifactsRoot)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s (no artifacts root)", ErrPriorRunNotFound, priorRunID)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && entry.Name() != rundir.LegacyAliasDir && entry.Name() != rundir.TmpDirName {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	for _, jobID := range names {
		candidate := filepath.Join(artifactsRoot, jobID, priorRunID)
		if _, err := os.Stat(filepath.Join(candidate, manifest.Filename)); err == nil {
			return candidate, jobID, nil
		}
	}
	return "", "", fmt.Errorf("%w: %s", ErrPriorRunNotFound, priorRunID)
}

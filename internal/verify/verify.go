// Package verify re-proves a run's integrity from disk bytes and the
// manifest alone. It knows nothing about the stage that produced the run:
// the manifest's declared snapshot map drives every check, and mismatches
// are returned as a structured report, never as errors.
package verify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/jasoncookdesign/sigilzero-ai/internal/canonical"
	"github.com/jasoncookdesign/sigilzero-ai/internal/identity"
	"github.com/jasoncookdesign/sigilzero-ai/internal/manifest"
)

// Check names, in report order.
const (
	CheckSnapshotsPresent   = "snapshots_present"
	CheckSnapshotHashes     = "snapshot_hashes"
	CheckInputsHash         = "inputs_hash_derivation"
	CheckRunID              = "run_id_derivation"
	CheckJobIDConsistency   = "job_id_consistency"
	CheckChainableStructure = "chainable_structure"
)

// Check is one entry of the per-check breakdown.
type Check struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Report is the structured verification result for one run directory.
type Report struct {
	RunDir string           `json:"run_dir"`
	Valid  bool             `json:"valid"`
	Checks map[string]Check `json:"checks"`
}

// CheckNames returns the report's check names in presentation order.
func CheckNames() []string {
	return []string{
		CheckSnapshotsPresent,
		CheckSnapshotHashes,
		CheckInputsHash,
		CheckRunID,
		CheckJobIDConsistency,
		CheckChainableStructure,
	}
}

// Run verifies a run directory and returns the per-check report.
func Run(runDir string) Report {
	report := Report{RunDir: runDir, Checks: map[string]Check{}}

	tree, err := manifest.ReadTree(filepath.Join(runDir, manifest.Filename))
	if err != nil {
		failed := Check{Errors: []string{err.Error()}}
		for _, name := range CheckNames() {
			report.Checks[name] = failed
		}
		return report
	}
	snapshots := declaredSnapshots(tree)

	report.Checks[CheckSnapshotsPresent] = snapshotsPresent(runDir, snapshots)
	report.Checks[CheckSnapshotHashes] = snapshotHashes(runDir, snapshots)
	report.Checks[CheckInputsHash] = inputsHashDerivation(runDir, tree, snapshots)
	report.Checks[CheckRunID] = runIDDerivation(tree)
	report.Checks[CheckJobIDConsistency] = jobIDConsistency(runDir, tree, snapshots)
	report.Checks[CheckChainableStructure] = chainableStructure(runDir, tree, snapshots)

	report.Valid = true
	for _, check := range report.Checks {
		if !check.Valid {
			report.Valid = false
			break
		}
	}
	return report
}

// Replay is the weaker probe used before re-executing: manifest readable,
// every declared snapshot present with matching on-disk hash.
func Replay(runDir string) (bool, []string) {
	tree, err := manifest.ReadTree(filepath.Join(runDir, manifest.Filename))
	if err != nil {
		return false, []string{err.Error()}
	}
	snapshots := declaredSnapshots(tree)
	var diagnostics []string
	if check := snapshotsPresent(runDir, snapshots); !check.Valid {
		diagnostics = append(diagnostics, check.Errors...)
	}
	if check := snapshotHashes(runDir, snapshots); !check.Valid {
		diagnostics = append(diagnostics, check.Errors...)
	}
	return len(diagnostics) == 0, diagnostics
}

type snapshotMeta struct {
	name   string
	path   string
	sha256 string
}

func declaredSnapshots(tree map[string]any) []snapshotMeta {
	raw, _ := tree["input_snapshots"].(map[string]any)
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]snapshotMeta, 0, len(names))
	for _, name := range names {
		meta, _ := raw[name].(map[string]any)
		path, _ := meta["path"].(string)
		digest, _ := meta["sha256"].(string)
		out = append(out, snapshotMeta{name: name, path: path, sha256: digest})
	}
	return out
}

func snapshotsPresent(runDir string, snapshots []snapshotMeta) Check {
	if len(snapshots) == 0 {
		return Check{Errors: []string{"no input_snapshots declared in manifest"}}
	}
	var errs []string
	for _, snap := range snapshots {
		if snap.path == "" {
			errs = append(errs, fmt.Sprintf("snapshot %s declares no path", snap.name))
			continue
		}
		if _, err := os.Stat(filepath.Join(runDir, filepath.FromSlash(snap.path))); err != nil {
			errs = append(errs, fmt.Sprintf("snapshot %s missing: %s", snap.name, snap.path))
		}
	}
	return Check{Valid: len(errs) == 0, Errors: errs}
}

func snapshotHashes(runDir string, snapshots []snapshotMeta) Check {
	if len(snapshots) == 0 {
		return Check{Errors: []string{"no input_snapshots declared in manifest"}}
	}
	var errs []string
	for _, snap := range snapshots {
		raw, err := os.ReadFile(filepath.Join(runDir, filepath.FromSlash(snap.path)))
		if err != nil {
			errs = append(errs, fmt.Sprintf("snapshot %s unreadable: %v", snap.name, err))
			continue
		}
		if got := canonical.SHA256(raw); got != snap.sha256 {
			errs = append(errs, fmt.Sprintf("snapshot %s hash mismatch: manifest %s, disk %s", snap.name, snap.sha256, got))
		}
	}
	return Check{Valid: len(errs) == 0, Errors: errs}
}

// inputsHashDerivation re-hashes each declared snapshot's disk bytes and
// re-runs the identity kernel over the resulting map. Hashing from disk
// keeps the check authoritative: a tampered snapshot fails here as well as
// in snapshot_hashes.
func inputsHashDerivation(runDir string, tree map[string]any, snapshots []snapshotMeta) Check {
	if len(snapshots) == 0 {
		return Check{Errors: []string{"no snapshot hashes to derive inputs_hash from"}}
	}
	hashes := make(map[string]string, len(snapshots))
	for _, snap := range snapshots {
		raw, err := os.ReadFile(filepath.Join(runDir, filepath.FromSlash(snap.path)))
		if err != nil {
			return Check{Errors: []string{fmt.Sprintf("snapshot %s unreadable: %v", snap.name, err)}}
		}
		hashes[snap.name] = canonical.SHA256(raw)
	}
	recomputed, err := identity.ComputeInputsHash(hashes)
	if err != nil {
		return Check{Errors: []string{err.Error()}}
	}
	recorded, _ := tree["inputs_hash"].(string)
	if recomputed != recorded {
		return Check{Errors: []string{fmt.Sprintf("inputs_hash mismatch: manifest %s, derived %s", recorded, recomputed)}}
	}
	return Check{Valid: true}
}

func runIDDerivation(tree map[string]any) Check {
	inputsHash, _ := tree["inputs_hash"].(string)
	recorded, _ := tree["run_id"].(string)
	derived, err := identity.DeriveRunID(inputsHash, "")
	if err != nil {
		return Check{Errors: []string{err.Error()}}
	}
	// A recorded deterministic collision suffix is legitimate.
	if identity.BaseRunID(recorded) != derived {
		return Check{Errors: []string{fmt.Sprintf("run_id mismatch: manifest %s, derived %s", recorded, derived)}}
	}
	return Check{Valid: true}
}

func jobIDConsistency(runDir string, tree map[string]any, snapshots []snapshotMeta) Check {
	var briefPath string
	for _, snap := range snapshots {
		if snap.name == "brief" {
			briefPath = snap.path
			break
		}
	}
	if briefPath == "" {
		return Check{Errors: []string{"manifest declares no brief snapshot"}}
	}
	raw, err := os.ReadFile(filepath.Join(runDir, filepath.FromSlash(briefPath)))
	if err != nil {
		return Check{Errors: []string{fmt.Sprintf("brief snapshot unreadable: %v", err)}}
	}
	var briefDoc map[string]any
	if err := json.Unmarshal(raw, &briefDoc); err != nil {
		return Check{Errors: []string{fmt.Sprintf("brief snapshot not JSON: %v", err)}}
	}
	briefJobID, _ := briefDoc["job_id"].(string)
	manifestJobID, _ := tree["job_id"].(string)
	if briefJobID != manifestJobID {
		return Check{Errors: []string{fmt.Sprintf("job_id mismatch: brief %q, manifest %q", briefJobID, manifestJobID)}}
	}
	return Check{Valid: true}
}

func chainableStructure(runDir string, tree map[string]any, snapshots []snapshotMeta) Check {
	chainMeta, _ := tree["chain_metadata"].(map[string]any)
	isChainable, _ := chainMeta["is_chainable_stage"].(bool)

	var priorSnap *snapshotMeta
	for i := range snapshots {
		if snapshots[i].name == "prior_artifact" {
			priorSnap = &snapshots[i]
			break
		}
	}

	if !isChainable {
		if priorSnap != nil {
			return Check{Errors: []string{"non-chainable run declares a prior_artifact snapshot"}}
		}
		return Check{Valid: true}
	}

	if priorSnap == nil {
		return Check{Errors: []string{"chainable run missing prior_artifact snapshot"}}
	}
	raw, err := os.ReadFile(filepath.Join(runDir, filepath.FromSlash(priorSnap.path)))
	if err != nil {
		return Check{Errors: []string{fmt.Sprintf("prior_artifact snapshot unreadable: %v", err)}}
	}
	var binding map[string]any
	if err := json.Unmarshal(raw, &binding); err != nil {
		return Check{Errors: []string{fmt.Sprintf("prior_artifact snapshot not JSON: %v", err)}}
	}
	var errs []string
	for _, field := range []string{"prior_run_id", "prior_output_hashes", "required_outputs"} {
		if _, present := binding[field]; !present {
			errs = append(errs, fmt.Sprintf("prior_artifact missing required field: %s", field))
		}
	}
	return Check{Valid: len(errs) == 0, Errors: errs}
}

package chain

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jasoncookdesign/sigilzero-ai/internal/brief"
	"github.com/jasoncookdesign/sigilzero-ai/internal/canonical"
	"github.com/jasoncookdesign/sigilzero-ai/internal/manifest"
)

const priorRunID = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func seedPriorRun(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	runDir := filepath.Join(root, "score-001", priorRunID)
	if err := os.MkdirAll(filepath.Join(runDir, "outputs"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, "outputs", "output.txt"), []byte("score: 0.91\n"), 0o644); err != nil {
		t.Fatalf("write output: %v", err)
	}
	m := &manifest.Manifest{
		SchemaVersion: manifest.SchemaVersion,
		JobID:         "score-001",
		RunID:         priorRunID,
		JobType:       "brand_compliance_score",
		Status:        manifest.StatusSucceeded,
		InputsHash:    "sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa11111111111111111111111111111111",
	}
	if err := m.WriteFile(runDir); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return root
}

func chainInputs() *brief.ChainInputs {
	return &brief.ChainInputs{
		PriorRunID:      priorRunID,
		PriorStage:      "brand_compliance_score",
		RequiredOutputs: []string{"output.txt"},
	}
}

func TestBindAssemblesRecord(t *testing.T) {
	root := seedPriorRun(t)
	binding, err := Bind(root, chainInputs())
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if binding.PriorJobID != "score-001" || binding.PriorRunID != priorRunID {
		t.Fatalf("wrong identity: %+v", binding)
	}
	if binding.PriorManifest.JobType != "brand_compliance_score" {
		t.Fatalf("manifest subset missing: %+v", binding.PriorManifest)
	}
	want := canonical.SHA256([]byte("score: 0.91\n"))
	if binding.PriorOutputHashes["output.txt"] != want {
		t.Fatalf("output hash mismatch: %q", binding.PriorOutputHashes["output.txt"])
	}
}

func TestBindHashesCurrentBytes(t *testing.T) {
	root := seedPriorRun(t)
	before, err := Bind(root, chainInputs())
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	// Out-of-band overwrite of the prior output must change the binding.
	outputPath := filepath.Join(root, "score-001", priorRunID, "outputs", "output.txt")
	if err := os.WriteFile(outputPath, []byte("score: 0.17\n"), 0o644); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	after, err := Bind(root, chainInputs())
	if err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if before.PriorOutputHashes["output.txt"] == after.PriorOutputHashes["output.txt"] {
		t.Fatal("binding did not track current output bytes")
	}
}

func TestBindFirstJobInLexicographicOrder(t *testing.T) {
	root := seedPriorRun(t)
	// A second job directory with the same run id, earlier in sort order.
	otherDir := filepath.Join(root, "aaa-job", priorRunID)
	if err := os.MkdirAll(filepath.Join(otherDir, "outputs"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(otherDir, "outputs", "output.txt"), []byte("other\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := &manifest.Manifest{SchemaVersion: manifest.SchemaVersion, JobID: "aaa-job", RunID: priorRunID, JobType: "x", InputsHash: "sha256:bb"}
	if err := m.WriteFile(otherDir); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	binding, err := Bind(root, chainInputs())
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if binding.PriorJobID != "aaa-job" {
		t.Fatalf("expected lexicographically first job, got %q", binding.PriorJobID)
	}
}

func TestBindPriorRunNotFound(t *testing.T) {
	root := seedPriorRun(t)
	inputs := chainInputs()
	inputs.PriorRunID = "ffffffffffffffffffffffffffffffff"
	if _, err := Bind(root, inputs); !errors.Is(err, ErrPriorRunNotFound) {
		t.Fatalf("expected ErrPriorRunNotFound, got %v", err)
	}
}

func TestBindMissingOutput(t *testing.T) {
	root := seedPriorRun(t)
	inputs := chainInputs()
	inputs.RequiredOutputs = []string{"output.txt", "missing.json"}
	if _, err := Bind(root, inputs); !errors.Is(err, ErrPriorOutputMissing) {
		t.Fatalf("expected ErrPriorOutputMissing, got %v", err)
	}
}

func TestBindInconsistentManifest(t *testing.T) {
	root := seedPriorRun(t)
	runDir := filepath.Join(root, "score-001", priorRunID)
	m := &manifest.Manifest{SchemaVersion: manifest.SchemaVersion, JobID: "score-001", RunID: "differentrunid", JobType: "x", InputsHash: "sha256:aa"}
	if err := m.WriteFile(runDir); err != nil {
		t.Fatalf("rewrite manifest: %v", err)
	}
	if _, err := Bind(root, chainInputs()); !errors.Is(err, ErrPriorManifestInconsistent) {
		t.Fatalf("expected ErrPriorManifestInconsistent, got %v", err)
	}
}

package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/jasoncookdesign/sigilzero-ai/internal/config"
	"github.com/jasoncookdesign/sigilzero-ai/internal/identity"
	"github.com/jasoncookdesign/sigilzero-ai/internal/manifest"
	"github.com/jasoncookdesign/sigilzero-ai/internal/verify"
)

const demoBrief = `job_id: demo-001
job_type: example
brand: SIGILZERO
`

func seedRepo(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()
	files := map[string]string{
		"jobs/demo/brief.yaml":                          "",
		"prompts/example/v1.0.0/template.md":            "hello\n",
		"prompts/brand_optimization/v1.0.0/template.md": "optimize {brief} with {context_items}\n",
	}
	for rel, content := range files {
		full := filepath.Join(repo, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	writeBrief(t, repo, "jobs/demo/brief.yaml", demoBrief)
	return repo
}

func writeBrief(t *testing.T, repo, jobRef, content string) {
	t.Helper()
	full := filepath.Join(repo, filepath.FromSlash(jobRef))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("write brief: %v", err)
	}
}

func newEngine(t *testing.T, repo string, opts ...Option) *Engine {
	t.Helper()
	cfg := config.Default(repo)
	cfg.Model.Temperature = 0
	return New(cfg, nil, opts...)
}

func listFiles(t *testing.T, root string) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, strings.TrimPrefix(path, root))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	sort.Strings(files)
	return files
}

func TestExecuteRunFreshRun(t *testing.T) {
	repo := seedRepo(t)
	e := newEngine(t, repo)
	result, err := e.ExecuteRun(context.Background(), "jobs/demo/brief.yaml", Params{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	m := result.Manifest
	if m.Status != manifest.StatusSucceeded {
		t.Fatalf("status: %q", m.Status)
	}
	if !strings.HasPrefix(m.InputsHash, "sha256:") {
		t.Fatalf("inputs_hash: %q", m.InputsHash)
	}
	wantRunID := strings.TrimPrefix(m.InputsHash, "sha256:")[:identity.RunIDLength]
	if m.RunID != wantRunID {
		t.Fatalf("run_id %q is not the hash prefix %q", m.RunID, wantRunID)
	}
	if len(m.InputSnapshots) != 4 {
		t.Fatalf("expected 4 snapshots, got %d", len(m.InputSnapshots))
	}
	if len(m.Artifacts) != 1 {
		t.Fatalf("expected 1 output artifact, got %v", m.Artifacts)
	}
	runDir := filepath.Join(repo, "artifacts", "demo-001", m.RunID)
	if result.RunDir != runDir {
		t.Fatalf("run dir %q", result.RunDir)
	}
	for _, rel := range []string{
		"inputs/brief.resolved.json",
		"inputs/context.resolved.json",
		"inputs/model_config.json",
		"inputs/doctrine.resolved.json",
		"outputs/output.txt",
		"manifest.json",
	} {
		if _, err := os.Stat(filepath.Join(runDir, filepath.FromSlash(rel))); err != nil {
			t.Fatalf("missing %s: %v", rel, err)
		}
	}
	// No build dirs left behind.
	tmpEntries, err := os.ReadDir(filepath.Join(repo, "artifacts", "demo-001", ".tmp"))
	if err == nil && len(tmpEntries) != 0 {
		t.Fatalf("build dirs left after finalize: %d", len(tmpEntries))
	}
}

func TestExecuteRunIdempotentReplay(t *testing.T) {
	repo := seedRepo(t)
	e := newEngine(t, repo)
	first, err := e.ExecuteRun(context.Background(), "jobs/demo/brief.yaml", Params{})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	before := listFiles(t, first.RunDir)

	second, err := e.ExecuteRun(context.Background(), "jobs/demo/brief.yaml", Params{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !second.Replay || second.Manifest.Status != manifest.StatusIdempotentReplay {
		t.Fatalf("expected idempotent replay, got %+v", second.Manifest.Status)
	}
	if second.Manifest.RunID != first.Manifest.RunID {
		t.Fatalf("replay changed run_id: %q vs %q", second.Manifest.RunID, first.Manifest.RunID)
	}
	after := listFiles(t, first.RunDir)
	if strings.Join(before, ",") != strings.Join(after, ",") {
		t.Fatalf("replay wrote into the canonical dir:\n%v\n%v", before, after)
	}
	// The on-disk manifest still says succeeded; replay status is in-memory.
	onDisk, err := manifest.Read(first.RunDir)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if onDisk.Status != manifest.StatusSucceeded {
		t.Fatalf("replay mutated the stored manifest: %q", onDisk.Status)
	}
}

func TestExecuteRunBriefDrift(t *testing.T) {
	repo := seedRepo(t)
	e := newEngine(t, repo)
	first, err := e.ExecuteRun(context.Background(), "jobs/demo/brief.yaml", Params{})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	writeBrief(t, repo, "jobs/demo/brief.yaml", demoBrief+"title: Drift\n")
	second, err := e.ExecuteRun(context.Background(), "jobs/demo/brief.yaml", Params{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Manifest.RunID == first.Manifest.RunID {
		t.Fatal("brief drift did not change run_id")
	}
	if _, err := os.Stat(first.RunDir); err != nil {
		t.Fatal("first run dir gone")
	}
	if _, err := os.Stat(second.RunDir); err != nil {
		t.Fatal("second run dir missing")
	}
}

func TestQueueJobIDExcludedFromHash(t *testing.T) {
	repo := seedRepo(t)
	e := newEngine(t, repo)
	first, err := e.ExecuteRun(context.Background(), "jobs/demo/brief.yaml", Params{QueueJobID: "queue-1"})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := e.ExecuteRun(context.Background(), "jobs/demo/brief.yaml", Params{QueueJobID: "queue-2"})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Manifest.RunID != first.Manifest.RunID {
		t.Fatal("queue_job_id leaked into the hash")
	}
	if !second.Replay {
		t.Fatal("expected replay despite different queue_job_id")
	}
}

func TestExecuteRunVerifies(t *testing.T) {
	repo := seedRepo(t)
	e := newEngine(t, repo)
	result, err := e.ExecuteRun(context.Background(), "jobs/demo/brief.yaml", Params{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	report := verify.Run(result.RunDir)
	if !report.Valid {
		t.Fatalf("fresh run fails verification: %+v", report.Checks)
	}
	ok, diagnostics := verify.Replay(result.RunDir)
	if !ok {
		t.Fatalf("fresh run not replayable: %v", diagnostics)
	}
}

func TestChainBindingPropagation(t *testing.T) {
	repo := seedRepo(t)
	e := newEngine(t, repo)
	prior, err := e.ExecuteRun(context.Background(), "jobs/demo/brief.yaml", Params{})
	if err != nil {
		t.Fatalf("prior run: %v", err)
	}

	chainBrief := fmt.Sprintf(`job_id: opt-001
job_type: brand_optimization
brand: SIGILZERO
chain_inputs:
  prior_run_id: %s
  prior_stage: example
  required_outputs: [output.txt]
`, prior.Manifest.RunID)
	writeBrief(t, repo, "jobs/opt/brief.yaml", chainBrief)

	first, err := e.ExecuteRun(context.Background(), "jobs/opt/brief.yaml", Params{})
	if err != nil {
		t.Fatalf("chainable run: %v", err)
	}
	if len(first.Manifest.InputSnapshots) != 5 {
		t.Fatalf("expected 5 snapshots, got %d", len(first.Manifest.InputSnapshots))
	}
	if _, err := os.Stat(filepath.Join(first.RunDir, "inputs", "prior_artifact.resolved.json")); err != nil {
		t.Fatalf("prior_artifact snapshot missing: %v", err)
	}
	if first.Manifest.ChainMetadata == nil || !first.Manifest.ChainMetadata.IsChainableStage {
		t.Fatalf("chain metadata missing: %+v", first.Manifest.ChainMetadata)
	}
	report := verify.Run(first.RunDir)
	if !report.Valid {
		t.Fatalf("chainable run fails verification: %+v", report.Checks)
	}

	// Rebinding with unchanged prior outputs reproduces the run (replay).
	again, err := e.ExecuteRun(context.Background(), "jobs/opt/brief.yaml", Params{})
	if err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if again.Manifest.RunID != first.Manifest.RunID || !again.Replay {
		t.Fatal("stable prior did not reproduce the chainable run_id")
	}

	// Out-of-band mutation of the prior output must change the chain run_id.
	priorOutput := filepath.Join(prior.RunDir, "outputs", "output.txt")
	if err := os.WriteFile(priorOutput, []byte("tampered\n"), 0o644); err != nil {
		t.Fatalf("overwrite prior output: %v", err)
	}
	rebound, err := e.ExecuteRun(context.Background(), "jobs/opt/brief.yaml", Params{})
	if err != nil {
		t.Fatalf("rebind after drift: %v", err)
	}
	if rebound.Manifest.RunID == first.Manifest.RunID {
		t.Fatal("prior output drift did not propagate into the chain run_id")
	}
}

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, string, config.ModelConfig, *int64) (string, *manifest.Usage, error) {
	return "", nil, errors.New("provider unavailable")
}

func TestPayloadFailureStillFinalizes(t *testing.T) {
	repo := seedRepo(t)
	e := newEngine(t, repo, WithGenerator(failingGenerator{}))
	result, err := e.ExecuteRun(context.Background(), "jobs/demo/brief.yaml", Params{})
	if err == nil {
		t.Fatal("expected payload error")
	}
	if result == nil {
		t.Fatal("payload failure must still return the finalized run")
	}
	onDisk, readErr := manifest.Read(result.RunDir)
	if readErr != nil {
		t.Fatalf("failed run has no manifest: %v", readErr)
	}
	if onDisk.Status != manifest.StatusFailed {
		t.Fatalf("status: %q", onDisk.Status)
	}
	if onDisk.Error == "" {
		t.Fatal("failure not recorded")
	}
	// The snapshot set still verifies.
	report := verify.Run(result.RunDir)
	if !report.Valid {
		t.Fatalf("failed run should still verify: %+v", report.Checks)
	}
}

func TestInputResolutionFailureWritesNothing(t *testing.T) {
	repo := seedRepo(t)
	e := newEngine(t, repo)
	writeBrief(t, repo, "jobs/bad/brief.yaml", `job_id: bad-001
job_type: unlisted_doctrine
brand: X
`)
	if _, err := e.ExecuteRun(context.Background(), "jobs/bad/brief.yaml", Params{}); err == nil {
		t.Fatal("expected doctrine error")
	}
	if _, err := os.Stat(filepath.Join(repo, "artifacts", "bad-001")); !os.IsNotExist(err) {
		t.Fatal("input-resolution failure touched artifacts/")
	}
}

func TestVariantsMode(t *testing.T) {
	repo := seedRepo(t)
	writeBrief(t, repo, "jobs/var/brief.yaml", `job_id: var-001
job_type: instagram_copy
brand: SIGILZERO
generation_mode: variants
caption_variants: 3
`)
	doctrineDir := filepath.Join(repo, "prompts", "instagram_copy", "v1.0.0")
	if err := os.MkdirAll(doctrineDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(doctrineDir, "template.md"), []byte("Write captions.\n{brief}\n{context_items}\n"), 0o644); err != nil {
		t.Fatalf("write doctrine: %v", err)
	}

	e := newEngine(t, repo)
	result, err := e.ExecuteRun(context.Background(), "jobs/var/brief.yaml", Params{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	for _, rel := range []string{
		"outputs/instagram_captions.md",
		"outputs/variants/01.md",
		"outputs/variants/02.md",
		"outputs/variants/03.md",
		"outputs/variants/variants.json",
	} {
		if _, ok := result.Manifest.Artifacts[rel]; !ok {
			t.Fatalf("artifact %s not recorded: %v", rel, result.Manifest.Artifacts)
		}
		if _, err := os.Stat(filepath.Join(result.RunDir, filepath.FromSlash(rel))); err != nil {
			t.Fatalf("artifact %s missing on disk: %v", rel, err)
		}
	}
	seeds, ok := result.Manifest.GenerationMeta["seeds"].(map[string]any)
	if !ok || len(seeds) != 3 {
		t.Fatalf("seeds not recorded: %v", result.Manifest.GenerationMeta)
	}
}

func TestDeterministicProjectionAcrossRepos(t *testing.T) {
	encode := func() []byte {
		repo := seedRepo(t)
		e := newEngine(t, repo)
		result, err := e.ExecuteRun(context.Background(), "jobs/demo/brief.yaml", Params{})
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		onDisk, err := manifest.Read(result.RunDir)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		enc, err := onDisk.EncodeDeterministic()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		return enc
	}
	a := encode()
	b := encode()
	if !bytes.Equal(a, b) {
		t.Fatalf("deterministic projection differs across repos:\n%s\nvs\n%s", a, b)
	}
}

package contextpack

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/jasoncookdesign/sigilzero-ai/internal/brief"
	"github.com/jasoncookdesign/sigilzero-ai/internal/canonical"
	"github.com/jasoncookdesign/sigilzero-ai/internal/corpus"
)

func seedReader(t *testing.T, files map[string]string) *corpus.Reader {
	t.Helper()
	repo := t.TempDir()
	for rel, content := range files {
		full := filepath.Join(repo, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return corpus.NewReader(repo)
}

func globBrief(t *testing.T) *brief.Brief {
	t.Helper()
	b, err := brief.Parse([]byte("job_id: demo-001\nbrand: X\n"))
	if err != nil {
		t.Fatalf("parse brief: %v", err)
	}
	return b
}

func retrieveBrief(t *testing.T, query string, topK int) *brief.Brief {
	t.Helper()
	src := "job_id: demo-001\nbrand: X\ncontext_mode: retrieve\ncontext_query: " + query + "\nretrieval_top_k: " + strconv.Itoa(topK) + "\n"
	b, err := brief.Parse([]byte(src))
	if err != nil {
		t.Fatalf("parse brief: %v", err)
	}
	return b
}

func TestResolveGlobConcatenatesSorted(t *testing.T) {
	reader := seedReader(t, map[string]string{
		"corpus/identity/voice.md":   "voice\n",
		"corpus/identity/palette.md": "palette\n",
	})
	pack, err := Resolve(reader, globBrief(t), nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if pack.Strategy != brief.ContextGlob {
		t.Fatalf("strategy: %q", pack.Strategy)
	}
	paletteAt := strings.Index(pack.Content, "# FILE: corpus/identity/palette.md")
	voiceAt := strings.Index(pack.Content, "# FILE: corpus/identity/voice.md")
	if paletteAt < 0 || voiceAt < 0 || paletteAt > voiceAt {
		t.Fatalf("files not in sorted order:\n%s", pack.Content)
	}
	if pack.ContentHash != canonical.SHA256([]byte(pack.Content)) {
		t.Fatal("content hash does not cover the blob")
	}
}

func TestResolveGlobEmptyCorpus(t *testing.T) {
	reader := seedReader(t, map[string]string{})
	pack, err := Resolve(reader, globBrief(t), nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if pack.Content != "" {
		t.Fatalf("expected empty content, got %q", pack.Content)
	}
	if pack.ContentHash != canonical.SHA256(nil) {
		t.Fatalf("empty content hash wrong: %q", pack.ContentHash)
	}
}

func TestResolveRetrieveEmbedsSelectionSpec(t *testing.T) {
	reader := seedReader(t, map[string]string{
		"corpus/a.md": "techno techno techno",
		"corpus/b.md": "jazz standards",
	})
	pack, err := Resolve(reader, retrieveBrief(t, "techno", 1), []Selector{{Root: "corpus", IncludeGlobs: []string{"**/*.md"}, MaxFiles: 10}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if pack.Strategy != brief.ContextRetrieve {
		t.Fatalf("strategy: %q", pack.Strategy)
	}
	items := pack.Spec["selected_items"].([]map[string]any)
	if len(items) != 1 || items[0]["path"] != "corpus/a.md" {
		t.Fatalf("unexpected selection: %v", items)
	}
	cfg := pack.Spec["retrieval_config"]
	if cfg == nil {
		t.Fatal("retrieval_config missing from spec")
	}
	if !strings.Contains(pack.Content, "techno") {
		t.Fatalf("content missing selected document: %q", pack.Content)
	}
}

func TestResolveSnapshotValueHashChangesWithSpec(t *testing.T) {
	reader := seedReader(t, map[string]string{"corpus/a.md": "same content"})
	packGlob, err := Resolve(reader, globBrief(t), []Selector{{Root: "corpus", IncludeGlobs: []string{"*.md"}, MaxFiles: 10}})
	if err != nil {
		t.Fatalf("resolve glob: %v", err)
	}
	packRetrieve, err := Resolve(reader, retrieveBrief(t, "same", 5), []Selector{{Root: "corpus", IncludeGlobs: []string{"*.md"}, MaxFiles: 10}})
	if err != nil {
		t.Fatalf("resolve retrieve: %v", err)
	}
	hashGlob, err := canonical.HashValue(packGlob.SnapshotValue())
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	hashRetrieve, err := canonical.HashValue(packRetrieve.SnapshotValue())
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hashGlob == hashRetrieve {
		t.Fatal("strategy change did not change the snapshot hash")
	}
}

func TestResolveRejectsUnknownMode(t *testing.T) {
	reader := seedReader(t, map[string]string{})
	b := globBrief(t)
	b.ContextMode = "psychic"
	if _, err := Resolve(reader, b, nil); err == nil {
		t.Fatal("expected error for unknown context_mode")
	}
}

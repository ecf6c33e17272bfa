package retrieval

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

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

func TestRetrieveRanksByRelevance(t *testing.T) {
	reader := seedReader(t, map[string]string{
		"corpus/a.md": "techno techno techno release",
		"corpus/b.md": "ambient drone landscapes",
		"corpus/c.md": "one mention of techno here",
	})
	items, contents, cfg, err := Retrieve(reader, Options{Query: "techno", TopK: 2})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].Path != "corpus/a.md" {
		t.Fatalf("expected a.md first, got %q", items[0].Path)
	}
	if items[0].Score <= items[1].Score {
		t.Fatalf("scores not descending: %v", items)
	}
	if _, ok := contents[items[0].Path]; !ok {
		t.Fatalf("content missing for %q", items[0].Path)
	}
	if cfg.NumCandidates != 3 || cfg.Scoring != "bm25" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestRetrieveTieBreaksByPath(t *testing.T) {
	reader := seedReader(t, map[string]string{
		"corpus/z.md": "identical words here",
		"corpus/a.md": "identical words here",
	})
	items, _, _, err := Retrieve(reader, Options{Query: "identical", TopK: 2})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if items[0].Path != "corpus/a.md" || items[1].Path != "corpus/z.md" {
		t.Fatalf("tie not broken by ascending path: %v", items)
	}
}

func TestRetrieveDeterministicAcrossRuns(t *testing.T) {
	files := map[string]string{
		"corpus/one.md":   "deep techno house set",
		"corpus/two.md":   "house music all night",
		"corpus/three.md": "press release for the techno single",
	}
	reader := seedReader(t, files)
	first, _, _, err := Retrieve(reader, Options{Query: "techno house", TopK: 3})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	second, _, _, err := Retrieve(reader, Options{Query: "techno house", TopK: 3})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("retrieval not deterministic:\n%v\n%v", first, second)
	}
}

func TestRetrieveEmptyCorpus(t *testing.T) {
	reader := seedReader(t, map[string]string{})
	items, contents, cfg, err := Retrieve(reader, Options{Query: "anything", TopK: 5})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(items) != 0 || len(contents) != 0 {
		t.Fatalf("expected empty result, got %v", items)
	}
	if cfg.NumCandidates != 0 {
		t.Fatalf("expected zero candidates, got %d", cfg.NumCandidates)
	}
}

func TestTokenize(t *testing.T) {
	got := tokenize("Deep-Techno 909, rave!")
	want := []string{"deep", "techno", "909", "rave"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("tokenize: got %v want %v", got, want)
	}
}

// Package contextpack materializes the context snapshot: the corpus
// selection (glob or retrieval), the concatenated content blob, and the
// content hash. Both the selection spec and the blob live in one snapshot,
// so a change to either the paths or the scoring surfaces as a new
// inputs_hash.
package contextpack

import (
	"fmt"
	"strings"

	"github.com/jasoncookdesign/sigilzero-ai/internal/brief"
	"github.com/jasoncookdesign/sigilzero-ai/internal/canonical"
	"github.com/jasoncookdesign/sigilzero-ai/internal/corpus"
	"github.com/jasoncookdesign/sigilzero-ai/internal/retrieval"
)

// Selector declares one glob-mode selection over the corpus.
type Selector struct {
	Root         string   `json:"root" yaml:"root"`
	IncludeGlobs []string `json:"include_globs" yaml:"include_globs"`
	ExcludeGlobs []string `json:"exclude_globs" yaml:"exclude_globs"`
	MaxFiles     int      `json:"max_files" yaml:"max_files"`
}

// DefaultSelectors cover the corpus layout the pipelines ship with.
func DefaultSelectors() []Selector {
	return []Selector{
		{Root: "corpus", IncludeGlobs: []string{"identity/*.md", "strategy/*.md", "artifacts/*.md"}, MaxFiles: 200},
	}
}

// Pack is the resolved context: strategy, selection spec, content, hash.
type Pack struct {
	Strategy    string
	Spec        map[string]any
	Content     string
	ContentHash string
}

// SnapshotValue is the tree persisted as context.resolved.json.
func (p *Pack) SnapshotValue() map[string]any {
	return map[string]any{
		"strategy":     p.Strategy,
		"spec":         p.Spec,
		"content":      p.Content,
		"content_hash": p.ContentHash,
	}
}

// Resolve materializes the context pack for a brief. Glob mode walks the
// selectors in declared order, visiting files in sorted path order;
// retrieve mode runs the deterministic keyword query.
func Resolve(reader *corpus.Reader, b *brief.Brief, selectors []Selector) (*Pack, error) {
	if len(selectors) == 0 {
		selectors = DefaultSelectors()
	}
	switch b.ContextMode {
	case brief.ContextRetrieve:
		return resolveRetrieve(reader, b, selectors)
	case brief.ContextGlob, "":
		return resolveGlob(reader, b, selectors)
	default:
		return nil, fmt.Errorf("unsupported context_mode %q", b.ContextMode)
	}
}

func resolveGlob(reader *corpus.Reader, b *brief.Brief, selectors []Selector) (*Pack, error) {
	var chunks []string
	selectorSpecs := make([]map[string]any, 0, len(selectors))
	for _, sel := range selectors {
		paths, err := reader.Glob(sel.Root, sel.IncludeGlobs, sel.ExcludeGlobs, sel.MaxFiles)
		if err != nil {
			return nil, err
		}
		for _, rel := range paths {
			raw, err := reader.Read(rel)
			if err != nil {
				return nil, fmt.Errorf("read context file %s: %w", rel, err)
			}
			chunks = append(chunks, fmt.Sprintf("\n\n# FILE: %s\n%s", rel, raw))
		}
		selectorSpecs = append(selectorSpecs, map[string]any{
			"root":          sel.Root,
			"include_globs": orEmpty(sel.IncludeGlobs),
			"exclude_globs": orEmpty(sel.ExcludeGlobs),
			"max_files":     sel.MaxFiles,
		})
	}
	content := strings.TrimSpace(strings.Join(chunks, ""))
	return &Pack{
		Strategy: brief.ContextGlob,
		Spec: map[string]any{
			"job_type":  b.JobType,
			"brand":     b.Brand,
			"selectors": selectorSpecs,
		},
		Content:     content,
		ContentHash: canonical.SHA256([]byte(content)),
	}, nil
}

func resolveRetrieve(reader *corpus.Reader, b *brief.Brief, selectors []Selector) (*Pack, error) {
	// Retrieval reuses the first selector's scope as its candidate pool.
	scope := selectors[0]
	items, contents, cfg, err := retrieval.Retrieve(reader, retrieval.Options{
		Query:        b.ContextQuery,
		TopK:         b.RetrievalTopK,
		Roots:        []string{scope.Root},
		IncludeGlobs: scope.IncludeGlobs,
		ExcludeGlobs: scope.ExcludeGlobs,
		MaxFiles:     scope.MaxFiles,
	})
	if err != nil {
		return nil, err
	}
	var chunks []string
	itemSpecs := make([]map[string]any, 0, len(items))
	for _, item := range items {
		chunks = append(chunks, fmt.Sprintf("\n\n# FILE: %s\n%s", item.Path, contents[item.Path]))
		itemSpecs = append(itemSpecs, map[string]any{
			"path":       item.Path,
			"sha256":     item.SHA256,
			"size_bytes": item.SizeBytes,
			"score":      item.Score,
		})
	}
	content := strings.TrimSpace(strings.Join(chunks, ""))
	return &Pack{
		Strategy: brief.ContextRetrieve,
		Spec: map[string]any{
			"job_type":         b.JobType,
			"brand":            b.Brand,
			"retrieval_config": cfg,
			"selected_items":   itemSpecs,
		},
		Content:     content,
		ContentHash: canonical.SHA256([]byte(content)),
	}, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

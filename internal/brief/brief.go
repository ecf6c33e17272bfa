// Package brief loads and validates job briefs. A brief is the governance
// request: human-assigned job_id, a job_type routed to a pipeline, and the
// knobs that shape generation and context selection.
//
// The canonical serialization tracks which keys appeared in the source YAML.
// Optional extension fields that are both absent from the source and at
// their built-in defaults are excluded from the snapshot, so run_id stays
// stable across backward-compatible schema growth.
package brief

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnsafeJobRef = errors.New("job_ref must resolve under jobs/ inside the repository")
	ErrNotFound     = errors.New("brief not found")
)

// Generation modes.
const (
	ModeSingle   = "single"
	ModeVariants = "variants"
	ModeFormat   = "format"
)

// Context strategies.
const (
	ContextGlob     = "glob"
	ContextRetrieve = "retrieve"
)

// Block is a named freeform input section of a brief.
type Block struct {
	Name    string `yaml:"name" json:"name"`
	Kind    string `yaml:"kind" json:"kind"`
	Content string `yaml:"content" json:"content"`
}

// IGControls shape Instagram copy generation.
type IGControls struct {
	CaptionCount    int  `yaml:"caption_count" json:"caption_count"`
	HashtagCount    int  `yaml:"hashtag_count" json:"hashtag_count"`
	MaxCaptionChars int  `yaml:"max_caption_chars" json:"max_caption_chars"`
	IncludeCTA      bool `yaml:"include_cta" json:"include_cta"`
	IncludeEmojis   bool `yaml:"include_emojis" json:"include_emojis"`
}

// ChainInputs bind a chainable stage to a prior run's outputs.
type ChainInputs struct {
	PriorRunID      string   `yaml:"prior_run_id" json:"prior_run_id"`
	PriorStage      string   `yaml:"prior_stage" json:"prior_stage"`
	RequiredOutputs []string `yaml:"required_outputs" json:"required_outputs"`
}

// Brief is the decoded job brief. Explicit records the top-level keys that
// appeared in the source document.
type Brief struct {
	SchemaVersion string         `yaml:"schema_version"`
	JobID         string         `yaml:"job_id"`
	JobType       string         `yaml:"job_type"`
	Brand         string         `yaml:"brand"`
	Artist        string         `yaml:"artist"`
	Title         string         `yaml:"title"`
	ToneTags      []string       `yaml:"tone_tags"`
	Constraints   map[string]any `yaml:"constraints"`
	IG            IGControls     `yaml:"ig"`

	GenerationMode  string   `yaml:"generation_mode"`
	CaptionVariants int      `yaml:"caption_variants"`
	OutputFormats   []string `yaml:"output_formats"`

	ContextMode     string `yaml:"context_mode"`
	ContextQuery    string `yaml:"context_query"`
	RetrievalTopK   int    `yaml:"retrieval_top_k"`
	RetrievalMethod string `yaml:"retrieval_method"`

	Blocks []Block           `yaml:"blocks"`
	Inputs map[string]string `yaml:"inputs"`

	Chain *ChainInputs `yaml:"chain_inputs"`

	Explicit map[string]bool `yaml:"-"`
}

func defaults() Brief {
	return Brief{
		SchemaVersion: "1.0.0",
		JobType:       "instagram_copy",
		IG: IGControls{
			CaptionCount:    5,
			HashtagCount:    12,
			MaxCaptionChars: 800,
			IncludeCTA:      true,
		},
		GenerationMode:  ModeSingle,
		CaptionVariants: 1,
		OutputFormats:   []string{"md"},
		ContextMode:     ContextGlob,
		RetrievalTopK:   10,
		RetrievalMethod: "keyword",
	}
}

// Load reads a brief from a repo-relative job_ref. The ref must live under
// jobs/ and must not traverse out of the repository.
func Load(repoRoot, jobRef string) (*Brief, error) {
	full, err := ResolveJobRef(repoRoot, jobRef)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, jobRef)
		}
		return nil, fmt.Errorf("read brief %s: %w", jobRef, err)
	}
	return Parse(raw)
}

// ResolveJobRef validates a job_ref and returns the absolute path.
func ResolveJobRef(repoRoot, jobRef string) (string, error) {
	if filepath.IsAbs(jobRef) {
		return "", fmt.Errorf("%w: %q is absolute", ErrUnsafeJobRef, jobRef)
	}
	clean := path.Clean(filepath.ToSlash(jobRef))
	if !strings.HasPrefix(clean, "jobs/") || strings.Contains(clean, "..") {
		return "", fmt.Errorf("%w: %q", ErrUnsafeJobRef, jobRef)
	}
	return filepath.Join(repoRoot, filepath.FromSlash(clean)), nil
}

// Parse decodes brief YAML, applying built-in defaults for absent keys and
// recording which keys were explicit in the source.
func Parse(raw []byte) (*Brief, error) {
	doc := map[string]any{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse brief yaml: %w", err)
	}
	if err := ValidateDocument(doc); err != nil {
		return nil, err
	}

	b := defaults()
	if err := yaml.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode brief: %w", err)
	}
	b.Explicit = make(map[string]bool, len(doc))
	for key := range doc {
		b.Explicit[key] = true
	}
	if b.JobID == "" {
		return nil, fmt.Errorf("brief missing job_id")
	}
	return &b, nil
}

// extensionDefault maps each late-added optional field to a probe reporting
// whether the decoded value still sits at its built-in default. Fields listed
// here are dropped from the canonical snapshot when implicit and defaulted.
var extensionDefault = map[string]func(*Brief) bool{
	"generation_mode":  func(b *Brief) bool { return b.GenerationMode == ModeSingle },
	"caption_variants": func(b *Brief) bool { return b.CaptionVariants == 1 },
	"output_formats":   func(b *Brief) bool { return len(b.OutputFormats) == 1 && b.OutputFormats[0] == "md" },
	"context_mode":     func(b *Brief) bool { return b.ContextMode == ContextGlob },
	"context_query":    func(b *Brief) bool { return b.ContextQuery == "" },
	"retrieval_top_k":  func(b *Brief) bool { return b.RetrievalTopK == 10 },
	"retrieval_method": func(b *Brief) bool { return b.RetrievalMethod == "keyword" },
}

// CanonicalMap projects the brief into the value serialized as
// brief.resolved.json. Core fields always appear; extension fields appear
// when explicitly set or when drifted from their defaults.
func (b *Brief) CanonicalMap() map[string]any {
	m := map[string]any{
		"schema_version": b.SchemaVersion,
		"job_id":         b.JobID,
		"job_type":       b.JobType,
		"brand":          b.Brand,
		"artist":         b.Artist,
		"title":          b.Title,
		"tone_tags":      emptySlice(b.ToneTags),
		"constraints":    emptyMap(b.Constraints),
		"ig": map[string]any{
			"caption_count":     b.IG.CaptionCount,
			"hashtag_count":     b.IG.HashtagCount,
			"max_caption_chars": b.IG.MaxCaptionChars,
			"include_cta":       b.IG.IncludeCTA,
			"include_emojis":    b.IG.IncludeEmojis,
		},
		"blocks": blockMaps(b.Blocks),
		"inputs": emptyStringMap(b.Inputs),
	}
	for field, atDefault := range extensionDefault {
		if !b.Explicit[field] && atDefault(b) {
			continue
		}
		switch field {
		case "generation_mode":
			m[field] = b.GenerationMode
		case "caption_variants":
			m[field] = b.CaptionVariants
		case "output_formats":
			m[field] = b.OutputFormats
		case "context_mode":
			m[field] = b.ContextMode
		case "context_query":
			m[field] = b.ContextQuery
		case "retrieval_top_k":
			m[field] = b.RetrievalTopK
		case "retrieval_method":
			m[field] = b.RetrievalMethod
		}
	}
	if b.Chain != nil {
		m["chain_inputs"] = map[string]any{
			"prior_run_id":     b.Chain.PriorRunID,
			"prior_stage":      b.Chain.PriorStage,
			"required_outputs": emptySlice(b.Chain.RequiredOutputs),
		}
	}
	return m
}

// IsChainable reports whether the brief binds to a prior run.
func (b *Brief) IsChainable() bool {
	return b.Chain != nil && b.Chain.PriorRunID != ""
}

func blockMaps(blocks []Block) []map[string]any {
	out := make([]map[string]any, 0, len(blocks))
	for _, blk := range blocks {
		kind := blk.Kind
		if kind == "" {
			kind = "markdown"
		}
		out = append(out, map[string]any{"name": blk.Name, "kind": kind, "content": blk.Content})
	}
	return out
}

func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func emptyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

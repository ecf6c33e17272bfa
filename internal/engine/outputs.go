package engine

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jasoncookdesign/sigilzero-ai/internal/brief"
	"github.com/jasoncookdesign/sigilzero-ai/internal/canonical"
	"github.com/jasoncookdesign/sigilzero-ai/internal/snapshot"
)

// variantResult is one generated variant with its captions.
type variantResult struct {
	Index    int      `json:"variant_index"`
	Seed     *string  `json:"seed"`
	Captions []string `json:"captions"`
}

// parseCaptions splits raw generator output on "---" separator lines.
func parseCaptions(raw string, want int) []string {
	var captions []string
	var current []string
	flush := func() {
		joined := strings.TrimSpace(strings.Join(current, "\n"))
		if joined != "" {
			captions = append(captions, joined)
		}
		current = current[:0]
	}
	for _, line := range strings.Split(raw, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "---") && len(current) > 0 {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()
	// Enforce the requested count: truncate or pad with empties.
	if want > 0 {
		if len(captions) > want {
			captions = captions[:want]
		}
		for len(captions) < want {
			captions = append(captions, "")
		}
	}
	return captions
}

// writeOutput writes one output file under the build dir and returns its
// artifact metadata keyed by run-relative path.
func writeOutput(buildDir, relPath string, content []byte) (string, snapshot.Meta, error) {
	full := filepath.Join(buildDir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", snapshot.Meta{}, fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return "", snapshot.Meta{}, fmt.Errorf("write output %s: %w", relPath, err)
	}
	return relPath, snapshot.Meta{Path: relPath, SHA256: canonical.SHA256(content), Bytes: len(content)}, nil
}

// renderOutputs writes the stage outputs for the generated variants and
// returns the artifacts map.
func renderOutputs(buildDir string, b *brief.Brief, runID string, variants []variantResult) (map[string]snapshot.Meta, error) {
	artifacts := map[string]snapshot.Meta{}
	add := func(rel string, content []byte) error {
		key, meta, err := writeOutput(buildDir, rel, content)
		if err != nil {
			return err
		}
		artifacts[key] = meta
		return nil
	}

	primary := variants[0]

	if b.JobType != "instagram_copy" {
		// Generic stages emit a single plain-text output.
		body := strings.Join(primary.Captions, "\n")
		if !strings.HasSuffix(body, "\n") {
			body += "\n"
		}
		if err := add("outputs/output.txt", []byte(body)); err != nil {
			return nil, err
		}
		return artifacts, nil
	}

	var md []string
	md = append(md,
		fmt.Sprintf("# Instagram Captions (%s)", b.Brand),
		fmt.Sprintf("- job_id: %s", b.JobID),
		fmt.Sprintf("- run_id: %s", runID),
		"",
	)
	if b.GenerationMode == brief.ModeVariants {
		md = append(md,
			"- generation_mode: variants",
			fmt.Sprintf("- total_variants: %d", len(variants)),
			"",
		)
	}
	for i, caption := range primary.Captions {
		md = append(md, fmt.Sprintf("## Caption %d", i+1), strings.TrimSpace(caption), "")
	}
	out := strings.TrimSpace(strings.Join(md, "\n")) + "\n"
	if err := add("outputs/instagram_captions.md", []byte(out)); err != nil {
		return nil, err
	}

	if b.GenerationMode == brief.ModeVariants && len(variants) > 1 {
		for _, variant := range variants {
			var lines []string
			lines = append(lines, fmt.Sprintf("# Variant %d", variant.Index+1), "")
			for i, caption := range variant.Captions {
				lines = append(lines, fmt.Sprintf("## Caption %d", i+1), strings.TrimSpace(caption), "")
			}
			content := strings.TrimSpace(strings.Join(lines, "\n")) + "\n"
			rel := path.Join("outputs", "variants", fmt.Sprintf("%02d.md", variant.Index+1))
			if err := add(rel, []byte(content)); err != nil {
				return nil, err
			}
		}
		encoded, err := canonical.Encode(variants)
		if err != nil {
			return nil, fmt.Errorf("encode variants: %w", err)
		}
		if err := add("outputs/variants/variants.json", encoded); err != nil {
			return nil, err
		}
	}

	if b.GenerationMode == brief.ModeFormat {
		doc := map[string]any{
			"job_id":   b.JobID,
			"brand":    b.Brand,
			"captions": primary.Captions,
		}
		for _, format := range b.OutputFormats {
			switch format {
			case "json":
				encoded, err := canonical.Encode(doc)
				if err != nil {
					return nil, fmt.Errorf("encode json output: %w", err)
				}
				if err := add("outputs/instagram_captions.json", encoded); err != nil {
					return nil, err
				}
			case "yaml":
				encoded, err := yaml.Marshal(doc)
				if err != nil {
					return nil, fmt.Errorf("encode yaml output: %w", err)
				}
				if err := add("outputs/instagram_captions.yaml", encoded); err != nil {
					return nil, err
				}
			}
		}
	}

	return artifacts, nil
}

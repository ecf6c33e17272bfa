package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/jasoncookdesign/sigilzero-ai/internal/canonical"
	"github.com/jasoncookdesign/sigilzero-ai/internal/config"
	"github.com/jasoncookdesign/sigilzero-ai/internal/manifest"
)

// Generator is the LLM adapter boundary. The engine treats a call as a pure
// function from (prompt, model config, seed) to output text; determinism of
// the provider itself is not the engine's responsibility, but the model
// configuration is a hashed input either way.
type Generator interface {
	Generate(ctx context.Context, prompt string, model config.ModelConfig, seed *int64) (string, *manifest.Usage, error)
}

// RenderPrompt fills the doctrine template's {brief} and {context_items}
// placeholders.
func RenderPrompt(template string, briefBlock, contextBlock string) string {
	rendered := strings.ReplaceAll(template, "{brief}", briefBlock)
	return strings.ReplaceAll(rendered, "{context_items}", contextBlock)
}

// StubGenerator is the offline fallback: no credentials required, output a
// pure function of (prompt, seed). Used by tests and local-first runs, the
// same stance the hosted pipelines take when no provider key is configured.
type StubGenerator struct {
	Captions int
}

func (g *StubGenerator) Generate(_ context.Context, prompt string, _ config.ModelConfig, seed *int64) (string, *manifest.Usage, error) {
	n := g.Captions
	if n <= 0 {
		n = 5
	}
	fingerprint := canonical.StripPrefix(canonical.SHA256([]byte(prompt)))[:12]
	variant := ""
	if seed != nil {
		variant = fmt.Sprintf(" seed=%d", *seed)
	}
	var b strings.Builder
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString("\n---\n")
		}
		fmt.Fprintf(&b, "Stub caption %d for prompt %s%s", i, fingerprint, variant)
	}
	usage := &manifest.Usage{PromptTokens: len(prompt) / 4, CompletionTokens: b.Len() / 4}
	return b.String(), usage, nil
}

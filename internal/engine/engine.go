// Package engine orchestrates a single deterministic run: resolve inputs,
// snapshot them, derive the run identity, execute the payload, and finalize
// the artifact directory. The order is strict: every byte that can alter
// behavior hits disk before any hash is computed.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/jasoncookdesign/sigilzero-ai/internal/audit"
	"github.com/jasoncookdesign/sigilzero-ai/internal/brief"
	"github.com/jasoncookdesign/sigilzero-ai/internal/canonical"
	"github.com/jasoncookdesign/sigilzero-ai/internal/chain"
	"github.com/jasoncookdesign/sigilzero-ai/internal/config"
	"github.com/jasoncookdesign/sigilzero-ai/internal/contextpack"
	"github.com/jasoncookdesign/sigilzero-ai/internal/corpus"
	"github.com/jasoncookdesign/sigilzero-ai/internal/doctrine"
	"github.com/jasoncookdesign/sigilzero-ai/internal/identity"
	"github.com/jasoncookdesign/sigilzero-ai/internal/index"
	"github.com/jasoncookdesign/sigilzero-ai/internal/manifest"
	otelPkg "github.com/jasoncookdesign/sigilzero-ai/internal/otel"
	"github.com/jasoncookdesign/sigilzero-ai/internal/rundir"
	"github.com/jasoncookdesign/sigilzero-ai/internal/snapshot"
)

// Params carries per-invocation collaborator state.
type Params struct {
	// QueueJobID is the ephemeral queue runtime identifier. Recorded in the
	// manifest for audit, excluded from every hash.
	QueueJobID string
}

// RunResult is what ExecuteRun hands back to callers.
type RunResult struct {
	Manifest *manifest.Manifest
	RunDir   string
	Replay   bool
}

// Engine wires the resolvers, the run directory manager, and the LLM
// adapter into the execute_run operation.
type Engine struct {
	cfg       *config.Config
	logger    *slog.Logger
	reader    *corpus.Reader
	doctrines *doctrine.Store
	manager   *rundir.Manager
	generator Generator
	tracer    trace.Tracer
	metrics   *otelPkg.Metrics
	idx       *index.Store
}

// Option customizes an Engine.
type Option func(*Engine)

// WithGenerator swaps the LLM adapter.
func WithGenerator(g Generator) Option {
	return func(e *Engine) { e.generator = g }
}

// WithTracer attaches an OTel tracer. Spans are emitted downstream of the
// manifest and never fail a run.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithMetrics attaches the engine's metric instruments. Like spans, metric
// records are downstream of the manifest and never participate in a hash.
func WithMetrics(m *otelPkg.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithIndex attaches the secondary index. Index writes are best-effort.
func WithIndex(s *index.Store) Option {
	return func(e *Engine) { e.idx = s }
}

func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		reader:    corpus.NewReader(cfg.RepoRoot),
		doctrines: doctrine.NewStore(cfg.RepoRoot, cfg.Doctrine.Whitelist, cfg.Doctrine.Roots, canonical.SHA256),
		manager:   rundir.NewManager(cfg.ArtifactsDir, logger),
		generator: &StubGenerator{},
		tracer:    nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName),
		metrics:   otelPkg.NoopMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Manager exposes the run directory manager for collaborators (sweeper, CLI).
func (e *Engine) Manager() *rundir.Manager { return e.manager }

// ExecuteRun resolves, snapshots, and executes the job referenced by
// jobRef. On idempotent replay the existing manifest is returned and no
// canonical file is touched except, best-effort, the legacy alias.
func (e *Engine) ExecuteRun(ctx context.Context, jobRef string, params Params) (*RunResult, error) {
	started := time.Now()

	// Phase 1: input resolution. Failures here abort before any write
	// under artifacts/.
	b, err := brief.Load(e.cfg.RepoRoot, jobRef)
	if err != nil {
		return nil, err
	}
	pack, err := contextpack.Resolve(e.reader, b, e.cfg.Selectors)
	if err != nil {
		return nil, err
	}
	doctrineID, doctrineVersion := e.doctrineFor(b)
	doctrineContent, doctrineRef, err := e.doctrines.Load(doctrineID, doctrineVersion)
	if err != nil {
		return nil, err
	}
	var binding *chain.Binding
	if b.IsChainable() {
		binding, err = chain.Bind(e.cfg.ArtifactsDir, b.Chain)
		if err != nil {
			return nil, err
		}
	}

	// Phase 2: canonical snapshots in the build directory.
	buildDir, err := e.manager.Allocate(b.JobID)
	if err != nil {
		return nil, err
	}
	snapshots := map[string]snapshot.Meta{}
	writeSnap := func(name string, value any) error {
		meta, err := snapshot.Write(buildDir, name, value)
		if err != nil {
			return err
		}
		snapshots[name] = meta
		return nil
	}
	doctrineSnapshot := map[string]any{
		"doctrine_id": doctrineRef.DoctrineID,
		"version":     doctrineRef.Version,
		"sha256":      doctrineRef.SHA256,
		"content":     string(doctrineContent),
	}
	if err := writeSnap(snapshot.NameBrief, b.CanonicalMap()); err != nil {
		e.manager.Discard(buildDir)
		return nil, err
	}
	if err := writeSnap(snapshot.NameContext, pack.SnapshotValue()); err != nil {
		e.manager.Discard(buildDir)
		return nil, err
	}
	if err := writeSnap(snapshot.NameModelConfig, e.cfg.Model.SnapshotValue()); err != nil {
		e.manager.Discard(buildDir)
		return nil, err
	}
	if err := writeSnap(snapshot.NameDoctrine, doctrineSnapshot); err != nil {
		e.manager.Discard(buildDir)
		return nil, err
	}
	if binding != nil {
		if err := writeSnap(snapshot.NamePriorArtifact, binding); err != nil {
			e.manager.Discard(buildDir)
			return nil, err
		}
	}

	// Phase 3: identity.
	hashes := make(map[string]string, len(snapshots))
	for name, meta := range snapshots {
		hashes[name] = meta.SHA256
	}
	inputsHash, err := identity.ComputeInputsHash(hashes)
	if err != nil {
		e.manager.Discard(buildDir)
		return nil, err
	}
	placement, err := e.manager.Resolve(b.JobID, inputsHash)
	if err != nil {
		e.manager.Discard(buildDir)
		return nil, err
	}

	e.logger.Info("run_header",
		"job_id", b.JobID, "job_ref", jobRef, "inputs_hash", inputsHash,
		"run_id", placement.RunID, "queue_job_id", params.QueueJobID,
		"doctrine", doctrineRef.Version+"/"+doctrineRef.SHA256)

	ctx, span := otelPkg.StartSpan(ctx, e.tracer, "execute_run",
		otelPkg.RunAttributes(b.JobID, placement.RunID, inputsHash)...)
	defer span.End()

	// Phase 4: idempotent replay short-circuits before the payload.
	if placement.Replay {
		e.manager.Discard(buildDir)
		existing, err := manifest.Read(placement.Dir)
		if err != nil {
			return nil, fmt.Errorf("replay manifest unreadable: %w", err)
		}
		existing.Status = manifest.StatusIdempotentReplay
		e.manager.EnsureLegacyAlias(b.JobID, placement.RunID)
		audit.Record("run_replayed", b.JobID, placement.RunID, inputsHash, "")
		e.finishRun(ctx, existing.Status, b.JobType, placement.Dir, started)
		return &RunResult{Manifest: existing, RunDir: placement.Dir, Replay: true}, nil
	}

	// Phase 5: payload.
	queueJobID := optional(params.QueueJobID)
	m := &manifest.Manifest{
		SchemaVersion:  manifest.SchemaVersion,
		JobID:          b.JobID,
		RunID:          placement.RunID,
		QueueJobID:     queueJobID,
		JobRef:         jobRef,
		JobType:        b.JobType,
		InputsHash:     inputsHash,
		InputSnapshots: snapshots,
		Doctrine:       &doctrineRef,
		Artifacts:      map[string]snapshot.Meta{},
		StartedAt:      started.UTC().Format(time.RFC3339),
	}
	if binding != nil {
		m.ChainMetadata = &manifest.ChainMetadata{
			IsChainableStage: true,
			PriorStages: []manifest.PriorStage{
				{Stage: binding.PriorStage, RunID: binding.PriorRunID, JobID: binding.PriorJobID},
			},
		}
	}

	prompt := RenderPrompt(string(doctrineContent), briefBlock(b), pack.Content)
	variants, usage, payloadErr := e.generate(ctx, b, prompt, inputsHash)
	m.UsageMeta = usage
	if payloadErr == nil {
		m.GenerationMeta = generationMetadata(b, variants)
		artifacts, err := renderOutputs(buildDir, b, placement.RunID, variants)
		if err != nil {
			payloadErr = err
		} else {
			m.Artifacts = artifacts
		}
	}

	if payloadErr != nil {
		// Payload failures still finalize, so inspection and verification
		// work against the snapshot set.
		m.Status = manifest.StatusFailed
		m.Error = payloadErr.Error()
	} else {
		m.Status = manifest.StatusSucceeded
	}
	m.FinishedAt = time.Now().UTC().Format(time.RFC3339)

	// Phase 6: manifest, finalize, alias, index.
	if err := m.WriteFile(buildDir); err != nil {
		e.manager.Discard(buildDir)
		return nil, err
	}
	if err := e.manager.Finalize(buildDir, placement.Dir); err != nil {
		// A concurrent writer won the rename. If it holds our inputs_hash,
		// adopt its run as an idempotent replay.
		if manifest.InputsHashOf(placement.Dir) == inputsHash {
			existing, readErr := manifest.Read(placement.Dir)
			if readErr == nil {
				existing.Status = manifest.StatusIdempotentReplay
				e.finishRun(ctx, existing.Status, b.JobType, placement.Dir, started)
				return &RunResult{Manifest: existing, RunDir: placement.Dir, Replay: true}, nil
			}
		}
		return nil, err
	}
	e.manager.EnsureLegacyAlias(b.JobID, placement.RunID)
	if e.idx != nil {
		if err := e.idx.Record(m, placement.Dir); err != nil {
			e.logger.Warn("index write failed", "run_id", placement.RunID, "error", err)
		}
	}
	if payloadErr != nil {
		audit.Record("run_failed", b.JobID, placement.RunID, inputsHash, payloadErr.Error())
	} else {
		audit.Record("run_executed", b.JobID, placement.RunID, inputsHash, "")
	}
	e.finishRun(ctx, m.Status, b.JobType, placement.Dir, started)

	if payloadErr != nil {
		return &RunResult{Manifest: m, RunDir: placement.Dir}, fmt.Errorf("payload failed: %w", payloadErr)
	}
	return &RunResult{Manifest: m, RunDir: placement.Dir}, nil
}

func (e *Engine) generate(ctx context.Context, b *brief.Brief, prompt, inputsHash string) ([]variantResult, *manifest.Usage, error) {
	numVariants := 1
	if b.GenerationMode == brief.ModeVariants {
		numVariants = b.CaptionVariants
	}
	var variants []variantResult
	var usage *manifest.Usage
	for i := 0; i < numVariants; i++ {
		var seed *int64
		var seedHex *string
		if b.GenerationMode == brief.ModeVariants {
			s, hex := variantSeed(inputsHash, i)
			seed, seedHex = &s, &hex
		}
		modelAttrs := metric.WithAttributes(
			otelPkg.AttrProvider.String(e.cfg.Model.Provider),
			otelPkg.AttrModel.String(e.cfg.Model.Model))
		genCtx, span := otelPkg.StartClientSpan(ctx, e.tracer, "llm.generate",
			otelPkg.AttrProvider.String(e.cfg.Model.Provider),
			otelPkg.AttrModel.String(e.cfg.Model.Model))
		callStarted := time.Now()
		raw, u, err := e.generator.Generate(genCtx, prompt, e.cfg.Model, seed)
		e.metrics.LLMCallDuration.Record(genCtx, time.Since(callStarted).Seconds(), modelAttrs)
		span.End()
		if err != nil {
			return nil, usage, err
		}
		if u != nil {
			if usage == nil {
				usage = &manifest.Usage{}
			}
			usage.PromptTokens += u.PromptTokens
			usage.CompletionTokens += u.CompletionTokens
			e.metrics.TokensUsed.Add(genCtx, int64(u.PromptTokens+u.CompletionTokens), modelAttrs)
		}
		variants = append(variants, variantResult{
			Index:    i,
			Seed:     seedHex,
			Captions: parseCaptions(raw, b.IG.CaptionCount),
		})
	}
	return variants, usage, nil
}

// variantSeed derives the deterministic per-variant seed from the run's
// inputs_hash. The full digest is recorded; the integer seed is its first
// 32 bits.
func variantSeed(inputsHash string, idx int) (int64, string) {
	digest := canonical.SHA256([]byte(inputsHash + ":variant:" + strconv.Itoa(idx)))
	hexPart := canonical.StripPrefix(digest)
	seed, _ := strconv.ParseInt(hexPart[:8], 16, 64)
	return seed, digest
}

func generationMetadata(b *brief.Brief, variants []variantResult) map[string]any {
	meta := map[string]any{
		"generation_mode": b.GenerationMode,
		"variant_count":   len(variants),
	}
	if b.GenerationMode == brief.ModeVariants {
		seeds := map[string]any{}
		for _, variant := range variants {
			if variant.Seed != nil {
				seeds[strconv.Itoa(variant.Index)] = *variant.Seed
			}
		}
		meta["seed_strategy"] = "sha256(inputs_hash + ':variant:' + idx)"
		meta["seeds"] = seeds
	}
	return meta
}

// doctrineFor picks the doctrine binding for a brief: explicit constraints
// win, otherwise the job_type names its prompt family.
func (e *Engine) doctrineFor(b *brief.Brief) (string, string) {
	id := "prompts/" + b.JobType
	version := "v1.0.0"
	if v, ok := b.Constraints["doctrine_id"].(string); ok && v != "" {
		id = v
	}
	if v, ok := b.Constraints["doctrine_version"].(string); ok && v != "" {
		version = v
	}
	return id, version
}

func briefBlock(b *brief.Brief) string {
	return fmt.Sprintf("Brand: %s\nArtist: %s\nTitle: %s\nTone: %s\n\nIG Settings:\nCaptions needed: %d\nHashtags needed: %d\nMax chars: %d\nInclude CTA: %t\nInclude Emojis: %t",
		b.Brand, orNA(b.Artist), orNA(b.Title), joinOrNone(b.ToneTags),
		b.IG.CaptionCount, b.IG.HashtagCount, b.IG.MaxCaptionChars, b.IG.IncludeCTA, b.IG.IncludeEmojis)
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func joinOrNone(tags []string) string {
	if len(tags) == 0 {
		return "none"
	}
	out := tags[0]
	for _, tag := range tags[1:] {
		out += ", " + tag
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// finishRun emits the footer log line and the run-scoped metrics. Both are
// observational: they happen after the outcome is decided and never feed
// back into it.
func (e *Engine) finishRun(ctx context.Context, status, jobType, dir string, started time.Time) {
	elapsed := time.Since(started).Seconds()
	attrs := metric.WithAttributes(
		otelPkg.AttrStatus.String(status),
		otelPkg.AttrJobType.String(jobType),
	)
	e.metrics.RunDuration.Record(ctx, elapsed, attrs)
	e.metrics.RunsTotal.Add(ctx, 1, attrs)
	e.logger.Info("run_footer", "status", status, "artifact_dir", dir,
		"elapsed_s", fmt.Sprintf("%.3f", elapsed))
}

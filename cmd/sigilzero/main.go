package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jasoncookdesign/sigilzero-ai/internal/audit"
	"github.com/jasoncookdesign/sigilzero-ai/internal/config"
	"github.com/jasoncookdesign/sigilzero-ai/internal/engine"
	"github.com/jasoncookdesign/sigilzero-ai/internal/index"
	"github.com/jasoncookdesign/sigilzero-ai/internal/migrate"
	otelPkg "github.com/jasoncookdesign/sigilzero-ai/internal/otel"
	"github.com/jasoncookdesign/sigilzero-ai/internal/shared"
	"github.com/jasoncookdesign/sigilzero-ai/internal/sweeper"
	"github.com/jasoncookdesign/sigilzero-ai/internal/telemetry"
	"github.com/jasoncookdesign/sigilzero-ai/internal/verify"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v1.2.0"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUBCOMMANDS:
  run <job_ref>               Execute the job brief at <job_ref> (repo-relative,
                              under jobs/). Idempotent: same inputs, same run.
  verify <run_dir>            Re-prove a run's integrity from disk bytes.
  replay <run_dir>            Quick probe: can this run be replayed?
  migrate [artifacts_root]    Migrate manifests to the target schema version.
                              Flags: -target <version>, -dry-run
  reindex [artifacts_root]    Rebuild the sqlite index from manifests.
  sweep                       Remove abandoned build directories now.
  version                     Print the engine version.

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  SIGILZERO_REPO_ROOT     Repository root (default: current directory)
  SIGILZERO_LOG_LEVEL     debug | info | warn | error
  LLM_PROVIDER            Provider recorded in model_config snapshots
  LLM_MODEL               Model recorded in model_config snapshots

EXAMPLES:
  Execute a job:          %s run jobs/demo/brief.yaml
  Verify an artifact:     %s verify artifacts/demo-001/<run_id>
  Dry-run migrations:     %s migrate -dry-run
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	os.Exit(realMain())
}

// realMain returns the process exit code so deferred cleanup (log close,
// audit close, telemetry flush) runs before the process exits.
func realMain() int {
	repoRoot := os.Getenv("SIGILZERO_REPO_ROOT")
	if repoRoot == "" {
		var err error
		repoRoot, err = os.Getwd()
		if err != nil {
			fatal("resolve working directory: %v", err)
		}
	}

	flag.Usage = printUsage
	jsonOut := flag.Bool("json", false, "machine-readable JSON output")
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		return 2
	}

	cfg, err := config.Load(repoRoot)
	if err != nil {
		fatal("load config: %v", err)
	}
	logger, closer, err := telemetry.NewLogger(cfg.DataDir, cfg.Logging.Level, *jsonOut || cfg.Logging.Quiet)
	if err != nil {
		fatal("init logger: %v", err)
	}
	defer closer.Close()

	if err := audit.Init(cfg.DataDir); err != nil {
		logger.Warn("audit trail unavailable", "error", err)
	}
	defer audit.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		logger.Warn("otel init failed; continuing without telemetry", "error", err)
		otelProvider, _ = otelPkg.Init(ctx, otelPkg.Config{Enabled: false})
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Telemetry export failure never fails a command.
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown failed", "error", err)
		}
	}()

	switch args[0] {
	case "run":
		if len(args) != 2 {
			fatal("usage: run <job_ref>")
		}
		return runCmd(ctx, cfg, logger, otelProvider, args[1], *jsonOut)
	case "verify":
		if len(args) != 2 {
			fatal("usage: verify <run_dir>")
		}
		report := verify.Run(args[1])
		if !report.Valid {
			otelProvider.Metrics.VerifyFailures.Add(ctx, 1)
		}
		emitVerifyReport(report, *jsonOut)
		if !report.Valid {
			return 1
		}
		return 0
	case "replay":
		if len(args) != 2 {
			fatal("usage: replay <run_dir>")
		}
		ok, diagnostics := verify.Replay(args[1])
		emitReplayReport(args[1], ok, diagnostics, *jsonOut)
		if !ok {
			return 1
		}
		return 0
	case "migrate":
		return migrateCmd(ctx, cfg, otelProvider.Metrics, args[1:], *jsonOut)
	case "reindex":
		reindexCmd(cfg, args[1:], *jsonOut)
		return 0
	case "sweep":
		sweepCmd(cfg, logger, otelProvider.Metrics)
		return 0
	case "version":
		fmt.Println(Version)
		return 0
	default:
		printUsage()
		return 2
	}
}

func runCmd(ctx context.Context, cfg *config.Config, logger *slog.Logger, otelProvider *otelPkg.Provider, jobRef string, jsonOut bool) int {
	opts := []engine.Option{
		engine.WithTracer(otelProvider.Tracer),
		engine.WithMetrics(otelProvider.Metrics),
	}
	store, err := index.Open(cfg.Index.Path)
	if err != nil {
		logger.Warn("index unavailable; continuing without it", "error", err)
	} else {
		defer store.Close()
		opts = append(opts, engine.WithIndex(store))
	}
	eng := engine.New(cfg, logger, opts...)

	if cfg.Sweeper.Enabled {
		sw, err := sweeper.New(sweeper.Config{
			Manager:  eng.Manager(),
			Logger:   logger,
			Metrics:  otelProvider.Metrics,
			Schedule: cfg.Sweeper.Schedule,
			MaxAge:   time.Duration(cfg.Sweeper.MaxAgeMins) * time.Minute,
		})
		if err != nil {
			logger.Warn("sweeper disabled", "error", err)
		} else {
			sw.Start(ctx)
			defer sw.Stop()
		}
	}

	queueJobID := shared.NewQueueJobID()
	ctx = shared.WithQueueJobID(ctx, queueJobID)
	result, err := eng.ExecuteRun(ctx, jobRef, engine.Params{QueueJobID: queueJobID})
	if err != nil && result == nil {
		fatal("run: %v", err)
	}
	emitRunResult(result, err, jsonOut)
	if err != nil {
		return 1
	}
	return 0
}

func migrateCmd(ctx context.Context, cfg *config.Config, metrics *otelPkg.Metrics, args []string, jsonOut bool) int {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	target := fs.String("target", "", "target schema version (default: latest)")
	dryRun := fs.Bool("dry-run", false, "report changes without writing")
	_ = fs.Parse(args)
	root := cfg.ArtifactsDir
	if fs.NArg() > 0 {
		root = fs.Arg(0)
	}
	started := time.Now()
	stats, err := migrate.NewEngine(nil).MigrateAll(root, *target, *dryRun)
	if err != nil {
		fatal("migrate: %v", err)
	}
	if !*dryRun {
		metrics.MigrationDuration.Record(ctx, time.Since(started).Seconds())
		metrics.MigrationsApplied.Add(ctx, int64(stats.Migrated))
	}
	if !*dryRun && stats.Migrated > 0 {
		audit.Record("migration_applied", "", "", "", fmt.Sprintf("migrated %d manifests under %s", stats.Migrated, root))
	}
	emitMigrateStats(stats, *dryRun, jsonOut)
	if stats.Failed > 0 {
		return 1
	}
	return 0
}

func reindexCmd(cfg *config.Config, args []string, jsonOut bool) {
	root := cfg.ArtifactsDir
	if len(args) > 0 {
		root = args[0]
	}
	store, err := index.Open(cfg.Index.Path)
	if err != nil {
		fatal("open index: %v", err)
	}
	defer store.Close()
	count, err := store.Reindex(root)
	if err != nil {
		fatal("reindex: %v", err)
	}
	if jsonOut {
		_ = json.NewEncoder(os.Stdout).Encode(map[string]int{"indexed": count})
		return
	}
	fmt.Printf("indexed %d runs\n", count)
}

func sweepCmd(cfg *config.Config, logger *slog.Logger, metrics *otelPkg.Metrics) {
	eng := engine.New(cfg, logger)
	sw, err := sweeper.New(sweeper.Config{
		Manager: eng.Manager(),
		Logger:  logger,
		Metrics: metrics,
		MaxAge:  time.Duration(cfg.Sweeper.MaxAgeMins) * time.Minute,
	})
	if err != nil {
		fatal("sweep: %v", err)
	}
	removed := sw.SweepOnce()
	fmt.Printf("removed %d abandoned build dirs\n", removed)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

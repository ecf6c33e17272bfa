// Package sweeper periodically removes abandoned build directories left
// under artifacts/<job_id>/.tmp/ by canceled or crashed runs. Finalized
// runs never leave anything here, so sweeping cannot touch a canonical
// artifact.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/jasoncookdesign/sigilzero-ai/internal/otel"
	"github.com/jasoncookdesign/sigilzero-ai/internal/rundir"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the sweeper.
type Config struct {
	Manager  *rundir.Manager
	Logger   *slog.Logger
	Metrics  *otel.Metrics // optional; removals are counted when present
	Schedule string        // cron expression; defaults to every 30 minutes
	MaxAge   time.Duration // build dirs older than this are removed
}

// Sweeper runs the sweep on a cron schedule in a background goroutine.
type Sweeper struct {
	manager  *rundir.Manager
	logger   *slog.Logger
	metrics  *otel.Metrics
	schedule cronlib.Schedule
	maxAge   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Sweeper from the config.
func New(cfg Config) (*Sweeper, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "*/30 * * * *"
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 2 * time.Hour
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = otel.NoopMetrics()
	}
	return &Sweeper{
		manager:  cfg.Manager,
		logger:   logger,
		metrics:  metrics,
		schedule: schedule,
		maxAge:   maxAge,
	}, nil
}

// Start begins the sweep loop. It respects the context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			next := s.schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				s.SweepOnce()
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// SweepOnce removes stale build directories immediately and reports how
// many were removed.
func (s *Sweeper) SweepOnce() int {
	removed, err := s.manager.SweepTmp(int64(s.maxAge.Seconds()), time.Now().Unix())
	if err != nil {
		s.logger.Warn("tmp sweep failed", "error", err)
		return 0
	}
	if removed > 0 {
		s.metrics.SweptBuildDirs.Add(context.Background(), int64(removed))
		s.logger.Info("swept abandoned build dirs", "removed", removed)
	}
	return removed
}

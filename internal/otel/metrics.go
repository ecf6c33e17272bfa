package otel

import (
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the engine's metric instruments. Everything here is
// downstream of the manifest: metrics describe runs, they never shape them.
type Metrics struct {
	RunDuration       metric.Float64Histogram
	RunsTotal         metric.Int64Counter
	LLMCallDuration   metric.Float64Histogram
	TokensUsed        metric.Int64Counter
	VerifyFailures    metric.Int64Counter
	MigrationDuration metric.Float64Histogram
	MigrationsApplied metric.Int64Counter
	SweptBuildDirs    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RunDuration, err = meter.Float64Histogram("sigilzero.run.duration",
		metric.WithDescription("End-to-end run duration in seconds, resolve through finalize"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsTotal, err = meter.Int64Counter("sigilzero.runs",
		metric.WithDescription("Runs completed, by status (succeeded, failed, idempotent_replay)"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("sigilzero.llm.duration",
		metric.WithDescription("LLM adapter call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("sigilzero.llm.tokens",
		metric.WithDescription("Total tokens reported by the LLM adapter"),
	)
	if err != nil {
		return nil, err
	}

	m.VerifyFailures, err = meter.Int64Counter("sigilzero.verify.failures",
		metric.WithDescription("Verification reports returned with valid=false"),
	)
	if err != nil {
		return nil, err
	}

	m.MigrationDuration, err = meter.Float64Histogram("sigilzero.migration.duration",
		metric.WithDescription("Tree-wide manifest migration pass duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.MigrationsApplied, err = meter.Int64Counter("sigilzero.migrations.applied",
		metric.WithDescription("Manifests rewritten by the migration engine"),
	)
	if err != nil {
		return nil, err
	}

	m.SweptBuildDirs, err = meter.Int64Counter("sigilzero.sweeper.removed",
		metric.WithDescription("Abandoned build directories removed from .tmp"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments backed by the no-op meter. Callers that
// run without a provider record into these at zero cost.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noopmetric.NewMeterProvider().Meter(MeterName))
	return m
}

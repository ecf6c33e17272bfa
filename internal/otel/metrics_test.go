package otel

import (
	"context"
	"testing"
)

func TestNewMetricsAllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m := p.Metrics
	if m == nil {
		t.Fatal("provider has no metrics")
	}
	if m.RunDuration == nil {
		t.Error("RunDuration is nil")
	}
	if m.RunsTotal == nil {
		t.Error("RunsTotal is nil")
	}
	if m.LLMCallDuration == nil {
		t.Error("LLMCallDuration is nil")
	}
	if m.TokensUsed == nil {
		t.Error("TokensUsed is nil")
	}
	if m.VerifyFailures == nil {
		t.Error("VerifyFailures is nil")
	}
	if m.MigrationDuration == nil {
		t.Error("MigrationDuration is nil")
	}
	if m.MigrationsApplied == nil {
		t.Error("MigrationsApplied is nil")
	}
	if m.SweptBuildDirs == nil {
		t.Error("SweptBuildDirs is nil")
	}
}

func TestNoopMetricsRecordWithoutProvider(t *testing.T) {
	m := NoopMetrics()
	if m == nil || m.RunDuration == nil {
		t.Fatal("noop metrics not constructed")
	}
	// Recording into no-op instruments must be safe.
	ctx := context.Background()
	m.RunDuration.Record(ctx, 0.25)
	m.RunsTotal.Add(ctx, 1)
	m.TokensUsed.Add(ctx, 128)
}

func TestDisabledProviderCarriesNoopMetrics(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if p.Metrics == nil {
		t.Fatal("disabled provider missing metrics")
	}
	p.Metrics.VerifyFailures.Add(context.Background(), 1)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/jasoncookdesign/sigilzero-ai/internal/engine"
	"github.com/jasoncookdesign/sigilzero-ai/internal/migrate"
	"github.com/jasoncookdesign/sigilzero-ai/internal/verify"
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headStyle = lipgloss.NewStyle().Bold(true)
)

func colorized() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func mark(ok bool) string {
	if !colorized() {
		if ok {
			return "PASS"
		}
		return "FAIL"
	}
	if ok {
		return okStyle.Render("✓")
	}
	return failStyle.Render("✗")
}

func emitVerifyReport(report verify.Report, jsonOut bool) {
	if jsonOut {
		_ = json.NewEncoder(os.Stdout).Encode(report)
		return
	}
	fmt.Println(headStyle.Render("verify " + report.RunDir))
	for _, name := range verify.CheckNames() {
		check := report.Checks[name]
		fmt.Printf("  %s %s\n", mark(check.Valid), name)
		for _, msg := range check.Errors {
			fmt.Printf("      %s\n", dimStyle.Render(msg))
		}
	}
	if report.Valid {
		fmt.Println(mark(true) + " run verifies from disk bytes alone")
	} else {
		fmt.Println(mark(false) + " verification failed")
	}
}

func emitReplayReport(runDir string, ok bool, diagnostics []string, jsonOut bool) {
	if jsonOut {
		_ = json.NewEncoder(os.Stdout).Encode(map[string]any{
			"run_dir":     runDir,
			"can_replay":  ok,
			"diagnostics": diagnostics,
		})
		return
	}
	fmt.Printf("%s replay probe %s\n", mark(ok), runDir)
	for _, msg := range diagnostics {
		fmt.Printf("  %s\n", dimStyle.Render(msg))
	}
}

func emitMigrateStats(stats migrate.Stats, dryRun bool, jsonOut bool) {
	if jsonOut {
		_ = json.NewEncoder(os.Stdout).Encode(stats)
		return
	}
	label := "migrate"
	if dryRun {
		label = "migrate (dry run)"
	}
	fmt.Println(headStyle.Render(label))
	fmt.Printf("  total:           %d\n", stats.Total)
	fmt.Printf("  migrated:        %d\n", stats.Migrated)
	fmt.Printf("  already current: %d\n", stats.AlreadyCurrent)
	if stats.Failed > 0 {
		fmt.Printf("  %s failed:       %d\n", mark(false), stats.Failed)
		for _, msg := range stats.Errors {
			fmt.Printf("    %s\n", dimStyle.Render(msg))
		}
	}
}

func emitRunResult(result *engine.RunResult, runErr error, jsonOut bool) {
	if result == nil {
		return
	}
	m := result.Manifest
	if jsonOut {
		_ = json.NewEncoder(os.Stdout).Encode(map[string]any{
			"job_id":      m.JobID,
			"run_id":      m.RunID,
			"inputs_hash": m.InputsHash,
			"status":      m.Status,
			"run_dir":     result.RunDir,
			"replay":      result.Replay,
		})
		return
	}
	ok := runErr == nil
	fmt.Printf("%s %s  job_id=%s run_id=%s\n", mark(ok), m.Status, m.JobID, m.RunID)
	fmt.Printf("  %s\n", dimStyle.Render(result.RunDir))
}

// Package audit keeps an append-only JSONL trail of engine events: runs
// executed, replays served, migrations applied. The trail is observational
// only: it never participates in any hash and losing it loses nothing the
// filesystem cannot re-prove.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jasoncookdesign/sigilzero-ai/internal/shared"
)

type entry struct {
	Timestamp  string `json:"timestamp"`
	Event      string `json:"event"`
	JobID      string `json:"job_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	InputsHash string `json:"inputs_hash,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

var (
	mu       sync.Mutex
	file     *os.File
	runCount atomic.Int64
)

// Init opens (or creates) <dataDir>/logs/audit.jsonl for appending.
func Init(dataDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// RunCount returns the number of run events recorded since startup.
func RunCount() int64 {
	return runCount.Load()
}

// Record appends one event. Safe to call before Init; the event is dropped.
func Record(event, jobID, runID, inputsHash, detail string) {
	if event == "run_executed" || event == "run_replayed" {
		runCount.Add(1)
	}

	// Redact secrets before persistence.
	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Event:      event,
		JobID:      jobID,
		RunID:      runID,
		InputsHash: inputsHash,
		Detail:     detail,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}

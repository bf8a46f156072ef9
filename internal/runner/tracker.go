package runner

import (
	"sync"
	"time"

	"github.com/flowstate-dev/flowstate/internal/core"
)

// ActiveRun is one in-flight run hosted by this process.
type ActiveRun struct {
	RunID     string      `json:"run_id"`
	TaskID    string      `json:"task_id"`
	Action    core.Action `json:"action"`
	StartedAt time.Time   `json:"started_at"`
}

// Tracker is the in-memory registry of active runs, read by the health
// endpoint and the drain logic.
type Tracker struct {
	mu   sync.Mutex
	runs map[string]ActiveRun
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{runs: make(map[string]ActiveRun)}
}

// Insert registers a run.
func (t *Tracker) Insert(run ActiveRun) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[run.RunID] = run
}

// Remove unregisters a run.
func (t *Tracker) Remove(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.runs, runID)
}

// ActiveCount returns the number of in-flight runs.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.runs)
}

// ActiveBuildCount returns the number of in-flight build runs.
func (t *Tracker) ActiveBuildCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	count := 0
	for _, run := range t.runs {
		if run.Action == core.ActionBuild {
			count++
		}
	}
	return count
}

// Snapshot returns a copy of all active runs.
func (t *Tracker) Snapshot() []ActiveRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ActiveRun, 0, len(t.runs))
	for _, run := range t.runs {
		out = append(out, run)
	}
	return out
}

package server

import (
	"sync"
	"time"
)

// RunnerStatus is the lifecycle a runner reports with each poll.
type RunnerStatus string

const (
	RunnerActive   RunnerStatus = "active"
	RunnerDraining RunnerStatus = "draining"
	RunnerDrained  RunnerStatus = "drained"
)

// PendingConfig is a one-shot configuration push for a runner, delivered on
// its next claim. The database-free registry is the drain rendezvous.
type PendingConfig struct {
	PollInterval *int  `json:"poll_interval,omitempty"`
	Drain        *bool `json:"drain,omitempty"`
}

// RunnerInfo is everything the server knows about one runner. Runners
// re-register implicitly with every claim, so the registry need not
// survive a restart.
type RunnerInfo struct {
	RunnerID      string         `json:"runner_id"`
	LastSeen      time.Time      `json:"last_seen"`
	Backend       string         `json:"backend,omitempty"`
	Capabilities  []string       `json:"capabilities,omitempty"`
	PollInterval  int            `json:"poll_interval,omitempty"`
	MaxConcurrent int            `json:"max_concurrent,omitempty"`
	MaxBuilds     int            `json:"max_builds,omitempty"`
	ActiveCount   int            `json:"active_count"`
	ActiveBuilds  int            `json:"active_builds"`
	Status        RunnerStatus   `json:"status"`
	PendingConfig *PendingConfig `json:"-"`
}

// Registry is the in-process set of known runners. Holders of the lock
// never block on I/O.
type Registry struct {
	mu      sync.Mutex
	runners map[string]*RunnerInfo
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]*RunnerInfo)}
}

// Observe merges a runner's self-report and returns any pending config,
// clearing it (one-shot delivery).
func (r *Registry) Observe(info RunnerInfo) *PendingConfig {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.runners[info.RunnerID]
	if !ok {
		existing = &RunnerInfo{RunnerID: info.RunnerID}
		r.runners[info.RunnerID] = existing
	}

	existing.LastSeen = time.Now().UTC()
	if info.Backend != "" {
		existing.Backend = info.Backend
	}
	if info.Capabilities != nil {
		existing.Capabilities = info.Capabilities
	}
	if info.PollInterval > 0 {
		existing.PollInterval = info.PollInterval
	}
	if info.MaxConcurrent > 0 {
		existing.MaxConcurrent = info.MaxConcurrent
	}
	if info.MaxBuilds > 0 {
		existing.MaxBuilds = info.MaxBuilds
	}
	existing.ActiveCount = info.ActiveCount
	existing.ActiveBuilds = info.ActiveBuilds
	if info.Status != "" {
		existing.Status = info.Status
	}

	pending := existing.PendingConfig
	existing.PendingConfig = nil
	return pending
}

// SetPendingConfig queues a config push for one runner. Returns false when
// the runner is unknown.
func (r *Registry) SetPendingConfig(runnerID string, cfg PendingConfig) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.runners[runnerID]
	if !ok {
		return false
	}
	info.PendingConfig = &cfg
	return true
}

// DrainAll queues a drain push for every known runner.
func (r *Registry) DrainAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	drain := true
	for _, info := range r.runners {
		info.PendingConfig = &PendingConfig{Drain: &drain}
	}
}

// Status returns a runner's reported status.
func (r *Registry) Status(runnerID string) (RunnerStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.runners[runnerID]
	if !ok {
		return "", false
	}
	return info.Status, true
}

// List returns a snapshot of all runners.
func (r *Registry) List() []RunnerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RunnerInfo, 0, len(r.runners))
	for _, info := range r.runners {
		snapshot := *info
		snapshot.PendingConfig = nil
		out = append(out, snapshot)
	}
	return out
}

// AnyRunner returns an arbitrary runner ID, preferring the most recently
// seen. Used by the pod manager to address the elastic runner.
func (r *Registry) AnyRunner() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		best     string
		bestSeen time.Time
	)
	for id, info := range r.runners {
		if info.LastSeen.After(bestSeen) {
			best, bestSeen = id, info.LastSeen
		}
	}
	return best, best != ""
}

// HasPendingConfig reports whether a runner has an undelivered config push.
func (r *Registry) HasPendingConfig(runnerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.runners[runnerID]
	return ok && info.PendingConfig != nil
}

// CountActive returns how many runners were seen within the window.
func (r *Registry) CountActive(window time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().UTC().Add(-window)
	count := 0
	for _, info := range r.runners {
		if info.LastSeen.After(cutoff) {
			count++
		}
	}
	return count
}

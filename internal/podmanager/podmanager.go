// Package podmanager runs the elastic-compute control loop: it watches
// queue depth, starts or creates a pod when work piles up, drains the
// runner and stops the pod when idle, and hard-caps daily spend.
package podmanager

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/flowstate-dev/flowstate/internal/metrics"
)

// PodStatus is the pod lifecycle from the manager's perspective.
type PodStatus string

const (
	PodUnknown  PodStatus = "unknown"
	PodStopped  PodStatus = "stopped"
	PodStarting PodStatus = "starting"
	PodRunning  PodStatus = "running"
	PodDraining PodStatus = "draining"
	PodDrained  PodStatus = "drained"
)

// mapProviderStatus converts the cloud API's status string.
func mapProviderStatus(s string) PodStatus {
	switch s {
	case "RUNNING":
		return PodRunning
	case "EXITED", "STOPPED", "TERMINATED":
		return PodStopped
	case "CREATED", "STARTING":
		return PodStarting
	default:
		return PodUnknown
	}
}

// Config parameterizes the control loop. Read from the environment;
// the manager is disabled entirely when FLOWSTATE_POD_API_KEY is unset.
type Config struct {
	APIKey             string
	APIBase            string
	PodID              string
	Image              string
	TickInterval       time.Duration
	IdleTimeout        time.Duration
	DrainTimeout       time.Duration
	QueueThreshold     int64
	SpindownThreshold  int64
	MaxDailySpendCents int64
	// Env passed to a freshly created pod so its runner can find the server.
	PodEnv map[string]string
}

// FromEnv builds a Config. Returns nil when the pod API key is absent.
func FromEnv() *Config {
	apiKey := os.Getenv("FLOWSTATE_POD_API_KEY")
	if apiKey == "" {
		return nil
	}

	cfg := &Config{
		APIKey:             apiKey,
		APIBase:            envOr("FLOWSTATE_POD_API_BASE", "https://rest.runpod.io/v1"),
		PodID:              os.Getenv("FLOWSTATE_POD_ID"),
		Image:              envOr("FLOWSTATE_POD_IMAGE", "ghcr.io/flowstate-dev/flowstate-runner:latest"),
		TickInterval:       envDuration("FLOWSTATE_POD_TICK_INTERVAL", 30*time.Second),
		IdleTimeout:        envDuration("FLOWSTATE_POD_IDLE_TIMEOUT", 5*time.Minute),
		DrainTimeout:       envDuration("FLOWSTATE_POD_DRAIN_TIMEOUT", 10*time.Minute),
		QueueThreshold:     envInt64("FLOWSTATE_POD_QUEUE_THRESHOLD", 1),
		SpindownThreshold:  envInt64("FLOWSTATE_POD_SPINDOWN_THRESHOLD", 0),
		MaxDailySpendCents: envInt64("FLOWSTATE_POD_MAX_DAILY_SPEND", 5000),
		PodEnv:             map[string]string{},
	}

	for env, podVar := range map[string]string{
		"FLOWSTATE_POD_SERVER_URL": "FLOWSTATE_SERVER_URL",
		"FLOWSTATE_POD_RUNNER_KEY": "FLOWSTATE_API_KEY",
		"FLOWSTATE_POD_CAPABILITY": "FLOWSTATE_RUNNER_CAPABILITY",
		"FLOWSTATE_POD_BACKEND":    "FLOWSTATE_AGENT_COMMAND",
	} {
		if v := os.Getenv(env); v != "" {
			cfg.PodEnv[podVar] = v
		}
	}

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

// State is the manager's persistent per-process state. Guarded by the
// mutex passed to the Manager; the infra handlers share it.
type State struct {
	PodID            string    `json:"pod_id,omitempty"`
	PodStatus        PodStatus `json:"pod_status"`
	LastWorkSeen     time.Time `json:"-"`
	DailyCostCents   int64     `json:"daily_cost_cents"`
	DayStart         time.Time `json:"-"`
	CostCapped       bool      `json:"cost_capped"`
	DrainRequestedAt time.Time `json:"-"`
}

// NewState initializes state for an optional pre-existing pod.
func NewState(podID string) *State {
	return &State{
		PodID:     podID,
		PodStatus: PodUnknown,
		DayStart:  time.Now(),
	}
}

// QueueCounter reports queue depth. Satisfied by the storage layer.
type QueueCounter interface {
	CountQueuedRuns() (int64, error)
}

// RunnerCoordinator is how the manager reaches runners: queue a drain and
// observe drained status. Satisfied by the server's registry.
type RunnerCoordinator interface {
	DrainAll()
	AnyRunner() (string, bool)
	Status(runnerID string) (string, bool)
}

// Manager drives the control loop.
type Manager struct {
	cfg   *Config
	api   PodAPI
	queue QueueCounter
	coord RunnerCoordinator
	state *State
	mu    *sync.Mutex
	now   func() time.Time
}

// NewManager creates a Manager. state and mu are shared with whoever serves
// the infra endpoints.
func NewManager(cfg *Config, api PodAPI, queue QueueCounter, coord RunnerCoordinator, state *State, mu *sync.Mutex) *Manager {
	return &Manager{
		cfg:   cfg,
		api:   api,
		queue: queue,
		coord: coord,
		state: state,
		mu:    mu,
		now:   time.Now,
	}
}

// Tick executes one pass of the decision loop.
func (m *Manager) Tick() error {
	queueDepth, err := m.queue.CountQueuedRuns()
	if err != nil {
		return fmt.Errorf("count queued runs: %w", err)
	}
	metrics.QueueDepth.Set(float64(queueDepth))

	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state

	// Daily cost window rolls over every 24h from the sampled start.
	if m.now().Sub(st.DayStart) > 24*time.Hour {
		st.DailyCostCents = 0
		st.DayStart = m.now()
		st.CostCapped = false
		log.Printf("[podmanager] daily cost reset")
	}

	// Reconcile with the provider, but never override our own
	// draining/drained view: the provider does not know about drains.
	if st.PodID != "" {
		if info, err := m.api.GetPod(st.PodID); err != nil {
			log.Printf("[podmanager] get pod status: %v", err)
		} else {
			if st.PodStatus != PodDraining && st.PodStatus != PodDrained {
				st.PodStatus = mapProviderStatus(info.Status)
			}
			if info.CostPerHour > 0 {
				tick := m.cfg.TickInterval.Seconds()
				st.DailyCostCents += int64(info.CostPerHour * 100 * tick / 3600)
			}
		}
	}
	metrics.PodDailyCostCents.Set(float64(st.DailyCostCents))

	// Cost cap: drain immediately, once.
	if st.DailyCostCents > m.cfg.MaxDailySpendCents && !st.CostCapped {
		log.Printf("[podmanager] daily cost cap hit (%d > %d cents), draining",
			st.DailyCostCents, m.cfg.MaxDailySpendCents)
		st.CostCapped = true
		m.coord.DrainAll()
		st.PodStatus = PodDraining
		st.DrainRequestedAt = m.now()
		return nil
	}

	switch st.PodStatus {
	case PodStopped, PodUnknown:
		if queueDepth >= m.cfg.QueueThreshold && !st.CostCapped {
			m.spinUp(st, queueDepth)
		}

	case PodStarting:
		// Wait for the provider to report running.

	case PodRunning:
		if queueDepth > 0 {
			st.LastWorkSeen = m.now()
		}
		idle := m.cfg.IdleTimeout + time.Second
		if !st.LastWorkSeen.IsZero() {
			idle = m.now().Sub(st.LastWorkSeen)
		}
		if queueDepth <= m.cfg.SpindownThreshold && idle > m.cfg.IdleTimeout {
			log.Printf("[podmanager] idle for %s, draining", idle.Round(time.Second))
			m.coord.DrainAll()
			st.PodStatus = PodDraining
			st.DrainRequestedAt = m.now()
		}

	case PodDraining:
		if m.runnerDrained() {
			log.Printf("[podmanager] runner drained, stopping pod")
			m.stopPod(st)
			st.PodStatus = PodStopped
			st.DrainRequestedAt = time.Time{}
		} else if !st.DrainRequestedAt.IsZero() && m.now().Sub(st.DrainRequestedAt) > m.cfg.DrainTimeout {
			log.Printf("[podmanager] drain timeout, force stopping pod")
			m.stopPod(st)
			st.PodStatus = PodStopped
			st.DrainRequestedAt = time.Time{}
		}

	case PodDrained:
		m.stopPod(st)
		st.PodStatus = PodStopped
	}

	return nil
}

func (m *Manager) spinUp(st *State, queueDepth int64) {
	log.Printf("[podmanager] queue depth %d >= %d, spinning up", queueDepth, m.cfg.QueueThreshold)
	if st.PodID != "" {
		if err := m.api.StartPod(st.PodID); err != nil {
			log.Printf("[podmanager] start pod: %v", err)
			return
		}
		st.PodStatus = PodStarting
		return
	}

	newID, err := m.api.CreatePod(&PodCreateRequest{
		Name:  "flowstate-runner",
		Image: m.cfg.Image,
		Env:   m.cfg.PodEnv,
	})
	if err != nil {
		log.Printf("[podmanager] create pod: %v", err)
		return
	}
	log.Printf("[podmanager] created pod %s", newID)
	st.PodID = newID
	st.PodStatus = PodStarting
}

func (m *Manager) stopPod(st *State) {
	if st.PodID == "" {
		return
	}
	if err := m.api.StopPod(st.PodID); err != nil {
		log.Printf("[podmanager] stop pod: %v", err)
	}
}

func (m *Manager) runnerDrained() bool {
	id, ok := m.coord.AnyRunner()
	if !ok {
		return false
	}
	status, ok := m.coord.Status(id)
	return ok && status == "drained"
}

// Run ticks the loop until stop is closed.
func (m *Manager) Run(stop <-chan struct{}) {
	log.Printf("[podmanager] started (tick=%s, queue_threshold=%d, idle_timeout=%s, cap=%d cents)",
		m.cfg.TickInterval, m.cfg.QueueThreshold, m.cfg.IdleTimeout, m.cfg.MaxDailySpendCents)

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			log.Printf("[podmanager] stopped")
			return
		case <-ticker.C:
			if err := m.Tick(); err != nil {
				log.Printf("[podmanager] tick: %v", err)
			}
		}
	}
}

// Package metrics provides Prometheus metrics for the flowstate server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flowstate"

var (
	// QueueDepth is the number of queued runs, sampled on each pod-manager
	// tick.
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Number of runs in queued status",
	})

	// RunsClaimed counts successful claims.
	RunsClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_claimed_total",
		Help:      "Total runs claimed by runners",
	})

	// RunsTerminal counts runs reaching a terminal status, by status.
	RunsTerminal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_terminal_total",
		Help:      "Total runs reaching a terminal status",
	}, []string{"status"})

	// WatchdogTimeouts counts runs the watchdog forced to timed_out.
	WatchdogTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "watchdog_timeouts_total",
		Help:      "Total stuck runs transitioned to timed_out by the watchdog",
	})

	// PodDailyCostCents mirrors the pod manager's daily spend accumulator.
	PodDailyCostCents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pod_daily_cost_cents",
		Help:      "Accumulated pod cost for the current 24h window, in cents",
	})

	// ActiveRunners is the number of runners seen within the liveness window.
	ActiveRunners = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_runners",
		Help:      "Number of recently seen runners",
	})
)

// Register adds all collectors to the default registry. Call once at
// server startup.
func Register() {
	prometheus.MustRegister(
		QueueDepth,
		RunsClaimed,
		RunsTerminal,
		WatchdogTimeouts,
		PodDailyCostCents,
		ActiveRunners,
	)
}

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

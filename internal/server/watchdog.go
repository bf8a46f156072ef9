package server

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowstate-dev/flowstate/internal/config"
	"github.com/flowstate-dev/flowstate/internal/core"
	"github.com/flowstate-dev/flowstate/internal/metrics"
	"github.com/flowstate-dev/flowstate/internal/storage"
)

// Watchdog sweeps for runs whose runner crashed or stalled without
// reporting a terminal status and forces them to timed_out. The guarded
// transition makes it safe against a runner racing in its own report.
type Watchdog struct {
	db  *storage.DB
	cfg config.WatchdogConfig
}

// NewWatchdog creates a Watchdog.
func NewWatchdog(db *storage.DB, cfg config.WatchdogConfig) *Watchdog {
	return &Watchdog{db: db, cfg: cfg}
}

// Start schedules the sweep on a cron runner and returns it; callers stop
// it on shutdown.
func (wd *Watchdog) Start() (*cron.Cron, error) {
	c := cron.New()
	spec := fmt.Sprintf("@every %s", wd.cfg.Interval)
	if _, err := c.AddFunc(spec, func() {
		if err := wd.Sweep(); err != nil {
			log.Printf("[watchdog] sweep: %v", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule watchdog: %w", err)
	}
	c.Start()
	log.Printf("[watchdog] started (interval=%s, running_threshold=%s, salvage_threshold=%s)",
		wd.cfg.Interval, wd.cfg.RunningThreshold, wd.cfg.SalvageThreshold)
	return c, nil
}

// Sweep runs one pass: stale running runs, then stale salvaging runs.
func (wd *Watchdog) Sweep() error {
	now := time.Now().UTC()

	if err := wd.sweepStatus(core.RunRunning, now.Add(-wd.cfg.RunningThreshold),
		fmt.Sprintf("watchdog: no terminal status after %s", wd.cfg.RunningThreshold)); err != nil {
		return err
	}
	return wd.sweepStatus(core.RunSalvaging, now.Add(-wd.cfg.SalvageThreshold),
		fmt.Sprintf("watchdog: salvage did not finish within %s", wd.cfg.SalvageThreshold))
}

func (wd *Watchdog) sweepStatus(status core.RunStatus, olderThan time.Time, message string) error {
	stale, err := wd.db.FindStaleRuns([]core.RunStatus{status}, olderThan)
	if err != nil {
		return fmt.Errorf("find stale %s runs: %w", status, err)
	}

	for _, run := range stale {
		timedOut, err := wd.db.TimeoutRun(run.ID, message)
		if err != nil {
			log.Printf("[watchdog] timeout run %s: %v", run.ID, err)
			continue
		}
		if timedOut == nil {
			// The runner reported a terminal status between the scan and
			// the guarded write. Nothing to do.
			continue
		}
		log.Printf("[watchdog] run %s (%s) forced to timed_out after exceeding %s budget",
			run.ID, run.Action, status)
		metrics.WatchdogTimeouts.Inc()
		metrics.RunsTerminal.WithLabelValues(string(core.RunTimedOut)).Inc()
	}
	return nil
}

// Package runner hosts N concurrent runs claimed from the server:
// a poll loop with weighted capacity semaphores, per-run heartbeats,
// timeout enforcement with salvage for builds, and drain coordination.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/flowstate-dev/flowstate/internal/agent"
	"github.com/flowstate-dev/flowstate/internal/config"
	"github.com/flowstate-dev/flowstate/internal/core"
	"github.com/flowstate-dev/flowstate/internal/server"
	"github.com/flowstate-dev/flowstate/internal/workspace"
)

const heartbeatInterval = 30 * time.Second

// Supervisor runs the poll/claim/execute loop.
type Supervisor struct {
	client   *Client
	cfg      *config.RunnerConfig
	executor *Executor
	tracker  *Tracker

	totalSem *semaphore.Weighted
	buildSem *semaphore.Weighted

	draining atomic.Bool
	wg       sync.WaitGroup
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(client *Client, cfg *config.RunnerConfig, backend agent.Agent) *Supervisor {
	return &Supervisor{
		client:   client,
		cfg:      cfg,
		executor: NewExecutor(client, cfg, backend),
		tracker:  NewTracker(),
		totalSem: semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		buildSem: semaphore.NewWeighted(int64(cfg.MaxBuilds)),
	}
}

// Tracker exposes the active-run registry for the health endpoint.
func (s *Supervisor) Tracker() *Tracker { return s.tracker }

// Draining reports whether a drain was requested.
func (s *Supervisor) Draining() bool { return s.draining.Load() }

// Run executes the poll loop until ctx is cancelled, then drains active
// runs within the shutdown budget.
func (s *Supervisor) Run(ctx context.Context) error {
	log.Printf("[runner] entering poll loop (interval=%s, max_concurrent=%d, max_builds=%d)",
		s.cfg.PollInterval, s.cfg.MaxConcurrent, s.cfg.MaxBuilds)

	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		default:
		}

		s.claimLoop(ctx)

		select {
		case <-ctx.Done():
			return s.shutdown()
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// claimLoop claims work while capacity remains. One claim per available
// slot; a miss or an error ends the pass.
func (s *Supervisor) claimLoop(ctx context.Context) {
	for {
		if s.draining.Load() {
			// Keep polling with status so the server sees drain progress,
			// but take no new work.
			s.reportDrainStatus(ctx)
			return
		}

		if !s.totalSem.TryAcquire(1) {
			return
		}

		result, err := s.client.Claim(ctx, s.telemetry())
		if err != nil {
			s.totalSem.Release(1)
			if ctx.Err() == nil {
				log.Printf("[runner] claim failed: %v", err)
			}
			return
		}

		if result.PendingConfig != nil {
			s.applyPendingConfig(result.PendingConfig)
		}

		if result.Run == nil {
			s.totalSem.Release(1)
			return
		}
		run := result.Run

		isBuild := run.Action == core.ActionBuild
		if isBuild && !s.buildSem.TryAcquire(1) {
			// Claimed a build with no build capacity left: put it back.
			log.Printf("[runner] build %s claimed but no build capacity, re-queuing", run.ID)
			if err := s.client.UpdateRunStatus(ctx, run.ID, core.RunQueued, nil, nil); err != nil {
				log.Printf("[runner] re-queue %s: %v", run.ID, err)
			}
			s.totalSem.Release(1)
			return
		}

		task, err := s.client.GetTask(ctx, run.TaskID)
		if err != nil {
			s.failClaim(ctx, run, isBuild, fmt.Sprintf("fetch task: %v", err))
			continue
		}
		project, err := s.client.GetProject(ctx, task.ProjectID)
		if err != nil {
			s.failClaim(ctx, run, isBuild, fmt.Sprintf("fetch project: %v", err))
			continue
		}

		log.Printf("[runner] claimed run %s (%s) for task %s", run.ID, run.Action, run.TaskID)
		s.wg.Add(1)
		// Detach from the shutdown signal: in-flight runs get the shutdown
		// budget to finish instead of dying with the poll loop.
		go s.executeRun(context.WithoutCancel(ctx), run, task, project, isBuild)
	}
}

func (s *Supervisor) failClaim(ctx context.Context, run *core.Run, isBuild bool, msg string) {
	log.Printf("[runner] run %s: %s", run.ID, msg)
	if err := s.client.UpdateRunStatus(ctx, run.ID, core.RunFailed, &msg, nil); err != nil {
		log.Printf("[runner] report claim failure: %v", err)
	}
	if isBuild {
		s.buildSem.Release(1)
	}
	s.totalSem.Release(1)
}

// executeRun hosts one run: heartbeat, budgeted dispatch, timeout and
// salvage handling, panic capture. Runs in its own goroutine holding one
// total permit and, for builds, one build permit.
func (s *Supervisor) executeRun(ctx context.Context, run *core.Run, task *core.Task, project *core.Project, isBuild bool) {
	defer s.wg.Done()
	defer s.totalSem.Release(1)
	if isBuild {
		defer s.buildSem.Release(1)
	}

	s.tracker.Insert(ActiveRun{
		RunID:     run.ID,
		TaskID:    run.TaskID,
		Action:    run.Action,
		StartedAt: time.Now().UTC(),
	})
	defer s.tracker.Remove(run.ID)

	// Heartbeat: the write itself is the liveness signal.
	heartbeatCtx, stopHeartbeat := context.WithCancel(context.WithoutCancel(ctx))
	go s.heartbeat(heartbeatCtx, run.ID)
	defer stopHeartbeat()

	timeout := s.cfg.TimeoutForAction(run.Action)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := s.dispatchSafely(runCtx, run, task, project)

	switch {
	case err == nil:
		log.Printf("[runner] run %s completed", run.ID)

	case errors.Is(err, context.DeadlineExceeded):
		log.Printf("[runner] run %s timed out after %s", run.ID, timeout)
		reportCtx := context.WithoutCancel(ctx)
		msg := fmt.Sprintf("timed out after %s", timeout)
		if err := s.client.UpdateRunStatus(reportCtx, run.ID, core.RunTimedOut, &msg, nil); err != nil {
			log.Printf("[runner] report timeout: %v", err)
		}

		if isBuild {
			wsDir := workspace.Dir(s.cfg.WorkspaceRoot, run.ID)
			salvageCtx, salvageCancel := context.WithTimeout(reportCtx, 10*time.Minute)
			outcome := s.executor.AttemptSalvage(salvageCtx, run, task, project, wsDir)
			salvageCancel()
			log.Printf("[runner] salvage outcome for run %s: %s", run.ID, outcome)
			workspace.Cleanup(wsDir)
		}

	default:
		log.Printf("[runner] run %s failed: %v", run.ID, err)
		reportCtx := context.WithoutCancel(ctx)
		msg := err.Error()
		if err := s.client.UpdateRunStatus(reportCtx, run.ID, core.RunFailed, &msg, nil); err != nil {
			log.Printf("[runner] report failure: %v", err)
		}
	}
}

// dispatchSafely converts a panic in the executor into an error so one bad
// run never takes the runner down.
func (s *Supervisor) dispatchSafely(ctx context.Context, run *core.Run, task *core.Task, project *core.Project) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run executor panicked: %v", r)
		}
	}()
	return s.executor.Dispatch(ctx, run, task, project)
}

func (s *Supervisor) heartbeat(ctx context.Context, runID string) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.client.UpdateRunProgress(ctx, runID, "heartbeat"); err != nil {
				log.Printf("[runner] heartbeat for %s: %v", runID, err)
			}
		}
	}
}

func (s *Supervisor) telemetry() ClaimTelemetry {
	status := string(server.RunnerActive)
	if s.draining.Load() {
		if s.tracker.ActiveCount() == 0 {
			status = string(server.RunnerDrained)
		} else {
			status = string(server.RunnerDraining)
		}
	}
	return ClaimTelemetry{
		Capabilities:  s.cfg.Capabilities,
		Backend:       s.cfg.AgentCommand,
		PollInterval:  s.cfg.PollInterval,
		MaxConcurrent: s.cfg.MaxConcurrent,
		MaxBuilds:     s.cfg.MaxBuilds,
		ActiveCount:   s.tracker.ActiveCount(),
		ActiveBuilds:  s.tracker.ActiveBuildCount(),
		Status:        status,
	}
}

// reportDrainStatus polls the server without claiming so the drained
// status reaches the pod manager.
func (s *Supervisor) reportDrainStatus(ctx context.Context) {
	if _, err := s.client.Claim(ctx, s.telemetry()); err != nil && ctx.Err() == nil {
		log.Printf("[runner] drain status report: %v", err)
	}
}

// applyPendingConfig reacts to a server config push delivered with a
// claim response.
func (s *Supervisor) applyPendingConfig(pc *server.PendingConfig) {
	if pc.Drain != nil && *pc.Drain && !s.draining.Load() {
		log.Printf("[runner] drain requested by server, no new work will be claimed")
		s.draining.Store(true)
	}
	if pc.PollInterval != nil && *pc.PollInterval > 0 {
		interval := time.Duration(*pc.PollInterval) * time.Second
		log.Printf("[runner] poll interval set to %s by server", interval)
		s.cfg.PollInterval = interval
	}
}

// shutdown waits for active runs within the configured budget, then gives
// up on the stragglers; their runs stay running until the watchdog sweeps.
func (s *Supervisor) shutdown() error {
	active := s.tracker.ActiveCount()
	if active == 0 {
		log.Printf("[runner] stopped")
		return nil
	}

	log.Printf("[runner] waiting up to %s for %d active run(s)", s.cfg.ShutdownTimeout, active)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("[runner] all runs drained, stopped")
		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
		log.Printf("[runner] shutdown timeout elapsed, abandoning %d run(s)", s.tracker.ActiveCount())
		return fmt.Errorf("shutdown timeout with %d run(s) still active", s.tracker.ActiveCount())
	}
}

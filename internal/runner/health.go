package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flowstate-dev/flowstate/internal/config"
)

type healthResponse struct {
	Status     string       `json:"status"`
	Role       string       `json:"role"`
	RunnerID   string       `json:"runner_id"`
	Draining   bool         `json:"draining"`
	Capacity   capacityInfo `json:"capacity"`
	ActiveRuns []ActiveRun  `json:"active_runs"`
}

type capacityInfo struct {
	MaxConcurrent int `json:"max_concurrent"`
	MaxBuilds     int `json:"max_builds"`
	ActiveTotal   int `json:"active_total"`
	ActiveBuilds  int `json:"active_builds"`
	Available     int `json:"available"`
}

// ServeHealth runs the runner's local health endpoint until ctx ends.
func ServeHealth(ctx context.Context, port int, runnerID string, cfg *config.RunnerConfig, sup *Supervisor) error {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		tracker := sup.Tracker()
		activeTotal := tracker.ActiveCount()
		snapshot := tracker.Snapshot()
		if snapshot == nil {
			snapshot = []ActiveRun{}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(healthResponse{
			Status:   "ok",
			Role:     "runner",
			RunnerID: runnerID,
			Draining: sup.Draining(),
			Capacity: capacityInfo{
				MaxConcurrent: cfg.MaxConcurrent,
				MaxBuilds:     cfg.MaxBuilds,
				ActiveTotal:   activeTotal,
				ActiveBuilds:  tracker.ActiveBuildCount(),
				Available:     max(cfg.MaxConcurrent-activeTotal, 0),
			},
			ActiveRuns: snapshot,
		})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", port),
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[runner] health endpoint: http://127.0.0.1:%d/health", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flowstate-dev/flowstate/internal/metrics"
	"github.com/flowstate-dev/flowstate/internal/podmanager"
)

type runnerResponse struct {
	RunnerInfo
	SaturationPct    *float64 `json:"saturation_pct,omitempty"`
	HasPendingConfig bool     `json:"has_pending_config"`
}

func (s *Server) handleListRunners(w http.ResponseWriter, _ *http.Request) {
	infos := s.runners.List()
	metrics.ActiveRunners.Set(float64(s.runners.CountActive(5 * time.Minute)))

	out := make([]runnerResponse, 0, len(infos))
	for _, info := range infos {
		resp := runnerResponse{
			RunnerInfo:       info,
			HasPendingConfig: s.runners.HasPendingConfig(info.RunnerID),
		}
		if info.MaxConcurrent > 0 {
			pct := float64(info.ActiveCount) / float64(info.MaxConcurrent) * 100
			resp.SaturationPct = &pct
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSetRunnerConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var input PendingConfig
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, errInvalidInput("invalid config body: "+err.Error()))
		return
	}

	if !s.runners.SetPendingConfig(id, input) {
		writeError(w, errNotFound("runner "+id+" not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "pending_config_set",
		"runner_id": id,
	})
}

type podStatusResponse struct {
	Enabled        bool   `json:"enabled"`
	QueueDepth     int64  `json:"queue_depth"`
	PodID          string `json:"pod_id,omitempty"`
	PodStatus      string `json:"pod_status,omitempty"`
	DailyCostCents int64  `json:"daily_cost_cents,omitempty"`
	CostCapped     bool   `json:"cost_capped,omitempty"`
}

func (s *Server) handlePodStatus(w http.ResponseWriter, _ *http.Request) {
	queueDepth, err := s.db.CountQueuedRuns()
	if err != nil {
		writeError(w, err)
		return
	}

	resp := podStatusResponse{QueueDepth: queueDepth}
	if s.podState != nil {
		s.podMu.Lock()
		resp.Enabled = true
		resp.PodID = s.podState.PodID
		resp.PodStatus = string(s.podState.PodStatus)
		resp.DailyCostCents = s.podState.DailyCostCents
		resp.CostCapped = s.podState.CostCapped
		s.podMu.Unlock()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePodStart signals intent; the pod-manager tick performs the actual
// provider call.
func (s *Server) handlePodStart(w http.ResponseWriter, _ *http.Request) {
	if s.podState == nil {
		writeError(w, errNotFound("pod manager not configured"))
		return
	}

	s.podMu.Lock()
	defer s.podMu.Unlock()

	if s.podState.PodStatus == podmanager.PodRunning || s.podState.PodStatus == podmanager.PodStarting {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_running"})
		return
	}
	s.podState.PodStatus = podmanager.PodStarting
	s.podState.CostCapped = false
	writeJSON(w, http.StatusOK, map[string]string{"status": "start_requested"})
}

// handlePodStop drains every runner and marks the pod draining; the tick
// stops the pod once the runner reports drained.
func (s *Server) handlePodStop(w http.ResponseWriter, _ *http.Request) {
	if s.podState == nil {
		writeError(w, errNotFound("pod manager not configured"))
		return
	}

	s.podMu.Lock()
	defer s.podMu.Unlock()

	if s.podState.PodStatus == podmanager.PodStopped {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_stopped"})
		return
	}

	s.runners.DrainAll()
	s.podState.PodStatus = podmanager.PodDraining
	s.podState.DrainRequestedAt = time.Now()
	writeJSON(w, http.StatusOK, map[string]string{"status": "drain_requested"})
}

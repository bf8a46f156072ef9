package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flowstate-dev/flowstate/internal/blob"
	"github.com/flowstate-dev/flowstate/internal/core"
	"github.com/flowstate-dev/flowstate/internal/metrics"
)

type triggerInput struct {
	Action string `json:"action"`
}

// handleTriggerRun enqueues a run after enforcing the per-action
// preconditions. Violations are invalid_input and no run is created.
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	var input triggerInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, errInvalidInput("invalid trigger body: "+err.Error()))
		return
	}

	action, ok := core.ParseAction(input.Action)
	if !ok {
		writeError(w, errInvalidInput(fmt.Sprintf(
			"invalid action: %q (expected research, design, plan, build, verify, research_distill, design_distill, plan_distill, or verify_distill)",
			input.Action)))
		return
	}

	task, err := s.db.GetTask(taskID)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.checkTriggerPreconditions(task, action); err != nil {
		writeError(w, err)
		return
	}

	run, err := s.db.CreateRun(&core.CreateRun{
		TaskID:             taskID,
		Action:             action,
		RequiredCapability: task.CapabilityForAction(action),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// checkTriggerPreconditions enforces the phase gate table. Build checks
// run against the effective approval vector: subtasks inherit exactly one
// level from their parent.
func (s *Server) checkTriggerPreconditions(task *core.Task, action core.Action) error {
	switch action {
	case core.ActionResearch:
		return nil

	case core.ActionResearchDistill:
		if task.ResearchStatus == core.ApprovalNone {
			return errInvalidInput("cannot distill research: research artifact must exist first")
		}

	case core.ActionDesign:
		if task.ResearchStatus != core.ApprovalApproved {
			return errInvalidInput(fmt.Sprintf(
				"cannot design: research must be approved first (current: %s)", task.ResearchStatus))
		}

	case core.ActionDesignDistill:
		if task.SpecStatus == core.ApprovalNone {
			return errInvalidInput("cannot distill design: spec artifact must exist first")
		}

	case core.ActionPlan:
		if task.SpecStatus != core.ApprovalApproved {
			return errInvalidInput(fmt.Sprintf(
				"cannot plan: spec must be approved first (current: %s)", task.SpecStatus))
		}

	case core.ActionPlanDistill:
		if task.PlanStatus == core.ApprovalNone {
			return errInvalidInput("cannot distill plan: plan artifact must exist first")
		}

	case core.ActionBuild:
		approvals, err := s.effectiveApprovals(task)
		if err != nil {
			return err
		}
		if approvals.Spec != core.ApprovalApproved {
			return errInvalidInput(fmt.Sprintf(
				"cannot build: spec must be approved first (current: %s)", approvals.Spec))
		}
		if approvals.Plan != core.ApprovalApproved {
			return errInvalidInput(fmt.Sprintf(
				"cannot build: plan must be approved first (current: %s)", approvals.Plan))
		}

	case core.ActionVerify:
		runs, err := s.db.ListRunsForTask(task.ID)
		if err != nil {
			return err
		}
		hasCompletedBuild := false
		for _, run := range runs {
			if run.Action == core.ActionBuild && run.Status == core.RunCompleted {
				hasCompletedBuild = true
				break
			}
		}
		prs, err := s.db.ListTaskPRs(task.ID)
		if err != nil {
			return err
		}
		if !hasCompletedBuild && len(prs) == 0 {
			return errInvalidInput("cannot verify: build must be completed or a PR must be linked first")
		}

	case core.ActionVerifyDistill:
		if task.VerifyStatus == core.ApprovalNone {
			return errInvalidInput("cannot distill verification: verification artifact must exist first")
		}
	}
	return nil
}

// effectiveApprovals resolves the approval vector, walking one level up
// for subtasks.
func (s *Server) effectiveApprovals(task *core.Task) (core.Approvals, error) {
	var parent *core.Task
	if task.IsSubtask() {
		p, err := s.db.GetTask(*task.ParentID)
		if err != nil {
			return core.Approvals{}, err
		}
		parent = p
	}
	return core.EffectiveApprovals(task, parent), nil
}

type claimInput struct {
	Capabilities  []string `json:"capabilities"`
	Backend       string   `json:"backend,omitempty"`
	PollInterval  int      `json:"poll_interval,omitempty"`
	MaxConcurrent int      `json:"max_concurrent,omitempty"`
	MaxBuilds     int      `json:"max_builds,omitempty"`
	ActiveCount   int      `json:"active_count,omitempty"`
	ActiveBuilds  int      `json:"active_builds,omitempty"`
	Status        string   `json:"status,omitempty"`
}

type claimResponse struct {
	Run           *core.Run      `json:"run"`
	PendingConfig *PendingConfig `json:"pending_config,omitempty"`
}

// handleClaimRun atomically claims the oldest matching queued run. The
// X-Runner-Id header registers the runner; the response carries any
// pending config push (drain) queued for it.
func (s *Server) handleClaimRun(w http.ResponseWriter, r *http.Request) {
	runnerID := r.Header.Get("X-Runner-Id")
	if runnerID == "" {
		runnerID = "unknown"
	}

	var input claimInput
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			writeError(w, errInvalidInput("invalid claim body: "+err.Error()))
			return
		}
	}

	var capabilities []core.Capability
	for _, raw := range input.Capabilities {
		c, ok := core.ParseCapability(raw)
		if !ok {
			writeError(w, errInvalidInput("invalid capability: "+raw))
			return
		}
		capabilities = append(capabilities, c)
	}

	pending := s.runners.Observe(RunnerInfo{
		RunnerID:      runnerID,
		Backend:       input.Backend,
		Capabilities:  input.Capabilities,
		PollInterval:  input.PollInterval,
		MaxConcurrent: input.MaxConcurrent,
		MaxBuilds:     input.MaxBuilds,
		ActiveCount:   input.ActiveCount,
		ActiveBuilds:  input.ActiveBuilds,
		Status:        RunnerStatus(input.Status),
	})

	// A draining runner keeps polling so its status reaches the pod
	// manager, but it never receives work.
	if input.Status == string(RunnerDraining) || input.Status == string(RunnerDrained) {
		writeJSON(w, http.StatusOK, claimResponse{Run: nil, PendingConfig: pending})
		return
	}

	run, err := s.db.ClaimRun(capabilities)
	if err != nil {
		writeError(w, err)
		return
	}

	if run != nil {
		if err := s.db.SetRunRunner(run.ID, runnerID); err != nil {
			writeError(w, err)
			return
		}
		run.RunnerID = &runnerID
		metrics.RunsClaimed.Inc()
	}

	writeJSON(w, http.StatusOK, claimResponse{Run: run, PendingConfig: pending})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.db.GetRun(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.db.ListRunsForTask(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []core.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

type updateStatusInput struct {
	Status       string  `json:"status"`
	ErrorMessage *string `json:"error_message,omitempty"`
	ExitCode     *int    `json:"exit_code,omitempty"`
	PRURL        *string `json:"pr_url,omitempty"`
	PRNumber     *int64  `json:"pr_number,omitempty"`
	BranchName   *string `json:"branch_name,omitempty"`
}

func (s *Server) handleUpdateRunStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var input updateStatusInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, errInvalidInput("invalid status body: "+err.Error()))
		return
	}

	status, ok := core.ParseRunStatus(input.Status)
	if !ok {
		writeError(w, errInvalidInput("invalid status: "+input.Status))
		return
	}

	var (
		run *core.Run
		err error
	)
	if status == core.RunSalvaging {
		// Salvage is the one transition allowed out of timed_out; it has
		// its own guard. A nil result means the run is in a state salvage
		// cannot start from, which the caller treats as "already handled".
		run, err = s.db.BeginSalvageRun(id)
		if err == nil && run == nil {
			run, err = s.db.GetRun(id)
		}
	} else {
		run, err = s.db.UpdateRunStatus(id, status, input.ErrorMessage, input.ExitCode)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if run.Status == status && status.IsTerminal() {
		metrics.RunsTerminal.WithLabelValues(string(status)).Inc()
	}

	if input.PRURL != nil || input.PRNumber != nil || input.BranchName != nil {
		run, err = s.db.SetRunPR(id, input.PRURL, input.PRNumber, input.BranchName)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, run)
}

type progressInput struct {
	Message string `json:"message"`
}

func (s *Server) handleUpdateRunProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var input progressInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, errInvalidInput("invalid progress body: "+err.Error()))
		return
	}

	if _, err := s.db.GetRun(id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.db.SetRunProgress(id, input.Message); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handlePutRunPrompt(w http.ResponseWriter, r *http.Request) {
	s.putRunBlob(w, r, blob.RunPromptKey(chi.URLParam(r, "id")))
}

func (s *Server) handlePutRunOutput(w http.ResponseWriter, r *http.Request) {
	s.putRunBlob(w, r, blob.RunOutputKey(chi.URLParam(r, "id")))
}

func (s *Server) putRunBlob(w http.ResponseWriter, r *http.Request, key string) {
	if _, err := s.db.GetRun(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}

	data, err := readBody(r, 8<<20)
	if err != nil {
		writeError(w, errInvalidInput(err.Error()))
		return
	}
	if err := s.store.Put(r.Context(), key, data); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleGetRunOutput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.db.GetRun(id); err != nil {
		writeError(w, err)
		return
	}

	data, err := blob.GetOpt(r.Context(), s.store, blob.RunOutputKey(id))
	if err != nil {
		writeError(w, err)
		return
	}
	if data == nil {
		writeError(w, errNotFound("output not yet available"))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

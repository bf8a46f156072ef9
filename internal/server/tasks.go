package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flowstate-dev/flowstate/internal/blob"
	"github.com/flowstate-dev/flowstate/internal/core"
	"github.com/flowstate-dev/flowstate/internal/planparse"
)

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")

	var input core.CreateTask
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, errInvalidInput("invalid task body: "+err.Error()))
		return
	}
	input.ProjectID = projectID
	if input.Title == "" {
		writeError(w, errInvalidInput("task title is required"))
		return
	}

	if _, err := s.db.GetProject(projectID); err != nil {
		writeError(w, err)
		return
	}
	if input.ParentID != nil && *input.ParentID != "" {
		if _, err := s.db.GetTask(*input.ParentID); err != nil {
			writeError(w, err)
			return
		}
	}

	task, err := s.db.CreateTask(&input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.db.GetTask(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.db.ListTasks(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []core.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleListChildTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.db.ListChildTasks(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []core.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// handleUpdateTask applies a partial update. When a reviewer flips
// research or spec to approved, the current artifact's content hash is
// captured so later drift is detectable.
func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var update core.UpdateTask
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, errInvalidInput("invalid task update: "+err.Error()))
		return
	}

	if update.ResearchStatus != nil && *update.ResearchStatus == core.ApprovalApproved {
		if hash, ok := s.artifactHash(r, blob.TaskResearchKey(id)); ok {
			update.ResearchApprovedHash = &hash
		}
	}
	if update.SpecStatus != nil && *update.SpecStatus == core.ApprovalApproved {
		if hash, ok := s.artifactHash(r, blob.TaskSpecKey(id)); ok {
			update.SpecApprovedHash = &hash
		}
	}

	task, err := s.db.UpdateTask(id, &update)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) artifactHash(r *http.Request, key string) (string, bool) {
	data, err := blob.GetOpt(r.Context(), s.store, key)
	if err != nil || data == nil {
		return "", false
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), true
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.db.DeleteTask(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleListTaskPRs(w http.ResponseWriter, r *http.Request) {
	prs, err := s.db.ListTaskPRs(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if prs == nil {
		prs = []core.TaskPR{}
	}
	writeJSON(w, http.StatusOK, prs)
}

func (s *Server) handleCreateTaskPR(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	var input core.CreateTaskPR
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, errInvalidInput("invalid pr body: "+err.Error()))
		return
	}
	input.TaskID = taskID
	if input.PRURL == "" {
		writeError(w, errInvalidInput("pr_url is required"))
		return
	}

	if _, err := s.db.GetTask(taskID); err != nil {
		writeError(w, err)
		return
	}

	pr, err := s.db.CreateTaskPR(&input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pr)
}

func (s *Server) handleListTaskLinks(w http.ResponseWriter, r *http.Request) {
	links, err := s.db.ListTaskLinks(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if links == nil {
		links = []core.TaskLink{}
	}
	writeJSON(w, http.StatusOK, links)
}

func (s *Server) handleCreateTaskLink(w http.ResponseWriter, r *http.Request) {
	fromTask := chi.URLParam(r, "id")

	var input struct {
		ToTask string `json:"to_task"`
		Kind   string `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, errInvalidInput("invalid link body: "+err.Error()))
		return
	}
	if input.ToTask == "" {
		writeError(w, errInvalidInput("to_task is required"))
		return
	}
	if _, err := s.db.GetTask(fromTask); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.db.GetTask(input.ToTask); err != nil {
		writeError(w, err)
		return
	}

	link, err := s.db.CreateTaskLink(fromTask, input.ToTask, input.Kind)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, link)
}

// artifactKey maps a wire phase name to a blob key.
func artifactKey(taskID, phase string) (string, error) {
	switch phase {
	case "research":
		return blob.TaskResearchKey(taskID), nil
	case "specification":
		return blob.TaskSpecKey(taskID), nil
	case "plan":
		return blob.TaskPlanKey(taskID), nil
	case "verification":
		return blob.TaskVerificationKey(taskID), nil
	}
	return "", fmt.Errorf("unknown artifact phase %q", phase)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	key, err := artifactKey(taskID, chi.URLParam(r, "phase"))
	if err != nil {
		writeError(w, errInvalidInput(err.Error()))
		return
	}

	data, err := s.store.Get(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handlePutArtifact(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	key, err := artifactKey(taskID, chi.URLParam(r, "phase"))
	if err != nil {
		writeError(w, errInvalidInput(err.Error()))
		return
	}

	if _, err := s.db.GetTask(taskID); err != nil {
		writeError(w, err)
		return
	}

	data, err := readBody(r, 4<<20)
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

// handleExpandSubtasks parses SUBTASK blocks out of an approved plan and
// creates child tasks for each. Already-existing children with the same
// title are skipped so the expansion is retry-safe.
func (s *Server) handleExpandSubtasks(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	task, err := s.db.GetTask(taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	if task.PlanStatus != core.ApprovalApproved {
		writeError(w, errInvalidInput("cannot expand subtasks: plan must be approved first"))
		return
	}

	planData, err := blob.GetOpt(r.Context(), s.store, blob.TaskPlanKey(taskID))
	if err != nil {
		writeError(w, err)
		return
	}
	if planData == nil {
		writeError(w, errInvalidInput("cannot expand subtasks: plan artifact is missing"))
		return
	}

	defs := planparse.ExtractSubtasks(string(planData))

	existing, err := s.db.ListChildTasks(taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	seen := make(map[string]bool, len(existing))
	for _, c := range existing {
		seen[c.Title] = true
	}

	var created []core.Task
	for _, def := range defs {
		if seen[def.Title] {
			continue
		}
		description := def.Description
		if len(def.Files) > 0 {
			description += "\n\nFiles:\n"
			for _, f := range def.Files {
				description += "- `" + f + "`\n"
			}
		}
		child, err := s.db.CreateTask(&core.CreateTask{
			ProjectID:       task.ProjectID,
			Title:           def.Title,
			Description:     description,
			ParentID:        &task.ID,
			BuildCapability: def.Capability,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		created = append(created, *child)
	}

	if created == nil {
		created = []core.Task{}
	}
	writeJSON(w, http.StatusCreated, created)
}

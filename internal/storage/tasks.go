package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowstate-dev/flowstate/internal/core"
)

const taskColumns = `id, project_id, parent_id, sprint_id, title, description, reviewer,
	status, sort_order,
	research_status, spec_status, plan_status, verify_status,
	research_feedback, spec_feedback, plan_feedback, verify_feedback,
	research_approved_hash, spec_approved_hash,
	research_capability, design_capability, plan_capability, build_capability, verify_capability,
	created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*core.Task, error) {
	var (
		t        core.Task
		parentID sql.NullString
		sprintID sql.NullString
		status   string
		research string
		spec     string
		plan     string
		verify   string
		rHash    sql.NullString
		sHash    sql.NullString
		caps     [5]sql.NullString
	)

	err := row.Scan(
		&t.ID, &t.ProjectID, &parentID, &sprintID, &t.Title, &t.Description, &t.Reviewer,
		&status, &t.SortOrder,
		&research, &spec, &plan, &verify,
		&t.ResearchFeedback, &t.SpecFeedback, &t.PlanFeedback, &t.VerifyFeedback,
		&rHash, &sHash,
		&caps[0], &caps[1], &caps[2], &caps[3], &caps[4],
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if parentID.Valid {
		t.ParentID = &parentID.String
	}
	if sprintID.Valid {
		t.SprintID = &sprintID.String
	}
	t.Status, _ = core.ParseBoardStatus(status)
	t.ResearchStatus, _ = core.ParseApprovalStatus(research)
	t.SpecStatus, _ = core.ParseApprovalStatus(spec)
	t.PlanStatus, _ = core.ParseApprovalStatus(plan)
	t.VerifyStatus, _ = core.ParseApprovalStatus(verify)
	if rHash.Valid {
		t.ResearchApprovedHash = &rHash.String
	}
	if sHash.Valid {
		t.SpecApprovedHash = &sHash.String
	}

	capFields := []**core.Capability{
		&t.ResearchCapability, &t.DesignCapability, &t.PlanCapability,
		&t.BuildCapability, &t.VerifyCapability,
	}
	for i, ns := range caps {
		if ns.Valid {
			if c, ok := core.ParseCapability(ns.String); ok {
				*capFields[i] = &c
			}
		}
	}
	return &t, nil
}

func capString(c *core.Capability) *string {
	if c == nil {
		return nil
	}
	s := strings.ToLower(string(*c))
	return &s
}

// CreateTask inserts a task. sort_order is assigned one past the current
// maximum for the task's (project, status) pair so new tasks land at the
// bottom of their board column.
func (d *DB) CreateTask(input *core.CreateTask) (*core.Task, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	status := input.Status
	if status == "" {
		status = core.BoardTodo
	}
	if _, ok := core.ParseBoardStatus(string(status)); !ok {
		return nil, fmt.Errorf("invalid board status %q", status)
	}

	var maxSort float64
	err := d.db.QueryRow(
		`SELECT COALESCE(MAX(sort_order), 0) FROM tasks WHERE project_id = ? AND status = ?`,
		input.ProjectID, string(status),
	).Scan(&maxSort)
	if err != nil {
		return nil, fmt.Errorf("next sort_order: %w", err)
	}

	_, err = d.db.Exec(
		`INSERT INTO tasks (
			id, project_id, parent_id, sprint_id, title, description, reviewer,
			status, sort_order,
			research_capability, design_capability, plan_capability, build_capability, verify_capability,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, input.ProjectID, input.ParentID, input.SprintID, input.Title, input.Description,
		input.Reviewer, string(status), maxSort+1,
		capString(input.ResearchCapability), capString(input.DesignCapability),
		capString(input.PlanCapability), capString(input.BuildCapability),
		capString(input.VerifyCapability),
		now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return d.GetTask(id)
}

// GetTask retrieves a task by ID.
func (d *DB) GetTask(id string) (*core.Task, error) {
	row := d.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

// ListTasks returns all tasks for a project ordered by sort_order.
func (d *DB) ListTasks(projectID string) ([]core.Task, error) {
	rows, err := d.db.Query(
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY sort_order ASC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListChildTasks returns a task's direct subtasks ordered by sort_order.
func (d *DB) ListChildTasks(parentID string) ([]core.Task, error) {
	rows, err := d.db.Query(
		`SELECT `+taskColumns+` FROM tasks WHERE parent_id = ? ORDER BY sort_order ASC`,
		parentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list child tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]core.Task, error) {
	var tasks []core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// UpdateTask applies a partial update. Nil fields are left unchanged.
func (d *DB) UpdateTask(id string, update *core.UpdateTask) (*core.Task, error) {
	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if update.Title != nil {
		add("title", *update.Title)
	}
	if update.Description != nil {
		add("description", *update.Description)
	}
	if update.Reviewer != nil {
		add("reviewer", *update.Reviewer)
	}
	if update.Status != nil {
		if _, ok := core.ParseBoardStatus(string(*update.Status)); !ok {
			return nil, fmt.Errorf("invalid board status %q", *update.Status)
		}
		add("status", string(*update.Status))
	}
	if update.SortOrder != nil {
		add("sort_order", *update.SortOrder)
	}
	if update.SprintID != nil {
		add("sprint_id", *update.SprintID)
	}
	approvals := []struct {
		column string
		value  *core.ApprovalStatus
	}{
		{"research_status", update.ResearchStatus},
		{"spec_status", update.SpecStatus},
		{"plan_status", update.PlanStatus},
		{"verify_status", update.VerifyStatus},
	}
	for _, a := range approvals {
		if a.value != nil {
			if _, ok := core.ParseApprovalStatus(string(*a.value)); !ok {
				return nil, fmt.Errorf("invalid approval status %q", *a.value)
			}
			add(a.column, string(*a.value))
		}
	}
	if update.ResearchFeedback != nil {
		add("research_feedback", *update.ResearchFeedback)
	}
	if update.SpecFeedback != nil {
		add("spec_feedback", *update.SpecFeedback)
	}
	if update.PlanFeedback != nil {
		add("plan_feedback", *update.PlanFeedback)
	}
	if update.VerifyFeedback != nil {
		add("verify_feedback", *update.VerifyFeedback)
	}
	if update.ResearchApprovedHash != nil {
		add("research_approved_hash", *update.ResearchApprovedHash)
	}
	if update.SpecApprovedHash != nil {
		add("spec_approved_hash", *update.SpecApprovedHash)
	}

	if len(sets) == 0 {
		return d.GetTask(id)
	}

	add("updated_at", time.Now().UTC())
	args = append(args, id)

	res, err := d.db.Exec(
		`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return d.GetTask(id)
}

// DeleteTask removes a task. Runs, links, PRs, attachments and subtasks
// cascade at the schema level.
func (d *DB) DeleteTask(id string) error {
	res, err := d.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

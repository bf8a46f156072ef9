package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowstate-dev/flowstate/internal/core"
)

// CreateTaskPR links a PR to a task. Linking the same (task, pr_url) pair
// again is idempotent and returns the existing record, so a retried push
// after a partial failure is safe.
func (d *DB) CreateTaskPR(input *core.CreateTaskPR) (*core.TaskPR, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	_, err := d.db.Exec(
		`INSERT INTO task_prs (id, task_id, claude_run_id, pr_url, pr_number, branch_name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id, pr_url) DO NOTHING`,
		id, input.TaskID, input.RunID, input.PRURL, input.PRNumber, input.BranchName, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create task pr: %w", err)
	}

	row := d.db.QueryRow(
		`SELECT id, task_id, claude_run_id, pr_url, pr_number, branch_name, created_at
		 FROM task_prs WHERE task_id = ? AND pr_url = ?`,
		input.TaskID, input.PRURL,
	)
	return scanTaskPR(row)
}

func scanTaskPR(row interface{ Scan(...any) error }) (*core.TaskPR, error) {
	var (
		pr    core.TaskPR
		runID sql.NullString
	)
	err := row.Scan(&pr.ID, &pr.TaskID, &runID, &pr.PRURL, &pr.PRNumber, &pr.BranchName, &pr.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task pr: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan task pr: %w", err)
	}
	if runID.Valid {
		pr.RunID = &runID.String
	}
	return &pr, nil
}

// ListTaskPRs returns all PRs linked to a task, newest first.
func (d *DB) ListTaskPRs(taskID string) ([]core.TaskPR, error) {
	rows, err := d.db.Query(
		`SELECT id, task_id, claude_run_id, pr_url, pr_number, branch_name, created_at
		 FROM task_prs WHERE task_id = ? ORDER BY created_at DESC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list task prs: %w", err)
	}
	defer rows.Close()

	var prs []core.TaskPR
	for rows.Next() {
		pr, err := scanTaskPR(rows)
		if err != nil {
			return nil, err
		}
		prs = append(prs, *pr)
	}
	return prs, rows.Err()
}

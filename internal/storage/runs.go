package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowstate-dev/flowstate/internal/core"
)

const runColumns = `id, task_id, action, status, required_capability, runner_id,
	progress_message, error_message, exit_code, pr_url, pr_number, branch_name,
	started_at, finished_at`

func scanRun(row interface{ Scan(...any) error }) (*core.Run, error) {
	var (
		r          core.Run
		action     string
		status     string
		capability sql.NullString
		runnerID   sql.NullString
		progress   sql.NullString
		errMsg     sql.NullString
		exitCode   sql.NullInt64
		prURL      sql.NullString
		prNumber   sql.NullInt64
		branch     sql.NullString
		finished   sql.NullTime
	)

	err := row.Scan(
		&r.ID, &r.TaskID, &action, &status, &capability, &runnerID,
		&progress, &errMsg, &exitCode, &prURL, &prNumber, &branch,
		&r.StartedAt, &finished,
	)
	if err != nil {
		return nil, err
	}

	r.Action, _ = core.ParseAction(action)
	r.Status, _ = core.ParseRunStatus(status)
	if capability.Valid {
		if cap, ok := core.ParseCapability(capability.String); ok {
			r.RequiredCapability = &cap
		}
	}
	if runnerID.Valid {
		r.RunnerID = &runnerID.String
	}
	if progress.Valid {
		r.ProgressMessage = &progress.String
	}
	if errMsg.Valid {
		r.ErrorMessage = &errMsg.String
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		r.ExitCode = &code
	}
	if prURL.Valid {
		r.PRURL = &prURL.String
	}
	if prNumber.Valid {
		r.PRNumber = &prNumber.Int64
	}
	if branch.Valid {
		r.BranchName = &branch.String
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return &r, nil
}

// CreateRun enqueues a new run in queued status. started_at records the
// enqueue time and orders the FIFO claim.
func (d *DB) CreateRun(input *core.CreateRun) (*core.Run, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	var capability *string
	if input.RequiredCapability != nil {
		s := strings.ToLower(string(*input.RequiredCapability))
		capability = &s
	}

	_, err := d.db.Exec(
		`INSERT INTO claude_runs (id, task_id, action, status, required_capability, started_at)
		 VALUES (?, ?, ?, 'queued', ?, ?)`,
		id, input.TaskID, string(input.Action), capability, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return d.GetRun(id)
}

// GetRun retrieves a run by ID.
func (d *DB) GetRun(id string) (*core.Run, error) {
	row := d.db.QueryRow(`SELECT `+runColumns+` FROM claude_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

// ListRunsForTask returns all runs for a task, newest first.
func (d *DB) ListRunsForTask(taskID string) ([]core.Run, error) {
	rows, err := d.db.Query(
		`SELECT `+runColumns+` FROM claude_runs WHERE task_id = ? ORDER BY started_at DESC, id DESC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []core.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ClaimRun atomically claims the oldest queued run whose required_capability
// is NULL or in capabilities, flipping it to running and stamping started_at.
// An empty capability set claims any queued run. Returns nil when nothing
// matches. The select-and-update executes as one statement, so two
// concurrent claims can never return the same run.
func (d *DB) ClaimRun(capabilities []core.Capability) (*core.Run, error) {
	now := time.Now().UTC()

	var (
		query string
		args  []any
	)
	if len(capabilities) == 0 {
		query = `UPDATE claude_runs
			 SET status = 'running', started_at = ?
			 WHERE id = (
				 SELECT id FROM claude_runs
				 WHERE status = 'queued'
				 ORDER BY started_at ASC, id ASC
				 LIMIT 1
			 )
			 RETURNING ` + runColumns
		args = []any{now}
	} else {
		placeholders := make([]string, len(capabilities))
		args = []any{now}
		for i, c := range capabilities {
			placeholders[i] = "?"
			args = append(args, strings.ToLower(string(c)))
		}
		query = `UPDATE claude_runs
			 SET status = 'running', started_at = ?
			 WHERE id = (
				 SELECT id FROM claude_runs
				 WHERE status = 'queued'
				   AND (required_capability IS NULL OR required_capability IN (` + strings.Join(placeholders, ", ") + `))
				 ORDER BY started_at ASC, id ASC
				 LIMIT 1
			 )
			 RETURNING ` + runColumns
	}

	row := d.db.QueryRow(query, args...)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim run: %w", err)
	}
	return run, nil
}

// UpdateRunStatus transitions a run's status. Transitions out of a terminal
// status are silent no-ops: the stored row is returned unmodified. Terminal
// statuses stamp finished_at.
func (d *DB) UpdateRunStatus(id string, status core.RunStatus, errorMessage *string, exitCode *int) (*core.Run, error) {
	var finished *time.Time
	if status.IsTerminal() {
		now := time.Now().UTC()
		finished = &now
	}

	_, err := d.db.Exec(
		`UPDATE claude_runs SET status = ?, error_message = ?, exit_code = ?, finished_at = ?
		 WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled', 'timed_out')`,
		string(status), errorMessage, exitCode, finished, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update run status: %w", err)
	}
	return d.GetRun(id)
}

// BeginSalvageRun transitions a run into salvaging. Salvage is the one
// sanctioned escape from timed_out: the runner marks the timeout first,
// then rescues the workspace. The guard admits only running and timed_out;
// any other state returns nil and the caller must not salvage.
func (d *DB) BeginSalvageRun(id string) (*core.Run, error) {
	res, err := d.db.Exec(
		`UPDATE claude_runs SET status = 'salvaging', finished_at = NULL
		 WHERE id = ? AND status IN ('running', 'timed_out')`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("begin salvage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("begin salvage: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}
	return d.GetRun(id)
}

// TimeoutRun atomically transitions a run from running or salvaging to
// timed_out. Returns nil when the run was not in those statuses — this is
// how the watchdog and a still-reporting runner race safely.
func (d *DB) TimeoutRun(id, errorMessage string) (*core.Run, error) {
	now := time.Now().UTC()
	res, err := d.db.Exec(
		`UPDATE claude_runs SET status = 'timed_out', error_message = ?, finished_at = ?
		 WHERE id = ? AND status IN ('running', 'salvaging')`,
		errorMessage, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("timeout run: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("timeout run: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}
	return d.GetRun(id)
}

// SetRunPR records the PR triple on a run without touching its status.
func (d *DB) SetRunPR(id string, prURL *string, prNumber *int64, branchName *string) (*core.Run, error) {
	_, err := d.db.Exec(
		`UPDATE claude_runs SET pr_url = ?, pr_number = ?, branch_name = ? WHERE id = ?`,
		prURL, prNumber, branchName, id,
	)
	if err != nil {
		return nil, fmt.Errorf("set run pr: %w", err)
	}
	return d.GetRun(id)
}

// SetRunProgress updates the free-text progress message. The write itself
// is the liveness signal; last write wins.
func (d *DB) SetRunProgress(id, message string) error {
	_, err := d.db.Exec(
		`UPDATE claude_runs SET progress_message = ? WHERE id = ?`,
		message, id,
	)
	if err != nil {
		return fmt.Errorf("set run progress: %w", err)
	}
	return nil
}

// SetRunRunner records which runner claimed a run. Set once at claim time.
func (d *DB) SetRunRunner(id, runnerID string) error {
	_, err := d.db.Exec(
		`UPDATE claude_runs SET runner_id = ? WHERE id = ?`,
		runnerID, id,
	)
	if err != nil {
		return fmt.Errorf("set run runner: %w", err)
	}
	return nil
}

// FindStaleRuns returns runs in any of the given statuses whose started_at
// is older than the threshold. Used by the watchdog sweep.
func (d *DB) FindStaleRuns(statuses []core.RunStatus, olderThan time.Time) ([]core.Run, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for i, s := range statuses {
		placeholders[i] = "?"
		args = append(args, string(s))
	}
	args = append(args, olderThan)

	rows, err := d.db.Query(
		`SELECT `+runColumns+` FROM claude_runs
		 WHERE status IN (`+strings.Join(placeholders, ", ")+`) AND started_at < ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("find stale runs: %w", err)
	}
	defer rows.Close()

	var runs []core.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// CountQueuedRuns returns the queue depth. Consumed by the pod manager.
func (d *DB) CountQueuedRuns() (int64, error) {
	var count int64
	err := d.db.QueryRow(`SELECT COUNT(*) FROM claude_runs WHERE status = 'queued'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count queued runs: %w", err)
	}
	return count, nil
}

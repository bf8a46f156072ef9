package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowstate-dev/flowstate/internal/core"
)

// CreateTaskLink adds a directed edge between two tasks. The graph is
// display-only and may contain cycles; no traversal happens here.
func (d *DB) CreateTaskLink(fromTask, toTask, kind string) (*core.TaskLink, error) {
	if kind == "" {
		kind = "relates_to"
	}
	id := uuid.NewString()
	now := time.Now().UTC()

	_, err := d.db.Exec(
		`INSERT INTO task_links (id, from_task, to_task, kind, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(from_task, to_task, kind) DO NOTHING`,
		id, fromTask, toTask, kind, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create task link: %w", err)
	}

	var link core.TaskLink
	err = d.db.QueryRow(
		`SELECT id, from_task, to_task, kind, created_at FROM task_links
		 WHERE from_task = ? AND to_task = ? AND kind = ?`,
		fromTask, toTask, kind,
	).Scan(&link.ID, &link.FromTask, &link.ToTask, &link.Kind, &link.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get task link: %w", err)
	}
	return &link, nil
}

// ListTaskLinks returns all links touching a task, in either direction.
func (d *DB) ListTaskLinks(taskID string) ([]core.TaskLink, error) {
	rows, err := d.db.Query(
		`SELECT id, from_task, to_task, kind, created_at FROM task_links
		 WHERE from_task = ? OR to_task = ? ORDER BY created_at ASC`,
		taskID, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list task links: %w", err)
	}
	defer rows.Close()

	var links []core.TaskLink
	for rows.Next() {
		var link core.TaskLink
		if err := rows.Scan(&link.ID, &link.FromTask, &link.ToTask, &link.Kind, &link.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task link: %w", err)
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// DeleteTaskLink removes a link by ID.
func (d *DB) DeleteTaskLink(id string) error {
	res, err := d.db.Exec(`DELETE FROM task_links WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task link %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("task link %s: %w", id, ErrNotFound)
	}
	return nil
}

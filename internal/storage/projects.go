package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowstate-dev/flowstate/internal/core"
)

func scanProject(row interface{ Scan(...any) error }) (*core.Project, error) {
	var (
		p        core.Project
		provider string
		token    sql.NullString
		skipTLS  int
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.Slug, &p.Description, &p.RepoURL, &provider,
		&token, &skipTLS, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.ProviderType = core.ProviderType(provider)
	p.SkipTLSVerify = skipTLS != 0
	p.HasRepoToken = token.Valid && token.String != ""
	return &p, nil
}

const projectColumns = `id, name, slug, description, repo_url, provider_type,
	repo_token, skip_tls_verify, created_at`

// CreateProject inserts a project.
func (d *DB) CreateProject(input *core.CreateProject) (*core.Project, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	skipTLS := 0
	if input.SkipTLSVerify {
		skipTLS = 1
	}

	_, err := d.db.Exec(
		`INSERT INTO projects (id, name, slug, description, repo_url, provider_type, skip_tls_verify, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, input.Name, input.Slug, input.Description, input.RepoURL,
		string(input.ProviderType), skipTLS, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return d.GetProject(id)
}

// GetProject retrieves a project by ID.
func (d *DB) GetProject(id string) (*core.Project, error) {
	row := d.db.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return p, nil
}

// ListProjects returns all projects ordered by creation time.
func (d *DB) ListProjects() ([]core.Project, error) {
	rows, err := d.db.Query(`SELECT ` + projectColumns + ` FROM projects ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []core.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// SetProjectRepoToken stores the sealed repo token. An empty string clears it.
func (d *DB) SetProjectRepoToken(id, sealedToken string) error {
	var value *string
	if sealedToken != "" {
		value = &sealedToken
	}
	res, err := d.db.Exec(`UPDATE projects SET repo_token = ? WHERE id = ?`, value, id)
	if err != nil {
		return fmt.Errorf("set repo token: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetProjectRepoToken returns the sealed repo token, or ErrNotFound when the
// project has none set.
func (d *DB) GetProjectRepoToken(id string) (string, error) {
	var token sql.NullString
	err := d.db.QueryRow(`SELECT repo_token FROM projects WHERE id = ?`, id).Scan(&token)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get repo token: %w", err)
	}
	if !token.Valid || token.String == "" {
		return "", fmt.Errorf("repo token for project %s: %w", id, ErrNotFound)
	}
	return token.String, nil
}

// DeleteProject removes a project; tasks cascade, and from tasks the runs,
// links, PRs and attachments.
func (d *DB) DeleteProject(id string) error {
	res, err := d.db.Exec(`DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete project %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}

// CreateSprint inserts a sprint for a project.
func (d *DB) CreateSprint(projectID, name string, startsAt, endsAt *time.Time) (*core.Sprint, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	_, err := d.db.Exec(
		`INSERT INTO sprints (id, project_id, name, starts_at, ends_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, projectID, name, startsAt, endsAt, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create sprint: %w", err)
	}

	s := &core.Sprint{ID: id, ProjectID: projectID, Name: name, StartsAt: startsAt, EndsAt: endsAt, CreatedAt: now}
	return s, nil
}

// ListSprints returns a project's sprints ordered by creation time.
func (d *DB) ListSprints(projectID string) ([]core.Sprint, error) {
	rows, err := d.db.Query(
		`SELECT id, project_id, name, starts_at, ends_at, created_at
		 FROM sprints WHERE project_id = ? ORDER BY created_at ASC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sprints: %w", err)
	}
	defer rows.Close()

	var sprints []core.Sprint
	for rows.Next() {
		var (
			s      core.Sprint
			starts sql.NullTime
			ends   sql.NullTime
		)
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.Name, &starts, &ends, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sprint: %w", err)
		}
		if starts.Valid {
			t := starts.Time
			s.StartsAt = &t
		}
		if ends.Valid {
			t := ends.Time
			s.EndsAt = &t
		}
		sprints = append(sprints, s)
	}
	return sprints, rows.Err()
}

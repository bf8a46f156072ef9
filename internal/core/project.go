package core

import "time"

// ProviderType selects a repo-hosting provider implementation explicitly.
// Empty means "detect from the repository URL".
type ProviderType string

const (
	ProviderAuto   ProviderType = ""
	ProviderGitHub ProviderType = "github"
	ProviderGitea  ProviderType = "gitea"
)

// Project groups tasks against one repository. RepoToken is stored sealed;
// the plaintext never leaves the server except to an authenticated runner.
type Project struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Slug          string       `json:"slug"`
	Description   string       `json:"description"`
	RepoURL       string       `json:"repo_url"`
	ProviderType  ProviderType `json:"provider_type,omitempty"`
	SkipTLSVerify bool         `json:"skip_tls_verify"`
	HasRepoToken  bool         `json:"has_repo_token"`
	CreatedAt     time.Time    `json:"created_at"`
}

// CreateProject is the input for project creation.
type CreateProject struct {
	Name          string       `json:"name"`
	Slug          string       `json:"slug"`
	Description   string       `json:"description"`
	RepoURL       string       `json:"repo_url"`
	ProviderType  ProviderType `json:"provider_type,omitempty"`
	SkipTLSVerify bool         `json:"skip_tls_verify"`
}

// Sprint is a named grouping of tasks with an optional time window.
type Sprint struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"project_id"`
	Name      string     `json:"name"`
	StartsAt  *time.Time `json:"starts_at,omitempty"`
	EndsAt    *time.Time `json:"ends_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// TaskLink is a directed edge between two tasks. Links are display-only;
// the graph may contain cycles.
type TaskLink struct {
	ID        string    `json:"id"`
	FromTask  string    `json:"from_task"`
	ToTask    string    `json:"to_task"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskPR links a pull request to the task and run that produced it.
type TaskPR struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	RunID      *string   `json:"run_id,omitempty"`
	PRURL      string    `json:"pr_url"`
	PRNumber   int64     `json:"pr_number"`
	BranchName string    `json:"branch_name"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreateTaskPR is the input for linking a PR to a task. Linking the same
// pr_url twice is idempotent.
type CreateTaskPR struct {
	TaskID     string  `json:"task_id"`
	RunID      *string `json:"run_id,omitempty"`
	PRURL      string  `json:"pr_url"`
	PRNumber   int64   `json:"pr_number"`
	BranchName string  `json:"branch_name"`
}

// Attachment is file metadata for a task; bytes live in the blob store.
type Attachment struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKey authenticates clients and runners against the server API.
// Only the SHA-256 hash of the key is persisted.
type APIKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
}

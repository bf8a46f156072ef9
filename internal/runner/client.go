package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flowstate-dev/flowstate/internal/core"
	"github.com/flowstate-dev/flowstate/internal/server"
)

// Client talks to the flowstate server API. Every request carries the
// X-Runner-Id header so the server can address this runner.
type Client struct {
	baseURL  string
	apiKey   string
	runnerID string
	http     *http.Client
}

// NewClient creates a Client.
func NewClient(baseURL, apiKey, runnerID string) *Client {
	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		apiKey:   apiKey,
		runnerID: runnerID,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// RunnerID returns this runner's identity.
func (c *Client) RunnerID() string { return c.runnerID }

func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Runner-Id", c.runnerID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) doRaw(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Runner-Id", c.runnerID)
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return data, nil
}

// ClaimTelemetry is the self-report sent with each claim.
type ClaimTelemetry struct {
	Capabilities  []core.Capability
	Backend       string
	PollInterval  time.Duration
	MaxConcurrent int
	MaxBuilds     int
	ActiveCount   int
	ActiveBuilds  int
	Status        string
}

// ClaimResult is a claim response: possibly a run, possibly a config push.
type ClaimResult struct {
	Run           *core.Run             `json:"run"`
	PendingConfig *server.PendingConfig `json:"pending_config,omitempty"`
}

// Claim attempts to claim the oldest queued run matching the capabilities.
func (c *Client) Claim(ctx context.Context, telemetry ClaimTelemetry) (*ClaimResult, error) {
	caps := make([]string, len(telemetry.Capabilities))
	for i, c := range telemetry.Capabilities {
		caps[i] = string(c)
	}

	payload := map[string]any{
		"capabilities":   caps,
		"backend":        telemetry.Backend,
		"poll_interval":  int(telemetry.PollInterval.Seconds()),
		"max_concurrent": telemetry.MaxConcurrent,
		"max_builds":     telemetry.MaxBuilds,
		"active_count":   telemetry.ActiveCount,
		"active_builds":  telemetry.ActiveBuilds,
		"status":         telemetry.Status,
	}

	var result ClaimResult
	if err := c.do(ctx, http.MethodPost, "/api/claude-runs/claim", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetTask fetches a task.
func (c *Client) GetTask(ctx context.Context, id string) (*core.Task, error) {
	var task core.Task
	if err := c.do(ctx, http.MethodGet, "/api/tasks/"+id, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListChildTasks fetches a task's direct subtasks.
func (c *Client) ListChildTasks(ctx context.Context, id string) ([]core.Task, error) {
	var tasks []core.Task
	if err := c.do(ctx, http.MethodGet, "/api/tasks/"+id+"/children", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetProject fetches a project.
func (c *Client) GetProject(ctx context.Context, id string) (*core.Project, error) {
	var project core.Project
	if err := c.do(ctx, http.MethodGet, "/api/projects/"+id, nil, &project); err != nil {
		return nil, err
	}
	return &project, nil
}

// GetRepoToken fetches the plaintext repo token, or "" when none is set.
func (c *Client) GetRepoToken(ctx context.Context, projectID string) (string, error) {
	data, err := c.doRaw(ctx, http.MethodGet, "/api/projects/"+projectID+"/repo-token", nil)
	if err != nil {
		return "", err
	}
	if data == nil {
		return "", nil
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	return resp.Token, nil
}

// UpdateTask applies a partial task update.
func (c *Client) UpdateTask(ctx context.Context, id string, update *core.UpdateTask) error {
	return c.do(ctx, http.MethodPatch, "/api/tasks/"+id, update, nil)
}

// UpdateRunStatus reports a run status transition.
func (c *Client) UpdateRunStatus(ctx context.Context, id string, status core.RunStatus, errorMessage *string, exitCode *int) error {
	payload := map[string]any{"status": string(status)}
	if errorMessage != nil {
		payload["error_message"] = *errorMessage
	}
	if exitCode != nil {
		payload["exit_code"] = *exitCode
	}
	return c.do(ctx, http.MethodPut, "/api/claude-runs/"+id+"/status", payload, nil)
}

// UpdateRunProgress reports a progress message. Lossy by design.
func (c *Client) UpdateRunProgress(ctx context.Context, id, message string) error {
	return c.do(ctx, http.MethodPut, "/api/claude-runs/"+id+"/progress",
		map[string]string{"message": message}, nil)
}

// SetRunPR records the PR triple on a run.
func (c *Client) SetRunPR(ctx context.Context, id, prURL string, prNumber int64, branch string) error {
	payload := map[string]any{
		"status":      string(core.RunCompleted),
		"pr_url":      prURL,
		"pr_number":   prNumber,
		"branch_name": branch,
	}
	return c.do(ctx, http.MethodPut, "/api/claude-runs/"+id+"/status", payload, nil)
}

// ListRuns fetches all runs for a task.
func (c *Client) ListRuns(ctx context.Context, taskID string) ([]core.Run, error) {
	var runs []core.Run
	if err := c.do(ctx, http.MethodGet, "/api/tasks/"+taskID+"/claude-runs", nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// CreateTaskPR links a PR to a task (idempotent on pr_url).
func (c *Client) CreateTaskPR(ctx context.Context, input *core.CreateTaskPR) error {
	return c.do(ctx, http.MethodPost, "/api/tasks/"+input.TaskID+"/prs", input, nil)
}

// ReadArtifact reads a task artifact, returning "" when it is absent.
func (c *Client) ReadArtifact(ctx context.Context, taskID, phase string) (string, error) {
	data, err := c.doRaw(ctx, http.MethodGet, "/api/tasks/"+taskID+"/artifacts/"+phase, nil)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteArtifact writes a task artifact.
func (c *Client) WriteArtifact(ctx context.Context, taskID, phase, content string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/api/tasks/"+taskID+"/artifacts/"+phase, strings.NewReader(content))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Runner-Id", c.runnerID)
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("write artifact: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}

// SaveRunPrompt persists the assembled prompt for diagnostics.
func (c *Client) SaveRunPrompt(ctx context.Context, runID, prompt string) error {
	return c.putRunBlob(ctx, runID, "prompt", prompt)
}

// SaveRunOutput persists the agent's stdout.
func (c *Client) SaveRunOutput(ctx context.Context, runID, output string) error {
	return c.putRunBlob(ctx, runID, "output", output)
}

func (c *Client) putRunBlob(ctx context.Context, runID, kind, content string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/api/claude-runs/"+runID+"/"+kind, strings.NewReader(content))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Runner-Id", c.runnerID)
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("save run %s: %w", kind, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("save run %s: status %d: %s", kind, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}

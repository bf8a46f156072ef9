package server

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/flowstate-dev/flowstate/internal/blob"
	"github.com/flowstate-dev/flowstate/internal/core"
	"github.com/flowstate-dev/flowstate/internal/crypto"
	"github.com/flowstate-dev/flowstate/internal/metrics"
	"github.com/flowstate-dev/flowstate/internal/podmanager"
	"github.com/flowstate-dev/flowstate/internal/storage"
)

var registerMetricsOnce sync.Once

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	registerMetricsOnce.Do(metrics.Register)

	db, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	key := make([]byte, crypto.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("key: %v", err)
	}

	store := blob.NewLocalStore(t.TempDir())
	podState := podmanager.NewState("")
	var podMu sync.Mutex

	srv := New(db, store, key, NewRegistry(), podState, &podMu)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, buf.Bytes()
}

func mustDecode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %T from %s: %v", v, data, err)
	}
	return v
}

func createProjectAndTask(t *testing.T, ts *httptest.Server) (core.Project, core.Task) {
	t.Helper()

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/projects",
		map[string]string{"name": "P", "slug": "p", "repo_url": "https://github.com/org/repo"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: status %d: %s", resp.StatusCode, body)
	}
	project := mustDecode[core.Project](t, body)

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/projects/"+project.ID+"/tasks",
		map[string]string{"title": "T"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create task: status %d: %s", resp.StatusCode, body)
	}
	return project, mustDecode[core.Task](t, body)
}

func approvePhases(t *testing.T, ts *httptest.Server, taskID string, phases map[string]string) {
	t.Helper()
	resp, body := doJSON(t, http.MethodPatch, ts.URL+"/api/tasks/"+taskID, phases, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: status %d: %s", resp.StatusCode, body)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := testServer(t)
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", resp.StatusCode, body)
	}
}

func TestProjectDoesNotLeakToken(t *testing.T) {
	_, ts := testServer(t)
	project, _ := createProjectAndTask(t, ts)

	resp, body := doJSON(t, http.MethodPut, ts.URL+"/api/projects/"+project.ID+"/repo-token",
		map[string]string{"token": "ghp_secret_token"}, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("set token: %d %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/projects/"+project.ID, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get project: %d", resp.StatusCode)
	}
	if bytes.Contains(body, []byte("ghp_secret_token")) {
		t.Error("project response leaked the plaintext token")
	}
	got := mustDecode[core.Project](t, body)
	if !got.HasRepoToken {
		t.Error("has_repo_token should be true")
	}

	// The token endpoint unseals back to the original plaintext.
	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/projects/"+project.ID+"/repo-token", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get token: %d %s", resp.StatusCode, body)
	}
	tokenResp := mustDecode[map[string]string](t, body)
	if tokenResp["token"] != "ghp_secret_token" {
		t.Errorf("token round trip = %q", tokenResp["token"])
	}
}

func TestGetRepoTokenMissing(t *testing.T) {
	_, ts := testServer(t)
	project, _ := createProjectAndTask(t, ts)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/projects/"+project.ID+"/repo-token", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing token: status %d, want 404", resp.StatusCode)
	}
}

func TestArtifactRoundTrip(t *testing.T) {
	_, ts := testServer(t)
	_, task := createProjectAndTask(t, ts)

	req, _ := http.NewRequest(http.MethodPut,
		ts.URL+"/api/tasks/"+task.ID+"/artifacts/research", bytes.NewReader([]byte("# R\nbody")))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put artifact: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("put artifact: status %d", resp.StatusCode)
	}

	getResp, body := doJSON(t, http.MethodGet, ts.URL+"/api/tasks/"+task.ID+"/artifacts/research", nil, nil)
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get artifact: status %d", getResp.StatusCode)
	}
	if string(body) != "# R\nbody" {
		t.Errorf("artifact = %q", body)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/tasks/"+task.ID+"/artifacts/nonsense", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown phase: status %d, want 400", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/tasks/"+task.ID+"/artifacts/plan", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("absent artifact: status %d, want 404", resp.StatusCode)
	}
}

func TestApprovalCapturesDigest(t *testing.T) {
	_, ts := testServer(t)
	_, task := createProjectAndTask(t, ts)

	req, _ := http.NewRequest(http.MethodPut,
		ts.URL+"/api/tasks/"+task.ID+"/artifacts/specification", bytes.NewReader([]byte("the spec")))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	approvePhases(t, ts, task.ID, map[string]string{"spec_status": "approved"})

	getResp, body := doJSON(t, http.MethodGet, ts.URL+"/api/tasks/"+task.ID, nil, nil)
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get task: %d", getResp.StatusCode)
	}
	got := mustDecode[core.Task](t, body)
	if got.SpecApprovedHash == nil || len(*got.SpecApprovedHash) != 64 {
		t.Errorf("spec_approved_hash = %v, want a sha256 hex digest", got.SpecApprovedHash)
	}
}

func TestExpandSubtasks(t *testing.T) {
	_, ts := testServer(t)
	_, task := createProjectAndTask(t, ts)

	plan := "# Plan\n\n#### SUBTASK: First piece\n**Capability:** light\n**Description:**\ndo it\n---\n"
	req, _ := http.NewRequest(http.MethodPut,
		ts.URL+"/api/tasks/"+task.ID+"/artifacts/plan", bytes.NewReader([]byte(plan)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	// Unapproved plan refuses to expand.
	expandResp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/tasks/"+task.ID+"/expand-subtasks", nil, nil)
	if expandResp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expand before approval: status %d, want 400", expandResp.StatusCode)
	}

	approvePhases(t, ts, task.ID, map[string]string{"plan_status": "approved"})

	expandResp, body := doJSON(t, http.MethodPost, ts.URL+"/api/tasks/"+task.ID+"/expand-subtasks", nil, nil)
	if expandResp.StatusCode != http.StatusCreated {
		t.Fatalf("expand: status %d: %s", expandResp.StatusCode, body)
	}
	created := mustDecode[[]core.Task](t, body)
	if len(created) != 1 || created[0].Title != "First piece" {
		t.Fatalf("created = %+v", created)
	}
	if created[0].BuildCapability == nil || *created[0].BuildCapability != core.CapabilityLight {
		t.Errorf("capability = %v, want light", created[0].BuildCapability)
	}

	// Re-running is idempotent.
	expandResp, body = doJSON(t, http.MethodPost, ts.URL+"/api/tasks/"+task.ID+"/expand-subtasks", nil, nil)
	if expandResp.StatusCode != http.StatusCreated {
		t.Fatalf("re-expand: status %d", expandResp.StatusCode)
	}
	if again := mustDecode[[]core.Task](t, body); len(again) != 0 {
		t.Errorf("re-expand created %d duplicates", len(again))
	}
}

func TestAPIKeyAuthGate(t *testing.T) {
	srv, ts := testServer(t)
	project, _ := createProjectAndTask(t, ts)

	if _, err := srv.db.CreateAPIKey("ci", "plain-key"); err != nil {
		t.Fatalf("create key: %v", err)
	}

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/projects/"+project.ID, nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no key: status %d, want 401", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/projects/"+project.ID, nil,
		map[string]string{"X-API-Key": "plain-key"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("with key: status %d, want 200", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/projects/"+project.ID, nil,
		map[string]string{"Authorization": "Bearer plain-key"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("bearer: status %d, want 200", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/projects/"+project.ID, nil,
		map[string]string{"X-API-Key": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong key: status %d, want 401", resp.StatusCode)
	}

	// Health stays open.
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health behind auth: status %d", resp.StatusCode)
	}
}

func TestPodEndpoints(t *testing.T) {
	_, ts := testServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/infra/pod-status", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pod-status: %d", resp.StatusCode)
	}
	status := mustDecode[map[string]any](t, body)
	if status["enabled"] != true {
		t.Errorf("enabled = %v", status["enabled"])
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/infra/pod/start", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pod start: %d %s", resp.StatusCode, body)
	}
	if got := mustDecode[map[string]string](t, body)["status"]; got != "start_requested" {
		t.Errorf("start status = %q", got)
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/infra/pod/stop", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pod stop: %d %s", resp.StatusCode, body)
	}
	if got := mustDecode[map[string]string](t, body)["status"]; got != "drain_requested" {
		t.Errorf("stop status = %q", got)
	}
}

func TestSetRunnerConfigUnknownRunner(t *testing.T) {
	_, ts := testServer(t)
	drain := true
	resp, _ := doJSON(t, http.MethodPut, ts.URL+"/api/infra/runners/ghost/config",
		PendingConfig{Drain: &drain}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown runner: status %d, want 404", resp.StatusCode)
	}
}

func triggerRun(t *testing.T, ts *httptest.Server, taskID, action string) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, http.MethodPost, ts.URL+"/api/tasks/"+taskID+"/claude-runs",
		map[string]string{"action": action}, nil)
}

func TestTriggerPreconditions(t *testing.T) {
	_, ts := testServer(t)
	_, task := createProjectAndTask(t, ts)

	// Research needs nothing.
	resp, body := triggerRun(t, ts, task.ID, "research")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("research trigger: %d %s", resp.StatusCode, body)
	}

	// Unknown action names are invalid input.
	resp, body = triggerRun(t, ts, task.ID, "deploy")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad action: status %d, want 400 (%s)", resp.StatusCode, body)
	}

	// Gates hold while nothing is approved.
	for _, action := range []string{"design", "plan", "build", "verify"} {
		resp, body = triggerRun(t, ts, task.ID, action)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s on fresh task: status %d, want 400 (%s)", action, resp.StatusCode, body)
		}
	}

	// Distills need their artifact.
	for _, action := range []string{"research_distill", "design_distill", "plan_distill", "verify_distill"} {
		resp, body = triggerRun(t, ts, task.ID, action)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s without artifact: status %d, want 400 (%s)", action, resp.StatusCode, body)
		}
	}

	// Approve research -> design opens; then spec -> plan; then plan -> build.
	approvePhases(t, ts, task.ID, map[string]string{"research_status": "approved"})
	if resp, body = triggerRun(t, ts, task.ID, "design"); resp.StatusCode != http.StatusCreated {
		t.Errorf("design after approval: %d %s", resp.StatusCode, body)
	}

	approvePhases(t, ts, task.ID, map[string]string{"spec_status": "approved"})
	if resp, body = triggerRun(t, ts, task.ID, "plan"); resp.StatusCode != http.StatusCreated {
		t.Errorf("plan after approval: %d %s", resp.StatusCode, body)
	}

	approvePhases(t, ts, task.ID, map[string]string{"plan_status": "approved"})
	if resp, body = triggerRun(t, ts, task.ID, "build"); resp.StatusCode != http.StatusCreated {
		t.Errorf("build after approvals: %d %s", resp.StatusCode, body)
	}

	// Verify needs a completed build or a linked PR; link a PR.
	resp, body = triggerRun(t, ts, task.ID, "verify")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("verify without build: status %d (%s)", resp.StatusCode, body)
	}
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/tasks/"+task.ID+"/prs",
		map[string]any{"pr_url": "https://example.com/pr/1", "pr_number": 1, "branch_name": "b"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("link pr: %d %s", resp.StatusCode, body)
	}
	if resp, body = triggerRun(t, ts, task.ID, "verify"); resp.StatusCode != http.StatusCreated {
		t.Errorf("verify with PR: %d %s", resp.StatusCode, body)
	}
}

func TestBuildTriggerSubtaskInheritsParent(t *testing.T) {
	_, ts := testServer(t)
	project, parent := createProjectAndTask(t, ts)

	approvePhases(t, ts, parent.ID, map[string]string{
		"spec_status": "approved", "plan_status": "approved",
	})

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/projects/"+project.ID+"/tasks",
		map[string]any{"title": "sub", "parent_id": parent.ID}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create subtask: %d %s", resp.StatusCode, body)
	}
	sub := mustDecode[core.Task](t, body)

	// The subtask itself is unapproved but inherits the parent's approvals.
	resp, body = triggerRun(t, ts, sub.ID, "build")
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("subtask build: status %d, want 201 (%s)", resp.StatusCode, body)
	}
}

func TestBuildTriggerRequiredCapabilityFromTask(t *testing.T) {
	_, ts := testServer(t)
	project, _ := createProjectAndTask(t, ts)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/projects/"+project.ID+"/tasks",
		map[string]any{"title": "heavy task", "build_capability": "heavy"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", resp.StatusCode, body)
	}
	task := mustDecode[core.Task](t, body)

	approvePhases(t, ts, task.ID, map[string]string{
		"spec_status": "approved", "plan_status": "approved",
	})

	resp, body = triggerRun(t, ts, task.ID, "build")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("build: %d %s", resp.StatusCode, body)
	}
	run := mustDecode[core.Run](t, body)
	if run.RequiredCapability == nil || *run.RequiredCapability != core.CapabilityHeavy {
		t.Errorf("required_capability = %v, want heavy", run.RequiredCapability)
	}
}

func TestClaimFlowOverHTTP(t *testing.T) {
	_, ts := testServer(t)
	_, task := createProjectAndTask(t, ts)

	// Empty queue claim returns a null run.
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/claude-runs/claim",
		claimInput{}, map[string]string{"X-Runner-Id": "runner-a"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", resp.StatusCode, body)
	}
	if claim := mustDecode[claimResponse](t, body); claim.Run != nil {
		t.Errorf("claim on empty queue returned a run")
	}

	if resp, body = triggerRun(t, ts, task.ID, "research"); resp.StatusCode != http.StatusCreated {
		t.Fatalf("trigger: %d %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/claude-runs/claim",
		claimInput{Capabilities: []string{"standard"}, Status: "active"},
		map[string]string{"X-Runner-Id": "runner-a"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", resp.StatusCode, body)
	}
	claim := mustDecode[claimResponse](t, body)
	if claim.Run == nil || claim.Run.Status != core.RunRunning {
		t.Fatalf("claim = %+v, want a running run", claim.Run)
	}
	if claim.Run.RunnerID == nil || *claim.Run.RunnerID != "runner-a" {
		t.Errorf("runner_id = %v, want runner-a", claim.Run.RunnerID)
	}

	// The claim registered the runner.
	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/infra/runners", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list runners: %d", resp.StatusCode)
	}
	runners := mustDecode[[]runnerResponse](t, body)
	if len(runners) != 1 || runners[0].RunnerID != "runner-a" {
		t.Fatalf("runners = %+v", runners)
	}
}

func TestPendingConfigDeliveredOnClaim(t *testing.T) {
	_, ts := testServer(t)

	// Register the runner via a claim.
	doJSON(t, http.MethodPost, ts.URL+"/api/claude-runs/claim", claimInput{},
		map[string]string{"X-Runner-Id": "runner-x"})

	drain := true
	resp, body := doJSON(t, http.MethodPut, ts.URL+"/api/infra/runners/runner-x/config",
		PendingConfig{Drain: &drain}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set config: %d %s", resp.StatusCode, body)
	}

	// Next claim delivers the config exactly once.
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/claude-runs/claim", claimInput{},
		map[string]string{"X-Runner-Id": "runner-x"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d", resp.StatusCode)
	}
	claim := mustDecode[claimResponse](t, body)
	if claim.PendingConfig == nil || claim.PendingConfig.Drain == nil || !*claim.PendingConfig.Drain {
		t.Fatalf("pending config = %+v, want drain", claim.PendingConfig)
	}

	_, body = doJSON(t, http.MethodPost, ts.URL+"/api/claude-runs/claim", claimInput{},
		map[string]string{"X-Runner-Id": "runner-x"})
	if again := mustDecode[claimResponse](t, body); again.PendingConfig != nil {
		t.Error("pending config delivered twice")
	}
}

func TestRunStatusUpdateOverHTTP(t *testing.T) {
	_, ts := testServer(t)
	_, task := createProjectAndTask(t, ts)

	_, body := triggerRun(t, ts, task.ID, "research")
	run := mustDecode[core.Run](t, body)

	doJSON(t, http.MethodPost, ts.URL+"/api/claude-runs/claim", claimInput{},
		map[string]string{"X-Runner-Id": "r"})

	code := 0
	resp, body := doJSON(t, http.MethodPut, ts.URL+"/api/claude-runs/"+run.ID+"/status",
		updateStatusInput{Status: "completed", ExitCode: &code}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", resp.StatusCode, body)
	}
	updated := mustDecode[core.Run](t, body)
	if updated.Status != core.RunCompleted || updated.FinishedAt == nil {
		t.Errorf("run = %+v, want terminal completed", updated)
	}

	// A late write from a confused runner is a no-op, not an error.
	resp, body = doJSON(t, http.MethodPut, ts.URL+"/api/claude-runs/"+run.ID+"/status",
		updateStatusInput{Status: "running"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("late status: %d %s", resp.StatusCode, body)
	}
	if got := mustDecode[core.Run](t, body); got.Status != core.RunCompleted {
		t.Errorf("terminal run reopened: %s", got.Status)
	}

	// Bad status names are invalid input.
	resp, _ = doJSON(t, http.MethodPut, ts.URL+"/api/claude-runs/"+run.ID+"/status",
		updateStatusInput{Status: "exploded"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad status name: %d, want 400", resp.StatusCode)
	}
}

func TestRunOutputEndpoints(t *testing.T) {
	_, ts := testServer(t)
	_, task := createProjectAndTask(t, ts)

	_, body := triggerRun(t, ts, task.ID, "research")
	run := mustDecode[core.Run](t, body)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/claude-runs/"+run.ID+"/output", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("output before write: %d, want 404", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPut,
		ts.URL+"/api/claude-runs/"+run.ID+"/output", bytes.NewReader([]byte("agent said things")))
	putResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	putResp.Body.Close()
	if putResp.StatusCode != http.StatusNoContent {
		t.Fatalf("put output: %d", putResp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/claude-runs/"+run.ID+"/output", nil, nil)
	if resp.StatusCode != http.StatusOK || string(body) != "agent said things" {
		t.Errorf("output = %d %q", resp.StatusCode, body)
	}
}

func TestTriggerUnknownTask(t *testing.T) {
	_, ts := testServer(t)
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/tasks/nope/claude-runs",
		map[string]string{"action": "research"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown task trigger: %d, want 404", resp.StatusCode)
	}
}

func TestErrorEnvelope(t *testing.T) {
	_, ts := testServer(t)
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/tasks/nope", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	envelope := mustDecode[map[string]string](t, body)
	if envelope["kind"] != "not_found" {
		t.Errorf("kind = %q, want not_found", envelope["kind"])
	}
	if envelope["error"] == "" {
		t.Error("error message missing")
	}
}

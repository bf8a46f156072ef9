package runner

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/flowstate-dev/flowstate/internal/agent"
	"github.com/flowstate-dev/flowstate/internal/config"
	"github.com/flowstate-dev/flowstate/internal/core"
	"github.com/flowstate-dev/flowstate/internal/githost"
	"github.com/flowstate-dev/flowstate/internal/prompt"
	"github.com/flowstate-dev/flowstate/internal/workspace"
)

// Executor dispatches claimed runs to their phase handlers. Every run gets
// a fresh workspace keyed by run ID, removed on every exit path.
type Executor struct {
	client  *Client
	cfg     *config.RunnerConfig
	backend agent.Agent
	// providerFor resolves the repo-hosting provider; swapped in tests.
	providerFor func(repoURL, token string, providerType core.ProviderType, skipTLS bool) (githost.Provider, error)
}

// NewExecutor creates an Executor.
func NewExecutor(client *Client, cfg *config.RunnerConfig, backend agent.Agent) *Executor {
	return &Executor{
		client:      client,
		cfg:         cfg,
		backend:     backend,
		providerFor: githost.ForURL,
	}
}

// Dispatch routes a claimed run. The caller wraps this in the action's
// wall-clock budget; ctx expiry is the timeout signal.
func (e *Executor) Dispatch(ctx context.Context, run *core.Run, task *core.Task, project *core.Project) error {
	wsDir := workspace.Dir(e.cfg.WorkspaceRoot, run.ID)
	log.Printf("[executor] workspace for run %s: %s", run.ID, wsDir)

	defer workspace.Cleanup(wsDir)

	switch run.Action {
	case core.ActionBuild:
		return e.executeBuild(ctx, run, task, project, wsDir)
	default:
		return e.executePhase(ctx, run, task, project, wsDir)
	}
}

// approvalUpdate returns the partial update that flips the action's phase
// to pending review.
func approvalUpdate(action core.Action) *core.UpdateTask {
	pending := core.ApprovalPending
	update := &core.UpdateTask{}
	switch action {
	case core.ActionResearch, core.ActionResearchDistill:
		update.ResearchStatus = &pending
	case core.ActionDesign, core.ActionDesignDistill:
		update.SpecStatus = &pending
	case core.ActionPlan, core.ActionPlanDistill:
		update.PlanStatus = &pending
	case core.ActionVerify, core.ActionVerifyDistill:
		update.VerifyStatus = &pending
	}
	return update
}

// artifactPhase maps an action to the artifact wire name it produces.
func artifactPhase(action core.Action) string {
	switch action {
	case core.ActionResearch, core.ActionResearchDistill:
		return "research"
	case core.ActionDesign, core.ActionDesignDistill:
		return "specification"
	case core.ActionPlan, core.ActionPlanDistill:
		return "plan"
	case core.ActionVerify, core.ActionVerifyDistill:
		return "verification"
	}
	return ""
}

// executePhase runs the shared scaffold for every non-build action:
// clone, assemble, invoke, capture artifact, flip approval to pending.
func (e *Executor) executePhase(ctx context.Context, run *core.Run, task *core.Task, project *core.Project, wsDir string) error {
	e.progress(ctx, run.ID, "Cloning repository...")
	token, err := e.client.GetRepoToken(ctx, project.ID)
	if err != nil {
		log.Printf("[executor] repo token for project %s: %v (cloning anonymously)", project.ID, err)
		token = ""
	}
	if err := workspace.Clone(ctx, wsDir, project.RepoURL, token, project.SkipTLSVerify); err != nil {
		return e.reportFailure(ctx, run.ID, fmt.Sprintf("clone failed: %v", err), nil)
	}

	// Verify runs against the branch the last completed build pushed.
	if run.Action == core.ActionVerify || run.Action == core.ActionVerifyDistill {
		if branch := e.latestBuildBranch(ctx, task.ID); branch != "" {
			e.progress(ctx, run.ID, "Checking out feature branch...")
			if err := workspace.Checkout(ctx, wsDir, branch); err != nil {
				log.Printf("[executor] checkout %s failed, continuing on default branch: %v", branch, err)
			}
		}
	}

	e.progress(ctx, run.ID, "Assembling prompt...")
	promptCtx, err := e.buildPromptContext(ctx, task, project, run.Action)
	if err != nil {
		return e.reportFailure(ctx, run.ID, fmt.Sprintf("assemble prompt: %v", err), nil)
	}
	assembled := prompt.Assemble(promptCtx, run.Action)

	e.savePrompt(ctx, run.ID, assembled)

	e.progress(ctx, run.ID, fmt.Sprintf("Running %s...", e.backend.Name()))
	output, err := e.backend.Run(ctx, assembled, wsDir, e.cfg.TimeoutForAction(run.Action), e.cfg.KillGrace)
	if err != nil {
		// Context expiry propagates so the supervisor can mark the timeout.
		return err
	}

	if output.Stdout != "" {
		if err := e.client.SaveRunOutput(ctx, run.ID, output.Stdout); err != nil {
			log.Printf("[executor] save run output: %v", err)
		}
	}

	if !output.Success {
		msg := output.Stderr
		if msg == "" {
			msg = fmt.Sprintf("agent exited with code %d", output.ExitCode)
		}
		return e.reportFailure(ctx, run.ID, msg, &output.ExitCode)
	}

	e.progress(ctx, run.ID, "Reading output...")
	content := e.readOutputFile(wsDir, prompt.OutputFile(run.Action), output.Stdout)

	e.progress(ctx, run.ID, "Writing artifact to server...")
	if err := e.client.WriteArtifact(ctx, task.ID, artifactPhase(run.Action), content); err != nil {
		return e.reportFailure(ctx, run.ID, fmt.Sprintf("write artifact: %v", err), nil)
	}

	if err := e.client.UpdateTask(ctx, task.ID, approvalUpdate(run.Action)); err != nil {
		return e.reportFailure(ctx, run.ID, fmt.Sprintf("update approval: %v", err), nil)
	}

	if err := e.client.UpdateRunStatus(ctx, run.ID, core.RunCompleted, nil, &output.ExitCode); err != nil {
		return fmt.Errorf("report success: %w", err)
	}
	log.Printf("[executor] %s complete for task %s", run.Action, task.ID)
	return nil
}

// readOutputFile reads the expected artifact file, falling back to the
// agent's stdout when the file was not written.
func (e *Executor) readOutputFile(wsDir, filename, stdout string) string {
	if filename == "" {
		return stdout
	}
	data, err := os.ReadFile(filepath.Join(wsDir, filename))
	if err != nil {
		return stdout
	}
	return string(data)
}

// latestBuildBranch finds the branch of the most recent completed build.
func (e *Executor) latestBuildBranch(ctx context.Context, taskID string) string {
	runs, err := e.client.ListRuns(ctx, taskID)
	if err != nil {
		return ""
	}
	// Runs arrive newest first.
	for _, r := range runs {
		if r.Action == core.ActionBuild && r.Status == core.RunCompleted && r.BranchName != nil {
			return *r.BranchName
		}
	}
	return ""
}

// buildPromptContext gathers everything the action may see: artifacts per
// the visibility table, distill feedback or forward-propagated reviewer
// notes, child summaries, and parent context for subtasks.
func (e *Executor) buildPromptContext(ctx context.Context, task *core.Task, project *core.Project, action core.Action) (*prompt.Context, error) {
	pc := &prompt.Context{
		ProjectName:     project.Name,
		RepoURL:         project.RepoURL,
		TaskTitle:       task.Title,
		TaskDescription: task.Description,
	}

	if prompt.SeesResearch(action) {
		pc.Research, _ = e.client.ReadArtifact(ctx, task.ID, "research")
	}
	if prompt.SeesSpec(action) {
		pc.Spec, _ = e.client.ReadArtifact(ctx, task.ID, "specification")
	}
	if prompt.SeesPlan(action) {
		pc.Plan, _ = e.client.ReadArtifact(ctx, task.ID, "plan")
	}
	if prompt.SeesVerification(action) {
		pc.Verification, _ = e.client.ReadArtifact(ctx, task.ID, "verification")
	}

	switch action {
	case core.ActionResearchDistill:
		pc.DistillFeedback = &task.ResearchFeedback
	case core.ActionDesignDistill:
		pc.DistillFeedback = &task.SpecFeedback
	case core.ActionPlanDistill:
		pc.DistillFeedback = &task.PlanFeedback
	case core.ActionVerifyDistill:
		pc.DistillFeedback = &task.VerifyFeedback
	}

	if pc.DistillFeedback == nil {
		pc.ReviewerNotes = reviewerNotes(task, action)
	}

	children, err := e.client.ListChildTasks(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("list child tasks: %w", err)
	}
	for _, c := range children {
		pc.ChildTasks = append(pc.ChildTasks, prompt.ChildTask{
			Title:       c.Title,
			Description: c.Description,
			Status:      string(c.Status),
		})
	}

	if action == core.ActionBuild && task.IsSubtask() {
		parent, err := e.client.GetTask(ctx, *task.ParentID)
		if err != nil {
			return nil, fmt.Errorf("fetch parent task: %w", err)
		}
		parentSpec, _ := e.client.ReadArtifact(ctx, parent.ID, "specification")
		parentPlan, _ := e.client.ReadArtifact(ctx, parent.ID, "plan")
		pc.Parent = &prompt.ParentContext{
			Title:       parent.Title,
			Description: parent.Description,
			Spec:        parentSpec,
			Plan:        parentPlan,
		}
	}

	return pc, nil
}

// reviewerNotes collects approved prior-phase feedback for forward
// propagation into non-distill prompts.
func reviewerNotes(task *core.Task, action core.Action) []prompt.ReviewerNote {
	var notes []prompt.ReviewerNote

	downstreamOfResearch := action == core.ActionDesign || action == core.ActionPlan ||
		action == core.ActionBuild || action == core.ActionVerify
	if downstreamOfResearch && task.ResearchStatus == core.ApprovalApproved && task.ResearchFeedback != "" {
		notes = append(notes, prompt.ReviewerNote{Phase: "Research", Note: task.ResearchFeedback})
	}

	downstreamOfSpec := action == core.ActionPlan || action == core.ActionBuild || action == core.ActionVerify
	if downstreamOfSpec && task.SpecStatus == core.ApprovalApproved && task.SpecFeedback != "" {
		notes = append(notes, prompt.ReviewerNote{Phase: "Specification", Note: task.SpecFeedback})
	}

	downstreamOfPlan := action == core.ActionBuild || action == core.ActionVerify
	if downstreamOfPlan && task.PlanStatus == core.ApprovalApproved && task.PlanFeedback != "" {
		notes = append(notes, prompt.ReviewerNote{Phase: "Plan", Note: task.PlanFeedback})
	}

	return notes
}

func (e *Executor) savePrompt(ctx context.Context, runID, assembled string) {
	if err := e.client.SaveRunPrompt(ctx, runID, assembled); err != nil {
		log.Printf("[executor] save prompt: %v", err)
	}
}

func (e *Executor) progress(ctx context.Context, runID, message string) {
	log.Printf("[executor] %s", message)
	if err := e.client.UpdateRunProgress(ctx, runID, message); err != nil {
		log.Printf("[executor] progress update: %v", err)
	}
}

func (e *Executor) reportFailure(ctx context.Context, runID, message string, exitCode *int) error {
	// Failure reports must land even when the run context is done.
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := e.client.UpdateRunStatus(reportCtx, runID, core.RunFailed, &message, exitCode); err != nil {
		return fmt.Errorf("report failure (%s): %w", message, err)
	}
	return nil
}

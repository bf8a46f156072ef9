package runner

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/flowstate-dev/flowstate/internal/core"
	"github.com/flowstate-dev/flowstate/internal/planparse"
	"github.com/flowstate-dev/flowstate/internal/prompt"
	"github.com/flowstate-dev/flowstate/internal/workspace"
)

// executeBuild runs the build pipeline: approvals, provider, clone,
// branch, agent, validation, commit, push, PR, linkage, board move.
func (e *Executor) executeBuild(ctx context.Context, run *core.Run, task *core.Task, project *core.Project, wsDir string) error {
	// Approvals can change between enqueue and claim; re-verify against the
	// effective vector (parent for subtasks).
	approvals, err := e.effectiveApprovals(ctx, task)
	if err != nil {
		return e.reportFailure(ctx, run.ID, fmt.Sprintf("fetch parent task: %v", err), nil)
	}
	if approvals.Spec != core.ApprovalApproved {
		return e.reportFailure(ctx, run.ID, "spec must be approved before building", nil)
	}
	if approvals.Plan != core.ApprovalApproved {
		return e.reportFailure(ctx, run.ID, "plan must be approved before building", nil)
	}

	token, err := e.client.GetRepoToken(ctx, project.ID)
	if err != nil {
		log.Printf("[pipeline] repo token for project %s: %v", project.ID, err)
		token = ""
	}

	e.progress(ctx, run.ID, "Checking repo auth...")
	provider, err := e.providerFor(project.RepoURL, token, project.ProviderType, project.SkipTLSVerify)
	if err != nil {
		return e.reportFailure(ctx, run.ID, fmt.Sprintf("unsupported repo provider: %v", err), nil)
	}
	if err := provider.Preflight(ctx); err != nil {
		return e.reportFailure(ctx, run.ID, fmt.Sprintf("provider preflight: %v", err), nil)
	}
	if err := provider.CheckAuth(ctx, project.RepoURL); err != nil {
		return e.reportFailure(ctx, run.ID, fmt.Sprintf("repo auth check failed: %v", err), nil)
	}

	e.progress(ctx, run.ID, "Cloning repository...")
	if err := workspace.Clone(ctx, wsDir, project.RepoURL, token, project.SkipTLSVerify); err != nil {
		return e.reportFailure(ctx, run.ID, fmt.Sprintf("clone failed: %v", err), nil)
	}

	defaultBranch, err := workspace.DetectDefaultBranch(ctx, wsDir)
	if err != nil {
		return e.reportFailure(ctx, run.ID, fmt.Sprintf("detect default branch: %v", err), nil)
	}

	e.progress(ctx, run.ID, "Creating feature branch...")
	branchName := "flowstate/" + Slugify(task.Title)
	if err := workspace.CreateBranch(ctx, wsDir, branchName); err != nil {
		return e.reportFailure(ctx, run.ID, fmt.Sprintf("create branch: %v", err), nil)
	}

	// Spec and plan are hard requirements for a build.
	spec, err := e.client.ReadArtifact(ctx, task.ID, "specification")
	if err != nil || spec == "" {
		return e.reportFailure(ctx, run.ID, "spec artifact is missing; approve a design first", nil)
	}
	plan, err := e.client.ReadArtifact(ctx, task.ID, "plan")
	if err != nil || plan == "" {
		return e.reportFailure(ctx, run.ID, "plan artifact is missing; approve a plan first", nil)
	}

	e.progress(ctx, run.ID, "Assembling build prompt...")
	promptCtx, err := e.buildPromptContext(ctx, task, project, core.ActionBuild)
	if err != nil {
		return e.reportFailure(ctx, run.ID, fmt.Sprintf("assemble prompt: %v", err), nil)
	}
	assembled := prompt.Assemble(promptCtx, core.ActionBuild)
	e.savePrompt(ctx, run.ID, assembled)

	e.progress(ctx, run.ID, fmt.Sprintf("Running %s...", e.backend.Name()))
	output, err := e.backend.Run(ctx, assembled, wsDir, e.cfg.BuildTimeout, e.cfg.KillGrace)
	if err != nil {
		return err
	}
	if output.Stdout != "" {
		if err := e.client.SaveRunOutput(ctx, run.ID, output.Stdout); err != nil {
			log.Printf("[pipeline] save run output: %v", err)
		}
	}
	if !output.Success {
		msg := output.Stderr
		if msg == "" {
			msg = fmt.Sprintf("agent exited with code %d", output.ExitCode)
		}
		return e.reportFailure(ctx, run.ID, msg, &output.ExitCode)
	}

	// Validation gates the push: nothing failing ever leaves the workspace.
	commands := planparse.ExtractValidationCommands(plan)
	if len(commands) > 0 {
		e.progress(ctx, run.ID, "Running validation tests...")
		log.Printf("[pipeline] running %d validation steps", len(commands))
		results, passed := runValidation(ctx, commands, wsDir)
		if !passed {
			log.Printf("[pipeline] validation failed, not pushing")
			code := 1
			return e.reportFailure(ctx, run.ID, formatValidationFailures(results), &code)
		}
		log.Printf("[pipeline] all validation steps passed")
	}

	e.progress(ctx, run.ID, "Committing changes...")
	commitMsg := fmt.Sprintf("feat: %s [flowstate]", task.Title)
	if err := workspace.AddAndCommit(ctx, wsDir, commitMsg); err != nil {
		return e.reportFailure(ctx, run.ID, fmt.Sprintf("commit failed: %v", err), nil)
	}

	e.progress(ctx, run.ID, "Pushing branch...")
	if err := provider.PushBranch(ctx, wsDir, branchName); err != nil {
		return e.reportFailure(ctx, run.ID, fmt.Sprintf("push failed: %v", err), nil)
	}

	e.progress(ctx, run.ID, "Opening pull request...")
	prBody := fmt.Sprintf("## Task\n\n%s\n\n## Description\n\n%s\n\n---\nGenerated by flowstate runner",
		task.Title, task.Description)
	pr, err := provider.OpenPullRequest(ctx, wsDir, branchName, task.Title, prBody, defaultBranch)
	if err != nil {
		return e.reportFailure(ctx, run.ID, fmt.Sprintf("PR creation failed: %v", err), nil)
	}

	// The PR triple lands with the terminal transition.
	if err := e.client.SetRunPR(ctx, run.ID, pr.URL, pr.Number, pr.Branch); err != nil {
		return fmt.Errorf("record PR on run: %w", err)
	}

	e.progress(ctx, run.ID, "Linking PR to task...")
	if err := e.client.CreateTaskPR(ctx, &core.CreateTaskPR{
		TaskID:     task.ID,
		RunID:      &run.ID,
		PRURL:      pr.URL,
		PRNumber:   pr.Number,
		BranchName: pr.Branch,
	}); err != nil {
		log.Printf("[pipeline] link PR to task: %v", err)
	}

	verify := core.BoardVerify
	if err := e.client.UpdateTask(ctx, task.ID, &core.UpdateTask{Status: &verify}); err != nil {
		return fmt.Errorf("advance task to verify: %w", err)
	}

	log.Printf("[pipeline] build complete: PR #%d at %s", pr.Number, pr.URL)
	return nil
}

func (e *Executor) effectiveApprovals(ctx context.Context, task *core.Task) (core.Approvals, error) {
	var parent *core.Task
	if task.IsSubtask() {
		p, err := e.client.GetTask(ctx, *task.ParentID)
		if err != nil {
			return core.Approvals{}, err
		}
		parent = p
	}
	return core.EffectiveApprovals(task, parent), nil
}

// Slugify turns a task title into a branch-safe slug: lowercase, runs of
// non-alphanumerics collapsed to single dashes, trimmed, at most 50 chars.
// Idempotent: Slugify(Slugify(x)) == Slugify(x).
func Slugify(title string) string {
	lower := strings.ToLower(title)

	var b strings.Builder
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}

	parts := strings.FieldsFunc(b.String(), func(r rune) bool { return r == '-' })
	slug := strings.Join(parts, "-")
	if len(slug) > 50 {
		slug = slug[:50]
		slug = strings.TrimRight(slug, "-")
	}
	return slug
}

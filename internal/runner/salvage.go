package runner

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/flowstate-dev/flowstate/internal/core"
	"github.com/flowstate-dev/flowstate/internal/planparse"
	"github.com/flowstate-dev/flowstate/internal/workspace"
)

// SalvageOutcome distinguishes the four ways a salvage attempt can end.
type SalvageOutcome int

const (
	// SalvagePRCut means a PR was cut from the rescued work.
	SalvagePRCut SalvageOutcome = iota
	// NothingToSalvage means the workspace held no code changes.
	NothingToSalvage
	// SalvageValidationFailed means work existed but validation failed.
	SalvageValidationFailed
	// SalvageError means the salvage process itself failed.
	SalvageError
)

func (o SalvageOutcome) String() string {
	switch o {
	case SalvagePRCut:
		return "pr_cut"
	case NothingToSalvage:
		return "nothing_to_salvage"
	case SalvageValidationFailed:
		return "validation_failed"
	default:
		return "salvage_error"
	}
}

// AttemptSalvage tries to rescue partial work from a timed-out build. The
// run is already timed_out and the agent subprocess reaped; work only
// escapes if it passes the plan's validation. Every path leaves the run in
// a deterministic terminal state.
func (e *Executor) AttemptSalvage(ctx context.Context, run *core.Run, task *core.Task, project *core.Project, wsDir string) SalvageOutcome {
	log.Printf("[salvage] starting salvage attempt for run %s", run.ID)
	e.salvageStatus(ctx, run.ID, core.RunSalvaging, "", nil)
	e.progress(ctx, run.ID, "salvage: assessing workspace...")

	if _, err := os.Stat(wsDir); err != nil {
		log.Printf("[salvage] workspace not found at %s", wsDir)
		e.salvageStatus(ctx, run.ID, core.RunFailed,
			"salvage: no workspace found, run timed out before work began", nil)
		return NothingToSalvage
	}

	hasChanges, err := workspace.HasChanges(ctx, wsDir)
	if err != nil {
		log.Printf("[salvage] git diff failed: %v", err)
		e.salvageStatus(ctx, run.ID, core.RunFailed, fmt.Sprintf("salvage: git diff failed: %v", err), nil)
		return SalvageError
	}
	if !hasChanges {
		log.Printf("[salvage] no changes found in workspace")
		e.salvageStatus(ctx, run.ID, core.RunFailed, "salvage: timed out with no code changes", nil)
		return NothingToSalvage
	}

	// Validation gates salvage exactly like a normal build.
	plan, _ := e.client.ReadArtifact(ctx, task.ID, "plan")
	commands := planparse.ExtractValidationCommands(plan)
	if len(commands) > 0 {
		log.Printf("[salvage] running %d validation steps", len(commands))
		e.progress(ctx, run.ID, fmt.Sprintf("salvage: running validation (%d steps)...", len(commands)))

		results, passed := runValidation(ctx, commands, wsDir)
		if !passed {
			log.Printf("[salvage] validation failed, marking run as failed")
			code := 1
			e.salvageStatus(ctx, run.ID, core.RunFailed,
				"salvage: validation failed after timeout:\n"+formatValidationFailures(results), &code)
			return SalvageValidationFailed
		}
		log.Printf("[salvage] all validation steps passed")
	}

	e.progress(ctx, run.ID, "salvage: committing changes...")
	commitMsg := fmt.Sprintf("feat: %s [flowstate] [salvaged]", task.Title)
	if err := workspace.AddAndCommit(ctx, wsDir, commitMsg); err != nil {
		log.Printf("[salvage] commit failed: %v", err)
		e.salvageStatus(ctx, run.ID, core.RunFailed, fmt.Sprintf("salvage: commit failed: %v", err), nil)
		return SalvageError
	}

	token, err := e.client.GetRepoToken(ctx, project.ID)
	if err != nil {
		token = ""
	}
	provider, err := e.providerFor(project.RepoURL, token, project.ProviderType, project.SkipTLSVerify)
	if err != nil {
		log.Printf("[salvage] unsupported repo provider: %v", err)
		e.salvageStatus(ctx, run.ID, core.RunFailed, fmt.Sprintf("salvage: unsupported repo provider: %v", err), nil)
		return SalvageError
	}

	branchName := workspace.CurrentBranch(ctx, wsDir)
	if branchName == "" {
		branchName = "flowstate/salvage-" + shortID(run.ID)
	}

	e.progress(ctx, run.ID, "salvage: pushing branch...")
	if err := provider.PushBranch(ctx, wsDir, branchName); err != nil {
		// The branch may have partially pushed before the timeout; retry
		// once with force-with-lease, then give up.
		log.Printf("[salvage] push failed (%v), trying force-with-lease...", err)
		if _, err2 := workspace.Git(ctx, wsDir, "push", "-u", "origin", branchName, "--force-with-lease"); err2 != nil {
			log.Printf("[salvage] force push also failed: %v", err2)
			e.salvageStatus(ctx, run.ID, core.RunFailed, fmt.Sprintf("salvage: push failed: %v", err), nil)
			return SalvageError
		}
	}

	e.progress(ctx, run.ID, "salvage: opening pull request...")
	defaultBranch, err := workspace.DetectDefaultBranch(ctx, wsDir)
	if err != nil {
		defaultBranch = "main"
	}

	prBody := fmt.Sprintf(
		"## Task\n\n%s\n\n## Description\n\n%s\n\n---\n**Note:** This PR was salvaged from a timed-out build run.\n\nGenerated by flowstate runner",
		task.Title, task.Description)

	pr, err := provider.OpenPullRequest(ctx, wsDir, branchName, task.Title, prBody, defaultBranch)
	if err != nil {
		log.Printf("[salvage] PR creation failed: %v", err)
		e.salvageStatus(ctx, run.ID, core.RunFailed, fmt.Sprintf("salvage: PR creation failed: %v", err), nil)
		return SalvageError
	}

	log.Printf("[salvage] PR #%d created at %s", pr.Number, pr.URL)

	// The PR triple is part of the success contract: a run must never read
	// completed while pointing at no PR.
	if err := e.client.SetRunPR(ctx, run.ID, pr.URL, pr.Number, pr.Branch); err != nil {
		log.Printf("[salvage] record PR failed: %v", err)
		e.salvageStatus(ctx, run.ID, core.RunFailed,
			fmt.Sprintf("salvage: PR #%d opened at %s but recording it failed: %v", pr.Number, pr.URL, err), nil)
		return SalvageError
	}

	// Linking the same pr_url is idempotent server-side, so a retried or
	// duplicate link is tolerated here.
	if err := e.client.CreateTaskPR(ctx, &core.CreateTaskPR{
		TaskID:     task.ID,
		RunID:      &run.ID,
		PRURL:      pr.URL,
		PRNumber:   pr.Number,
		BranchName: pr.Branch,
	}); err != nil {
		log.Printf("[salvage] link PR to task: %v", err)
	}

	verify := core.BoardVerify
	if err := e.client.UpdateTask(ctx, task.ID, &core.UpdateTask{Status: &verify}); err != nil {
		log.Printf("[salvage] advance task to verify: %v", err)
	}

	e.salvageStatus(ctx, run.ID, core.RunCompleted, "", nil)
	e.progress(ctx, run.ID, "salvaged after timeout")
	return SalvagePRCut
}

// salvageStatus reports a status transition on a context that survives the
// expired run deadline.
func (e *Executor) salvageStatus(ctx context.Context, runID string, status core.RunStatus, message string, exitCode *int) {
	reportCtx := context.WithoutCancel(ctx)

	var msgPtr *string
	if message != "" {
		msgPtr = &message
	}
	if err := e.client.UpdateRunStatus(reportCtx, runID, status, msgPtr, exitCode); err != nil {
		log.Printf("[salvage] report %s: %v", status, err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

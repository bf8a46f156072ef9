// Package prompt assembles the agent prompt for each action. All nine
// actions share one scaffold; they differ in which prior artifacts are
// visible, which feedback is injected, and which output file is requested.
package prompt

import (
	"fmt"
	"strings"

	"github.com/flowstate-dev/flowstate/internal/core"
)

// ChildTask is a one-line summary of a subtask shown to the agent.
type ChildTask struct {
	Title       string
	Description string
	Status      string
}

// ParentContext gives a subtask's agent the surrounding scope.
type ParentContext struct {
	Title       string
	Description string
	Spec        string
	Plan        string
}

// ReviewerNote is approved prior-phase feedback carried forward.
type ReviewerNote struct {
	Phase string
	Note  string
}

// Context is everything the prompt template can draw on. Artifact fields
// are only populated when the action may see them; Assemble trusts the
// caller (the runner's buildPromptContext enforces the visibility table).
type Context struct {
	ProjectName     string
	RepoURL         string
	TaskTitle       string
	TaskDescription string

	Research     string
	Spec         string
	Plan         string
	Verification string

	DistillFeedback *string
	ReviewerNotes   []ReviewerNote
	ChildTasks      []ChildTask
	Parent          *ParentContext
}

// OutputFile returns the artifact file the agent is expected to write for
// an action.
func OutputFile(action core.Action) string {
	switch action {
	case core.ActionResearch, core.ActionResearchDistill:
		return "RESEARCH.md"
	case core.ActionDesign, core.ActionDesignDistill:
		return "SPECIFICATION.md"
	case core.ActionPlan, core.ActionPlanDistill:
		return "PLAN.md"
	case core.ActionVerify, core.ActionVerifyDistill:
		return "VERIFICATION.md"
	}
	return ""
}

// SeesResearch reports whether an action's prompt includes the research
// artifact.
func SeesResearch(action core.Action) bool {
	switch action {
	case core.ActionDesign, core.ActionPlan, core.ActionBuild, core.ActionVerify,
		core.ActionResearchDistill, core.ActionDesignDistill,
		core.ActionPlanDistill, core.ActionVerifyDistill:
		return true
	}
	return false
}

// SeesSpec reports whether an action's prompt includes the specification.
func SeesSpec(action core.Action) bool {
	switch action {
	case core.ActionPlan, core.ActionBuild, core.ActionVerify,
		core.ActionPlanDistill, core.ActionVerifyDistill:
		return true
	}
	return false
}

// SeesPlan reports whether an action's prompt includes the plan.
func SeesPlan(action core.Action) bool {
	switch action {
	case core.ActionBuild, core.ActionVerify, core.ActionVerifyDistill:
		return true
	}
	return false
}

// SeesVerification reports whether an action's prompt includes the prior
// verification report. Only verify-distill re-reads it.
func SeesVerification(action core.Action) bool {
	return action == core.ActionVerifyDistill
}

var taskDirectives = map[core.Action]string{
	core.ActionResearch: "Research the codebase as it relates to this task. Identify the relevant modules, existing patterns, and constraints.",
	core.ActionDesign:   "Write a technical specification for this task: the behavior to build, interfaces, data shapes, and edge cases.",
	core.ActionPlan:     "Write an implementation plan for this task: ordered steps, files to touch, and a Validation section with fenced shell commands that prove the work.",
	core.ActionBuild:    "Implement the task in this repository following the specification and plan. Make the code compile and the validation commands pass.",
	core.ActionVerify:   "Verify the implementation on the current branch against the specification and plan. Report what holds and what does not.",
}

func directive(action core.Action) string {
	base := action
	switch action {
	case core.ActionResearchDistill:
		base = core.ActionResearch
	case core.ActionDesignDistill:
		base = core.ActionDesign
	case core.ActionPlanDistill:
		base = core.ActionPlan
	case core.ActionVerifyDistill:
		base = core.ActionVerify
	}
	return taskDirectives[base]
}

// Assemble renders the full prompt for an action.
func Assemble(ctx *Context, action core.Action) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Task: %s\n\n", ctx.TaskTitle)
	fmt.Fprintf(&b, "Project: %s\nRepository: %s\n\n", ctx.ProjectName, ctx.RepoURL)

	if ctx.TaskDescription != "" {
		fmt.Fprintf(&b, "## Description\n\n%s\n\n", ctx.TaskDescription)
	}

	if ctx.Parent != nil {
		fmt.Fprintf(&b, "## Parent Task\n\nThis is a subtask of: %s\n\n%s\n\n",
			ctx.Parent.Title, ctx.Parent.Description)
		if ctx.Parent.Spec != "" {
			fmt.Fprintf(&b, "### Parent Specification\n\n%s\n\n", ctx.Parent.Spec)
		}
		if ctx.Parent.Plan != "" {
			fmt.Fprintf(&b, "### Parent Plan\n\n%s\n\n", ctx.Parent.Plan)
		}
	}

	writeArtifact(&b, "Research", ctx.Research)
	writeArtifact(&b, "Specification", ctx.Spec)
	writeArtifact(&b, "Plan", ctx.Plan)
	writeArtifact(&b, "Previous Verification", ctx.Verification)

	if len(ctx.ChildTasks) > 0 {
		b.WriteString("## Subtasks\n\n")
		for _, c := range ctx.ChildTasks {
			fmt.Fprintf(&b, "- [%s] %s", c.Status, c.Title)
			if c.Description != "" {
				fmt.Fprintf(&b, " — %s", firstLine(c.Description))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if ctx.DistillFeedback != nil {
		fmt.Fprintf(&b, "## Reviewer Feedback\n\nA reviewer asked for changes to the previous version. Address every point:\n\n%s\n\n",
			*ctx.DistillFeedback)
	} else if len(ctx.ReviewerNotes) > 0 {
		b.WriteString("## Reviewer Notes From Earlier Phases\n\n")
		for _, n := range ctx.ReviewerNotes {
			fmt.Fprintf(&b, "### %s\n\n%s\n\n", n.Phase, n.Note)
		}
	}

	fmt.Fprintf(&b, "## Instructions\n\n%s\n", directive(action))
	if out := OutputFile(action); out != "" && action != core.ActionBuild {
		fmt.Fprintf(&b, "\nWrite your result to `%s` in the repository root.\n", out)
	}

	return b.String()
}

func writeArtifact(b *strings.Builder, title, content string) {
	if content == "" {
		return
	}
	fmt.Fprintf(b, "## %s\n\n%s\n\n", title, content)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

package core

import "time"

// ApprovalStatus is the review state of one phase artifact.
type ApprovalStatus string

const (
	ApprovalNone     ApprovalStatus = "none"
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ParseApprovalStatus parses a wire-format approval status.
// Returns false for unknown values.
func ParseApprovalStatus(s string) (ApprovalStatus, bool) {
	switch ApprovalStatus(s) {
	case ApprovalNone, ApprovalPending, ApprovalApproved, ApprovalRejected:
		return ApprovalStatus(s), true
	}
	return "", false
}

// BoardStatus is the active workflow-board column for a task.
// It is orthogonal to the approval vector.
type BoardStatus string

const (
	BoardTodo      BoardStatus = "todo"
	BoardResearch  BoardStatus = "research"
	BoardDesign    BoardStatus = "design"
	BoardPlan      BoardStatus = "plan"
	BoardBuild     BoardStatus = "build"
	BoardVerify    BoardStatus = "verify"
	BoardDone      BoardStatus = "done"
	BoardCancelled BoardStatus = "cancelled"
)

// ParseBoardStatus parses a wire-format board status.
func ParseBoardStatus(s string) (BoardStatus, bool) {
	switch BoardStatus(s) {
	case BoardTodo, BoardResearch, BoardDesign, BoardPlan, BoardBuild,
		BoardVerify, BoardDone, BoardCancelled:
		return BoardStatus(s), true
	}
	return "", false
}

// Capability scopes which runners may service a run.
type Capability string

const (
	CapabilityLight    Capability = "light"
	CapabilityStandard Capability = "standard"
	CapabilityHeavy    Capability = "heavy"
)

// ParseCapability parses a wire-format capability tag.
func ParseCapability(s string) (Capability, bool) {
	switch Capability(s) {
	case CapabilityLight, CapabilityStandard, CapabilityHeavy:
		return Capability(s), true
	}
	return "", false
}

// Task is the unit of work. It carries a four-field approval vector
// (research, spec, plan, verify), one free-text feedback slot per phase,
// and content hashes captured at approval time for drift detection.
type Task struct {
	ID          string      `json:"id"`
	ProjectID   string      `json:"project_id"`
	ParentID    *string     `json:"parent_id,omitempty"`
	SprintID    *string     `json:"sprint_id,omitempty"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Reviewer    string      `json:"reviewer"`
	Status      BoardStatus `json:"status"`
	SortOrder   float64     `json:"sort_order"`

	ResearchStatus ApprovalStatus `json:"research_status"`
	SpecStatus     ApprovalStatus `json:"spec_status"`
	PlanStatus     ApprovalStatus `json:"plan_status"`
	VerifyStatus   ApprovalStatus `json:"verify_status"`

	ResearchFeedback string `json:"research_feedback"`
	SpecFeedback     string `json:"spec_feedback"`
	PlanFeedback     string `json:"plan_feedback"`
	VerifyFeedback   string `json:"verify_feedback"`

	ResearchApprovedHash *string `json:"research_approved_hash,omitempty"`
	SpecApprovedHash     *string `json:"spec_approved_hash,omitempty"`

	ResearchCapability *Capability `json:"research_capability,omitempty"`
	DesignCapability   *Capability `json:"design_capability,omitempty"`
	PlanCapability     *Capability `json:"plan_capability,omitempty"`
	BuildCapability    *Capability `json:"build_capability,omitempty"`
	VerifyCapability   *Capability `json:"verify_capability,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsSubtask reports whether the task has a parent.
func (t *Task) IsSubtask() bool {
	return t.ParentID != nil && *t.ParentID != ""
}

// Approvals is the effective approval vector used for phase gating.
type Approvals struct {
	Research ApprovalStatus
	Spec     ApprovalStatus
	Plan     ApprovalStatus
	Verify   ApprovalStatus
}

// EffectiveApprovals resolves the approval vector that gates a task's
// phases. Subtasks inherit their parent's approvals; top-level tasks use
// their own. The check walks exactly one level — grandparents are never
// consulted. parent may be nil for top-level tasks.
func EffectiveApprovals(task *Task, parent *Task) Approvals {
	src := task
	if task.IsSubtask() && parent != nil {
		src = parent
	}
	return Approvals{
		Research: src.ResearchStatus,
		Spec:     src.SpecStatus,
		Plan:     src.PlanStatus,
		Verify:   src.VerifyStatus,
	}
}

// CapabilityForAction returns the task's capability override for the
// given action's phase, or nil when the phase has none.
func (t *Task) CapabilityForAction(action Action) *Capability {
	switch action {
	case ActionResearch, ActionResearchDistill:
		return t.ResearchCapability
	case ActionDesign, ActionDesignDistill:
		return t.DesignCapability
	case ActionPlan, ActionPlanDistill:
		return t.PlanCapability
	case ActionBuild:
		return t.BuildCapability
	case ActionVerify, ActionVerifyDistill:
		return t.VerifyCapability
	}
	return nil
}

// CreateTask is the input for task creation.
type CreateTask struct {
	ProjectID   string      `json:"project_id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Reviewer    string      `json:"reviewer"`
	Status      BoardStatus `json:"status"`
	ParentID    *string     `json:"parent_id,omitempty"`
	SprintID    *string     `json:"sprint_id,omitempty"`

	ResearchCapability *Capability `json:"research_capability,omitempty"`
	DesignCapability   *Capability `json:"design_capability,omitempty"`
	PlanCapability     *Capability `json:"plan_capability,omitempty"`
	BuildCapability    *Capability `json:"build_capability,omitempty"`
	VerifyCapability   *Capability `json:"verify_capability,omitempty"`
}

// UpdateTask is a partial update; nil fields are left unchanged.
type UpdateTask struct {
	Title       *string      `json:"title,omitempty"`
	Description *string      `json:"description,omitempty"`
	Reviewer    *string      `json:"reviewer,omitempty"`
	Status      *BoardStatus `json:"status,omitempty"`
	SortOrder   *float64     `json:"sort_order,omitempty"`
	SprintID    *string      `json:"sprint_id,omitempty"`

	ResearchStatus *ApprovalStatus `json:"research_status,omitempty"`
	SpecStatus     *ApprovalStatus `json:"spec_status,omitempty"`
	PlanStatus     *ApprovalStatus `json:"plan_status,omitempty"`
	VerifyStatus   *ApprovalStatus `json:"verify_status,omitempty"`

	ResearchFeedback *string `json:"research_feedback,omitempty"`
	SpecFeedback     *string `json:"spec_feedback,omitempty"`
	PlanFeedback     *string `json:"plan_feedback,omitempty"`
	VerifyFeedback   *string `json:"verify_feedback,omitempty"`

	ResearchApprovedHash *string `json:"research_approved_hash,omitempty"`
	SpecApprovedHash     *string `json:"spec_approved_hash,omitempty"`
}

package domain

// IssueType is the level of an issue in the work hierarchy
type IssueType string

const (
	IssueEpic    IssueType = "epic"
	IssueStory   IssueType = "story"
	IssueSubtask IssueType = "subtask"
)

// IssueState is the lifecycle state of an issue in the tracker
type IssueState string

const (
	StateBacklog        IssueState = "backlog"
	StatePlanReview     IssueState = "plan_review"
	StateSelectedForDev IssueState = "selected_for_development"
	StateInProgress     IssueState = "in_progress"
	StateInTesting      IssueState = "in_testing"
	StateDone           IssueState = "done"
	StateNeedsRework    IssueState = "needs_rework"
	StateBlocked        IssueState = "blocked"
)

// Issue is the worker's view of a tracked work item, fetched from the
// tracker collaborator. It is a transient projection, never persisted.
type Issue struct {
	Key         string
	Type        IssueType
	Summary     string
	Description string
	State       IssueState
	ParentKey   string
	Children    []string
	Comments    []string
	ProjectKey  string
}

// ChildSpec describes one child issue a plan wants created
type ChildSpec struct {
	Summary     string
	Description string
	Type        IssueType
}

package domain

import "time"

// RunStatus represents the execution state of a run
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunClaimed   RunStatus = "claimed"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunBlocked   RunStatus = "blocked"
)

// IsTerminal reports whether the status allows no further transitions.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunBlocked:
		return true
	}
	return false
}

// Priority represents run priority
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns the scheduling rank of a priority, lower runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Run represents a single attempt to process an issue
type Run struct {
	ID           string
	IssueKey     string
	Status       RunStatus
	Priority     Priority
	RepoKey      string
	LockedBy     string
	LockedAt     *time.Time
	AttemptCount int
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Metrics      RunMetrics
}

// RunMetrics holds token/cost/timing counters for a run. It is the only
// part of a terminal run that may still be updated.
type RunMetrics struct {
	TokensInput  int     `json:"tokens_input,omitempty"`
	TokensOutput int     `json:"tokens_output,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	WallSeconds  float64 `json:"wall_seconds,omitempty"`
	FixAttempts  int     `json:"fix_attempts,omitempty"`
}

// Event is one append-only audit record for a run
type Event struct {
	ID        int
	RunID     string
	Timestamp time.Time
	Level     string
	Message   string
	Metadata  map[string]string
}

// Event levels
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// ChildFlag records that child issues were already created for a parent.
// Presence of the flag is authoritative; the external tracker is never
// re-queried to decide whether creation already happened.
type ChildFlag struct {
	ParentKey  string
	ChildCount int
	CreatedBy  string
	CreatedAt  time.Time
}

// RollbackTag is a named pointer to the pre-change position of a run,
// created immediately before the first commit.
type RollbackTag struct {
	Name      string
	RunID     string
	IssueKey  string
	RepoKey   string
	Target    string
	CreatedAt time.Time
}

// QueueStats summarizes the queue for the operational surface. ByRepo counts
// runs of every status; InFlightByRepo only claimed and running ones.
type QueueStats struct {
	ByStatus       map[RunStatus]int `json:"by_status"`
	ByPriority     map[Priority]int  `json:"by_priority"`
	ByRepo         map[string]int    `json:"by_repo"`
	InFlightByRepo map[string]int    `json:"in_flight_by_repo"`
}

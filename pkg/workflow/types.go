// Package workflow provides the in-process workflow progress tracker:
// an active-workflow registry with weighted milestones, per-workflow
// callbacks, and periodic cleanup of stale workflows.
package workflow

import "time"

// Stage identifies where a workflow is in its lifecycle.
type Stage string

// Workflow stages.
const (
	StageInitializing Stage = "initializing"
	StagePlanning     Stage = "planning"
	StageExecuting    Stage = "executing"
	StageValidating   Stage = "validating"
	StageFinalizing   Stage = "finalizing"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
	StageCancelled    Stage = "cancelled"
)

// IsValid checks if the stage is a known value.
func (s Stage) IsValid() bool {
	switch s {
	case StageInitializing, StagePlanning, StageExecuting, StageValidating,
		StageFinalizing, StageCompleted, StageFailed, StageCancelled:
		return true
	default:
		return false
	}
}

// Status is a workflow's coarse lifecycle state.
type Status string

// Workflow statuses. Terminal statuses are absorbing.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is absorbing.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Milestone is a weighted named checkpoint. Completing milestones drives
// the weighted share of a workflow's progress percentage.
type Milestone struct {
	MilestoneID string         `json:"milestone_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Stage       Stage          `json:"stage"`
	Weight      float64        `json:"weight"`
	Completed   bool           `json:"completed"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Duration    *time.Duration `json:"duration,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Progress is the tracked state of one workflow. The tracker owns the
// canonical copy; callers receive snapshots.
type Progress struct {
	WorkflowID          string         `json:"workflow_id"`
	WorkflowType        string         `json:"workflow_type"`
	UserID              string         `json:"user_id,omitempty"`
	StartTime           time.Time      `json:"start_time"`
	LastUpdate          time.Time      `json:"last_update"`
	CurrentStage        Stage          `json:"current_stage"`
	Status              Status         `json:"status"`
	ProgressPercentage  float64        `json:"progress_percentage"`
	Milestones          []Milestone    `json:"milestones"`
	CurrentStep         string         `json:"current_step,omitempty"`
	TotalSteps          int            `json:"total_steps,omitempty"`
	CompletedSteps      int            `json:"completed_steps"`
	EstimatedCompletion *time.Time     `json:"estimated_completion,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	ErrorMessage        string         `json:"error_message,omitempty"`
}

// StartRequest describes a workflow to begin tracking.
type StartRequest struct {
	WorkflowType      string
	UserID            string
	WorkflowID        string // empty = generated
	TotalSteps        int
	EstimatedDuration time.Duration
	Milestones        []Milestone
}

// ProgressUpdate carries the optional fields of one progress update. Nil
// pointers leave the corresponding Progress field untouched.
type ProgressUpdate struct {
	Stage               *Stage
	Status              *Status
	CurrentStep         *string
	CompletedSteps      *int
	TotalSteps          *int
	EstimatedCompletion *time.Time
	Metadata            map[string]any
}

// Callback is invoked with a snapshot after every update to a workflow it
// is registered on. Callback failures are isolated and logged.
type Callback func(workflowID string, snapshot Progress)

// CallbackID identifies a registered callback for later removal.
type CallbackID int

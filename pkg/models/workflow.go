package models

import "time"

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowPlanning  WorkflowStatus = "planning"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowPending, WorkflowPlanning, WorkflowRunning, WorkflowPaused,
		WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for completed, failed and cancelled workflows.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// WorkflowConfig holds the caller-supplied limits for a workflow.
type WorkflowConfig struct {
	// MaxDuration is the wall-clock budget, measured from the first start. Zero means unlimited.
	MaxDuration time.Duration `json:"max_duration,omitempty" yaml:"max_duration"`
	// MaxCostUSD caps total spend. Zero means unlimited.
	MaxCostUSD float64 `json:"max_cost_usd,omitempty" yaml:"max_cost_usd"`
	// RequireHumanApproval gates the workflow on an approval before the first dispatch.
	RequireHumanApproval bool `json:"require_human_approval,omitempty" yaml:"require_human_approval"`
	// Concurrency is the per-workflow dispatch limit. Zero uses the engine default.
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency"`
	// Context is passed to the planner alongside the goal.
	Context map[string]string `json:"context,omitempty" yaml:"context"`
}

// TaskFailure describes one task responsible for a workflow failure.
type TaskFailure struct {
	TaskID string `json:"task_id"`
	Name   string `json:"name"`
	Class  string `json:"class"`
	Error  string `json:"error"`
}

// FailureReport is attached to failed workflows for diagnosis and resume.
type FailureReport struct {
	Tasks          []TaskFailure `json:"tasks"`
	Reason         string        `json:"reason,omitempty"`
	LastSnapshotID string        `json:"last_snapshot_id,omitempty"`
}

// Workflow is a goal-directed unit of work decomposed into a task graph.
type Workflow struct {
	ID     string         `json:"id"`
	Goal   string         `json:"goal"`
	Status WorkflowStatus `json:"status"`
	// CreatedAt is when the workflow was created.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is the first time the workflow entered Running; the deadline derives from it.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// FinishedAt is set when the workflow reaches a terminal status.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	// MaxDuration, MaxCostUSD and RequireHumanApproval mirror WorkflowConfig.
	MaxDuration          time.Duration `json:"max_duration,omitempty"`
	MaxCostUSD           float64       `json:"max_cost_usd,omitempty"`
	RequireHumanApproval bool          `json:"require_human_approval,omitempty"`
	Concurrency          int           `json:"concurrency,omitempty"`
	// Approval tracks the workflow-level approval gate.
	Approval ApprovalState `json:"approval,omitempty"`
	// TaskIDs lists tasks in insertion (topological) order.
	TaskIDs []string `json:"task_ids"`
	// SpentUSD is the cost consumed by completed executions.
	SpentUSD float64 `json:"spent_usd"`
	// Failure is set when the workflow fails.
	Failure *FailureReport `json:"failure,omitempty"`
}

// Deadline returns the absolute wall-clock deadline, or the zero time if unbounded.
func (w *Workflow) Deadline() time.Time {
	if w.MaxDuration <= 0 || w.StartedAt == nil {
		return time.Time{}
	}
	return w.StartedAt.Add(w.MaxDuration)
}

// Clone returns a deep copy of the workflow.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	c := *w
	c.TaskIDs = append([]string(nil), w.TaskIDs...)
	if w.StartedAt != nil {
		v := *w.StartedAt
		c.StartedAt = &v
	}
	if w.FinishedAt != nil {
		v := *w.FinishedAt
		c.FinishedAt = &v
	}
	if w.Failure != nil {
		f := *w.Failure
		f.Tasks = append([]TaskFailure(nil), w.Failure.Tasks...)
		c.Failure = &f
	}
	return &c
}

// DeriveStatus computes the workflow status from aggregate task statuses.
// Completed when every task is terminal and no required task failed, Failed when
// a required task failed, Running otherwise.
func DeriveStatus(tasks []*Task) WorkflowStatus {
	allTerminal := true
	for _, t := range tasks {
		if t.Status == TaskStatusFailed && !t.Optional {
			return WorkflowFailed
		}
		if !t.Status.IsTerminal() {
			allTerminal = false
		}
	}
	if allTerminal {
		return WorkflowCompleted
	}
	return WorkflowRunning
}

package orchestrator

import (
	"time"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventWorkflowStarted indicates a workflow run loop started or resumed.
	EventWorkflowStarted EventType = "workflow_started"
	// EventWorkflowPaused indicates dispatch was paused.
	EventWorkflowPaused EventType = "workflow_paused"
	// EventWorkflowResumed indicates dispatch was resumed after a pause.
	EventWorkflowResumed EventType = "workflow_resumed"
	// EventWorkflowFinished indicates the workflow reached a terminal status.
	EventWorkflowFinished EventType = "workflow_finished"
	// EventTaskReady indicates every dependency of a task is satisfied.
	EventTaskReady EventType = "task_ready"
	// EventTaskStarted indicates a task execution was dispatched.
	EventTaskStarted EventType = "task_started"
	// EventTaskSucceeded indicates a task produced an accepted result.
	EventTaskSucceeded EventType = "task_succeeded"
	// EventTaskRetrying indicates a failed attempt will be retried or fall back.
	EventTaskRetrying EventType = "task_retrying"
	// EventTaskFailed indicates a task exhausted recovery.
	EventTaskFailed EventType = "task_failed"
	// EventTaskSkipped indicates a task will not run.
	EventTaskSkipped EventType = "task_skipped"
	// EventTaskCancelled indicates a task was cancelled with its workflow.
	EventTaskCancelled EventType = "task_cancelled"
	// EventApprovalRequested indicates dispatch is waiting for a human decision.
	EventApprovalRequested EventType = "approval_requested"
	// EventApprovalResolved indicates an approval wait ended.
	EventApprovalResolved EventType = "approval_resolved"
	// EventBudgetWarning indicates spend crossed the warning threshold.
	EventBudgetWarning EventType = "budget_warning"
	// EventSnapshotSaved indicates a snapshot became durable.
	EventSnapshotSaved EventType = "snapshot_saved"
)

// Event represents an event emitted by the orchestrator.
type Event struct {
	// Type is the kind of event.
	Type       EventType
	WorkflowID string
	// TaskID and TaskName identify the related task, if applicable.
	TaskID   string
	TaskName string
	// AgentID and Model identify the executor, if applicable.
	AgentID string
	Model   string
	// Status is the task or workflow status after the event.
	Status string
	// Attempt is the 1-based execution attempt for task events.
	Attempt int
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error error
	// CostUSD is the workflow spend at the time of the event.
	CostUSD float64
	// SnapshotID is set on snapshot_saved events.
	SnapshotID string
	// Timestamp is when the event occurred.
	Timestamp time.Time
}

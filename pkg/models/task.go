package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting on dependencies.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusReady indicates every dependency is satisfied and the task can be dispatched.
	TaskStatusReady TaskStatus = "ready"
	// TaskStatusRunning indicates an execution is in flight.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusSucceeded indicates the task completed successfully.
	TaskStatusSucceeded TaskStatus = "succeeded"
	// TaskStatusFailed indicates the task exhausted recovery.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusSkipped indicates the task will not run (see SkipReason).
	TaskStatusSkipped TaskStatus = "skipped"
	// TaskStatusCancelled indicates the workflow was cancelled before the task ran.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusReady, TaskStatusRunning, TaskStatusSucceeded,
		TaskStatusFailed, TaskStatusSkipped, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the task will not change state again.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusSkipped, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Skip reasons recorded on skipped tasks.
const (
	SkipUpstreamFailed   = "upstream_failed"
	SkipUpstreamSkipped  = "upstream_skipped"
	SkipWorkflowFailed   = "workflow_failed"
	SkipBudgetExceeded   = "budget_exceeded"
	SkipApprovalRejected = "approval_rejected"
	SkipApprovalTimeout  = "approval_timeout"
)

// ApprovalState tracks a human approval gate on a task.
type ApprovalState string

const (
	ApprovalNone     ApprovalState = ""
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
	ApprovalTimedOut ApprovalState = "timeout"
)

// ToolCall records a tool invocation reported by an agent execution.
type ToolCall struct {
	Name  string `json:"name"`
	Input string `json:"input,omitempty"`
}

// TaskResult is the output of a successful execution.
type TaskResult struct {
	// Output is the final answer produced for the task.
	Output string `json:"output"`
	// Confidence is the self-reported confidence (0-1), if the agent reported one.
	Confidence *float64 `json:"confidence,omitempty"`
	// ToolCalls lists the tools the agent invoked.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// Memory holds notes the agent wants to remember for later tasks.
	Memory []string `json:"memory,omitempty"`
	// InputTokens and OutputTokens report usage for cost accounting.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
	// CostUSD is the actual cost of producing this result.
	CostUSD float64 `json:"cost_usd,omitempty"`
	// AgentID and Model identify who produced the result.
	AgentID string `json:"agent_id,omitempty"`
	Model   string `json:"model,omitempty"`
	// Resolution names how a collaborative result was reached (vote, synthesis, single).
	Resolution string `json:"resolution,omitempty"`
}

// Clone returns a deep copy of the result.
func (r *TaskResult) Clone() *TaskResult {
	if r == nil {
		return nil
	}
	c := *r
	if r.Confidence != nil {
		v := *r.Confidence
		c.Confidence = &v
	}
	c.ToolCalls = append([]ToolCall(nil), r.ToolCalls...)
	c.Memory = append([]string(nil), r.Memory...)
	return &c
}

// Task represents a unit of work in a workflow's graph.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// WorkflowID is the workflow this task belongs to.
	WorkflowID string `json:"workflow_id"`
	// Name is unique within the workflow and is what depends_on refers to in task specs.
	Name string `json:"name"`
	// Description provides detailed information about the task.
	Description string `json:"description,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// DependsOn lists task IDs that must be satisfied before this task.
	DependsOn []string `json:"depends_on,omitempty"`
	// Role is the suggested agent role.
	Role string `json:"role,omitempty"`
	// Capabilities are the model capabilities this task requires.
	Capabilities []Capability `json:"capabilities,omitempty"`
	// AssignedAgentID is the agent explicitly or last assigned to this task.
	AssignedAgentID string `json:"assigned_agent_id,omitempty"`
	// AssignedModel is the key of the model used by the last execution.
	AssignedModel string `json:"assigned_model,omitempty"`
	// Result is set once the task succeeds.
	Result *TaskResult `json:"result,omitempty"`
	// RetryCount is the number of recovery attempts consumed.
	RetryCount int `json:"retry_count"`
	// LastError is the message of the most recent failure.
	LastError string `json:"last_error,omitempty"`
	// ErrorClass is the classification of the most recent failure.
	ErrorClass string `json:"error_class,omitempty"`
	// SkipReason explains why a task was skipped.
	SkipReason string `json:"skip_reason,omitempty"`
	// HighStakes flags the task for collaborative verification.
	HighStakes bool `json:"high_stakes,omitempty"`
	// Optional tasks may fail without failing the workflow.
	Optional bool `json:"optional,omitempty"`
	// RequireApproval gates dispatch on a human approval.
	RequireApproval bool `json:"require_approval,omitempty"`
	// Approval is the state of the approval gate, if any.
	Approval ApprovalState `json:"approval,omitempty"`
	// TimeoutSeconds bounds each execution attempt. Zero uses the configured default.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	// EstimatedContextTokens and EstimatedOutputTokens feed model routing and cost estimates.
	EstimatedContextTokens int `json:"estimated_context_tokens,omitempty"`
	EstimatedOutputTokens  int `json:"estimated_output_tokens,omitempty"`
	// LatencySensitive prefers fast models.
	LatencySensitive bool `json:"latency_sensitive,omitempty"`
	// MaxCostUSD is a per-task cost ceiling for model selection. Zero means none.
	MaxCostUSD float64 `json:"max_cost_usd,omitempty"`
	// Iteration is the 1-based step of an expanded iterative task, zero otherwise.
	Iteration int `json:"iteration,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the task last entered Running.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Timeout returns the per-attempt timeout, falling back to def when unset.
func (t *Task) Timeout(def time.Duration) time.Duration {
	if t.TimeoutSeconds > 0 {
		return time.Duration(t.TimeoutSeconds) * time.Second
	}
	return def
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.Capabilities = append([]Capability(nil), t.Capabilities...)
	c.Result = t.Result.Clone()
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

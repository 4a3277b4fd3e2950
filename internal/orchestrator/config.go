package orchestrator

import (
	"fmt"
	"time"
)

// Approval timeout policies.
const (
	ApprovalTimeoutFail = "fail"
	ApprovalTimeoutSkip = "skip"
)

// Config holds engine-wide scheduling settings. Per-workflow limits in
// models.WorkflowConfig override the duration and cost defaults.
type Config struct {
	// Concurrency is the default per-workflow dispatch limit.
	Concurrency int `mapstructure:"concurrency"`
	// GlobalConcurrency bounds in-flight executions across all workflows.
	GlobalConcurrency int `mapstructure:"global_concurrency"`
	// MaxTasks caps planner output.
	MaxTasks int `mapstructure:"max_tasks"`
	// MaxIterations bounds iterative task expansion.
	MaxIterations int `mapstructure:"max_iterations"`
	// ApprovalTimeout bounds every approval wait.
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout"`
	// ApprovalTimeoutPolicy is ApprovalTimeoutFail or ApprovalTimeoutSkip. It
	// applies to task approvals; a timed-out workflow approval always fails
	// the workflow.
	ApprovalTimeoutPolicy string `mapstructure:"approval_timeout_policy"`
	// ContinueOnFailure keeps independent branches running after a required
	// task fails. The workflow still ends Failed.
	ContinueOnFailure bool `mapstructure:"continue_on_failure"`
	// AllowSkippedDependencies lets a Skipped dependency satisfy its dependents.
	AllowSkippedDependencies bool `mapstructure:"allow_skipped_dependencies"`
	// DefaultTaskTimeout applies to tasks without timeout_seconds.
	DefaultTaskTimeout time.Duration `mapstructure:"default_task_timeout"`
	// MaxDuration and MaxCostUSD apply to workflows that set no limit. Zero means unlimited.
	MaxDuration time.Duration `mapstructure:"max_duration"`
	MaxCostUSD  float64       `mapstructure:"max_cost_usd"`
	// BudgetWarningThreshold is the spent fraction that raises a budget warning.
	BudgetWarningThreshold float64 `mapstructure:"budget_warning_threshold"`
	// MemoryWindow is how many recent agent notes go into an execution context.
	MemoryWindow int `mapstructure:"memory_window"`
	// EventBuffer is the capacity of the event channel.
	EventBuffer int `mapstructure:"event_buffer"`
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		Concurrency:            4,
		GlobalConcurrency:      16,
		MaxTasks:               50,
		MaxIterations:          10,
		ApprovalTimeout:        30 * time.Minute,
		ApprovalTimeoutPolicy:  ApprovalTimeoutFail,
		DefaultTaskTimeout:     10 * time.Minute,
		BudgetWarningThreshold: DefaultWarningThreshold,
		MemoryWindow:           10,
		EventBuffer:            1024,
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.GlobalConcurrency < 1 {
		return fmt.Errorf("global_concurrency must be at least 1, got %d", c.GlobalConcurrency)
	}
	if c.MaxTasks < 1 {
		return fmt.Errorf("max_tasks must be at least 1, got %d", c.MaxTasks)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1, got %d", c.MaxIterations)
	}
	if c.ApprovalTimeout <= 0 {
		return fmt.Errorf("approval_timeout must be positive, got %s", c.ApprovalTimeout)
	}
	switch c.ApprovalTimeoutPolicy {
	case ApprovalTimeoutFail, ApprovalTimeoutSkip:
	default:
		return fmt.Errorf("approval_timeout_policy must be %q or %q, got %q",
			ApprovalTimeoutFail, ApprovalTimeoutSkip, c.ApprovalTimeoutPolicy)
	}
	if c.DefaultTaskTimeout <= 0 {
		return fmt.Errorf("default_task_timeout must be positive, got %s", c.DefaultTaskTimeout)
	}
	if c.MaxDuration < 0 || c.MaxCostUSD < 0 {
		return fmt.Errorf("max_duration and max_cost_usd must not be negative")
	}
	if c.BudgetWarningThreshold < 0 || c.BudgetWarningThreshold > 1 {
		return fmt.Errorf("budget_warning_threshold must be within [0, 1], got %g", c.BudgetWarningThreshold)
	}
	if c.MemoryWindow < 0 {
		return fmt.Errorf("memory_window must not be negative, got %d", c.MemoryWindow)
	}
	return nil
}

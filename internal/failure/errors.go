// Package failure defines the orchestration error taxonomy and the retry
// manager that decides how a failed task attempt is recovered.
package failure

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ShayCichocki/relay/pkg/models"
)

// GraphValidationError reports a malformed or cyclic task graph. It is never retried.
type GraphValidationError struct {
	// Reason describes what is wrong with the graph.
	Reason string
	// TaskID is the offending task, if a single task is responsible.
	TaskID string
	// Cycle lists the task names forming a cycle, first element repeated at the end.
	Cycle []string
}

func (e *GraphValidationError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("invalid task graph: cycle detected: %s", strings.Join(e.Cycle, " -> "))
	}
	if e.TaskID != "" {
		return fmt.Sprintf("invalid task graph: task %s: %s", e.TaskID, e.Reason)
	}
	return "invalid task graph: " + e.Reason
}

// NoEligibleModelError is returned by the router when no model survives hard filtering.
type NoEligibleModelError struct {
	TaskID string
	// Reasons maps each rejected model key to why it was rejected.
	Reasons map[string]string
}

func (e *NoEligibleModelError) Error() string {
	if len(e.Reasons) == 0 {
		return fmt.Sprintf("no eligible model for task %s: no models registered", e.TaskID)
	}
	keys := make([]string, 0, len(e.Reasons))
	for k := range e.Reasons {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Reasons[k])
	}
	return fmt.Sprintf("no eligible model for task %s (%s)", e.TaskID, strings.Join(parts, "; "))
}

// CapabilityMismatchError means the selected model lacks a feature the task needs.
type CapabilityMismatchError struct {
	Model      string
	Capability string
	Err        error
}

func (e *CapabilityMismatchError) Error() string {
	msg := fmt.Sprintf("model %s lacks capability %s", e.Model, e.Capability)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CapabilityMismatchError) Unwrap() error { return e.Err }

// TransientProviderError is a network or provider-side failure worth retrying.
type TransientProviderError struct {
	Provider   string
	StatusCode int
	// RetryAfter is a provider hint, zero when absent.
	RetryAfter time.Duration
	Err        error
}

func (e *TransientProviderError) Error() string {
	msg := "transient provider error"
	if e.Provider != "" {
		msg += " from " + e.Provider
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// ProviderRejectedError is a request the provider refused outright, such as
// bad credentials or a malformed call. Sending it again cannot help.
type ProviderRejectedError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderRejectedError) Error() string {
	msg := fmt.Sprintf("%s rejected the request (status %d)", e.Provider, e.StatusCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderRejectedError) Unwrap() error { return e.Err }

// SemanticValidationError means the output arrived but failed validation.
type SemanticValidationError struct {
	// Problem is fed back to the agent as corrective context.
	Problem string
	Err     error
}

func (e *SemanticValidationError) Error() string {
	msg := "output failed validation: " + e.Problem
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SemanticValidationError) Unwrap() error { return e.Err }

// Budget kinds.
const (
	BudgetCost = "cost"
	BudgetTime = "time"
)

// BudgetExceededError aborts undispatched work once a workflow budget is spent.
type BudgetExceededError struct {
	// Kind is BudgetCost or BudgetTime.
	Kind string
	// Limit and Amount are USD for cost budgets and seconds for time budgets.
	Limit  float64
	Amount float64
	TaskID string
}

func (e *BudgetExceededError) Error() string {
	switch e.Kind {
	case BudgetTime:
		return fmt.Sprintf("time budget exceeded: %.0fs elapsed of %.0fs", e.Amount, e.Limit)
	default:
		if e.TaskID != "" {
			return fmt.Sprintf("cost budget exceeded: task %s would bring spend to $%.4f of $%.4f", e.TaskID, e.Amount, e.Limit)
		}
		return fmt.Sprintf("cost budget exceeded: $%.4f of $%.4f", e.Amount, e.Limit)
	}
}

// ApprovalTimeoutError is returned when no approval decision arrives in time.
type ApprovalTimeoutError struct {
	WorkflowID string
	TaskID     string
	Timeout    time.Duration
}

func (e *ApprovalTimeoutError) Error() string {
	target := "workflow " + e.WorkflowID
	if e.TaskID != "" {
		target = "task " + e.TaskID
	}
	return fmt.Sprintf("approval for %s timed out after %s", target, e.Timeout)
}

// CancellationError marks cooperative cancellation. It is not a failure.
type CancellationError struct {
	WorkflowID string
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("workflow %s cancelled", e.WorkflowID)
}

// WorkflowError is returned when a workflow ends Failed. It carries the
// responsible tasks and the last durable snapshot.
type WorkflowError struct {
	WorkflowID string
	Report     *models.FailureReport
	// Err is the root cause when the failure was not attributable to a task.
	Err error
}

func (e *WorkflowError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "workflow %s failed", e.WorkflowID)
	if e.Report != nil {
		if e.Report.Reason != "" {
			b.WriteString(": " + e.Report.Reason)
		}
		for _, t := range e.Report.Tasks {
			fmt.Fprintf(&b, "; task %s (%s) [%s]: %s", t.Name, t.TaskID, t.Class, t.Error)
		}
		if e.Report.LastSnapshotID != "" {
			fmt.Fprintf(&b, "; last snapshot %s", e.Report.LastSnapshotID)
		}
	} else if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *WorkflowError) Unwrap() error { return e.Err }

// IsBudgetExceeded reports whether err is or wraps a BudgetExceededError.
func IsBudgetExceeded(err error) bool {
	var be *BudgetExceededError
	return errors.As(err, &be)
}

package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ""},
		{"transient provider", &TransientProviderError{StatusCode: 529}, ClassTransient},
		{"wrapped transient", fmt.Errorf("call: %w", &TransientProviderError{}), ClassTransient},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"unknown", errors.New("boom"), ClassTransient},
		{"capability", &CapabilityMismatchError{Model: "m", Capability: "tool_use"}, ClassCapability},
		{"semantic", &SemanticValidationError{Problem: "bad json"}, ClassSemantic},
		{"budget", &BudgetExceededError{Kind: BudgetCost}, ClassFatal},
		{"graph", &GraphValidationError{Reason: "x"}, ClassFatal},
		{"no model", &NoEligibleModelError{TaskID: "t"}, ClassFatal},
		{"provider rejected", &ProviderRejectedError{Provider: "anthropic", StatusCode: 401}, ClassFatal},
		{"wrapped rejection", fmt.Errorf("call: %w", &ProviderRejectedError{StatusCode: 403}), ClassFatal},
		{"approval", &ApprovalTimeoutError{}, ClassApprovalTimeout},
		{"cancellation", &CancellationError{}, ClassCancelled},
		{"context cancelled", fmt.Errorf("exec: %w", context.Canceled), ClassCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	cycle := &GraphValidationError{Cycle: []string{"a", "b", "a"}}
	assert.Contains(t, cycle.Error(), "a -> b -> a")

	noModel := &NoEligibleModelError{TaskID: "t1", Reasons: map[string]string{
		"p/b": "context window 8000 < 200000",
		"p/a": "missing capability tool_use",
	}}
	assert.Equal(t, "no eligible model for task t1 (p/a: missing capability tool_use; p/b: context window 8000 < 200000)", noModel.Error())

	rejected := &ProviderRejectedError{Provider: "anthropic", StatusCode: 401, Err: errors.New("invalid x-api-key")}
	assert.Equal(t, "anthropic rejected the request (status 401): invalid x-api-key", rejected.Error())

	budget := &BudgetExceededError{Kind: BudgetCost, Limit: 1, Amount: 1.5, TaskID: "t2"}
	assert.True(t, IsBudgetExceeded(fmt.Errorf("dispatch: %w", budget)))
	assert.Contains(t, budget.Error(), "t2")
}

// Package exec defines the agent-execution collaborator contract, prompt
// rendering, and local executors (external command, echo, scripted stub).
package exec

import (
	"context"

	"github.com/ShayCichocki/relay/pkg/models"
)

// Dependency is the output of a satisfied upstream task.
type Dependency struct {
	Name   string
	Output string
}

// TaskContext is the context assembled for one execution.
type TaskContext struct {
	WorkflowID string
	Goal       string
	// Dependencies are in dependency order.
	Dependencies []Dependency
	// Memory holds the agent's most recent notes.
	Memory []string
	// Corrective is set on semantic retries.
	Corrective string
	// Attempt is 1 for the first execution of a task.
	Attempt int
	// Candidates are the answers under review, set for critic and synthesizer calls.
	Candidates []string
	// Critique is the critic's review, set for synthesizer calls.
	Critique string
}

// Request is one call to an executor.
type Request struct {
	Agent   *models.AgentDefinition
	Model   models.ModelDescriptor
	Task    *models.Task
	Context TaskContext
	// Prompt is the rendered agent prompt.
	Prompt string
}

// Executor runs a task on an agent with the selected model. Implementations
// must honor ctx cancellation and report failures using the failure package
// error types where they apply.
type Executor interface {
	Execute(ctx context.Context, req Request) (*models.TaskResult, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req Request) (*models.TaskResult, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req Request) (*models.TaskResult, error) {
	return f(ctx, req)
}

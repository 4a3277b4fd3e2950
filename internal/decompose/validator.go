package decompose

import (
	"fmt"
	"strings"

	"github.com/ShayCichocki/relay/internal/failure"
	"github.com/ShayCichocki/relay/pkg/models"
)

// validateSpecs checks names, iteration bounds and capability values.
// Dependency resolution and cycle detection happen when the graph is built.
func validateSpecs(specs []TaskSpec, maxIterations int) error {
	if len(specs) == 0 {
		return &failure.GraphValidationError{Reason: "task list is empty"}
	}

	seen := make(map[string]bool, len(specs))
	for i, spec := range specs {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return &failure.GraphValidationError{Reason: fmt.Sprintf("task %d has no name", i+1)}
		}
		if strings.Contains(name, "#") {
			return &failure.GraphValidationError{TaskID: name, Reason: "task names may not contain '#'"}
		}
		if seen[name] {
			return &failure.GraphValidationError{TaskID: name, Reason: "duplicate task name"}
		}
		seen[name] = true

		if spec.Iterations < 0 || spec.Iterations > maxIterations {
			return &failure.GraphValidationError{
				TaskID: name,
				Reason: fmt.Sprintf("iterations must be between 1 and %d, got %d", maxIterations, spec.Iterations),
			}
		}
		for _, c := range spec.Capabilities {
			switch c {
			case models.CapabilityToolUse, models.CapabilityStructuredOutput, models.CapabilityWebSearch:
			default:
				return &failure.GraphValidationError{TaskID: name, Reason: fmt.Sprintf("unknown capability %q", c)}
			}
		}
		if spec.TimeoutSeconds < 0 || spec.MaxCostUSD < 0 {
			return &failure.GraphValidationError{TaskID: name, Reason: "timeout and cost ceiling must be non-negative"}
		}
	}
	return nil
}

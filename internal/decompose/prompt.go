package decompose

import (
	"fmt"
	"sort"
	"strings"
)

// PlannerPrompt is the prompt template for goal decomposition. The verbs are
// the goal, the rendered context lines, the iteration bound and the task cap.
const PlannerPrompt = `Break this goal into a small dependency graph of tasks. Each task should be sized for a single agent to complete in one call.

Goal:
%s

Context:
%s

Return ONLY a JSON array of tasks with this exact structure (no other text):
[
  {
    "name": "short-unique-name",
    "description": "What the agent must do and what it must return",
    "depends_on": ["name of dependency 1"],
    "suggested_role": "researcher|writer|coder|analyst|critic",
    "capabilities": ["tool_use", "structured_output", "web_search"],
    "high_stakes": false,
    "optional": false,
    "iterations": 1
  }
]

Rules:
- Names are unique and depends_on refers to names in this list
- Tasks without dependencies run in parallel, so only add a dependency when a task needs another task's output
- The graph must be acyclic; use "iterations" (at most %d) for a bounded refinement loop instead of a cycle
- Mark a task high_stakes only when a wrong answer would be costly
- Mark a task optional when the goal can still be met without it
- Return at most %d tasks
`

// Prompt renders PlannerPrompt for the request. Unset limits fall back to the
// builder defaults.
func (r PlanRequest) Prompt() string {
	maxTasks, maxIter := r.MaxTasks, r.MaxIterations
	if maxTasks <= 0 {
		maxTasks = DefaultMaxTasks
	}
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	keys := make([]string, 0, len(r.Context))
	for k := range r.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var ctx strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&ctx, "- %s: %s\n", k, r.Context[k])
	}
	if ctx.Len() == 0 {
		ctx.WriteString("(none)\n")
	}

	return fmt.Sprintf(PlannerPrompt, r.Goal, strings.TrimRight(ctx.String(), "\n"), maxIter, maxTasks)
}

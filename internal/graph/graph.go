// Package graph provides a dependency graph for task scheduling.
package graph

import (
	"fmt"
	"sync"

	"github.com/ShayCichocki/relay/internal/failure"
	"github.com/ShayCichocki/relay/pkg/models"
)

// DependencyGraph represents a directed acyclic graph of task dependencies.
// Tasks are nodes, and edges represent "blocked by" relationships.
// Iteration order everywhere is insertion order, so callers see deterministic results.
type DependencyGraph struct {
	mu sync.RWMutex
	// order lists task IDs in insertion order.
	order []string
	// nodes maps task ID to the task itself.
	nodes map[string]*models.Task
	// edges maps task ID to IDs of tasks it depends on (is blocked by).
	edges map[string][]string
	// dependents maps task ID to IDs of tasks that depend on it, in insertion order.
	dependents map[string][]string
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:      make(map[string]*models.Task),
		edges:      make(map[string][]string),
		dependents: make(map[string][]string),
		debugLog:   func(format string, args ...interface{}) {}, // no-op by default
	}
}

// SetDebugLog sets the debug logging function.
func (g *DependencyGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Build constructs the dependency graph from a slice of tasks.
// Returns a *failure.GraphValidationError if a task ID repeats, a dependency
// references an unknown task, or a cycle exists. The cycle is reported by name.
func (g *DependencyGraph) Build(tasks []*models.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.debugLog("[graph.Build] building graph from %d tasks", len(tasks))

	g.order = g.order[:0]
	g.nodes = make(map[string]*models.Task, len(tasks))
	g.edges = make(map[string][]string, len(tasks))
	g.dependents = make(map[string][]string, len(tasks))

	// First pass: register all tasks as nodes.
	for _, task := range tasks {
		if task.ID == "" {
			return &failure.GraphValidationError{Reason: fmt.Sprintf("task %q has no id", task.Name)}
		}
		if _, dup := g.nodes[task.ID]; dup {
			return &failure.GraphValidationError{TaskID: task.ID, Reason: "duplicate task id"}
		}
		g.order = append(g.order, task.ID)
		g.nodes[task.ID] = task
		g.edges[task.ID] = nil
	}

	// Second pass: build edges from DependsOn fields.
	for _, task := range tasks {
		seen := make(map[string]bool, len(task.DependsOn))
		for _, depID := range task.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return &failure.GraphValidationError{
					TaskID: task.ID,
					Reason: fmt.Sprintf("depends on unknown task %s", depID),
				}
			}
			if seen[depID] {
				continue
			}
			seen[depID] = true
			g.edges[task.ID] = append(g.edges[task.ID], depID)
			g.dependents[depID] = append(g.dependents[depID], task.ID)
		}
	}

	if cycle := g.findCycleLocked(); cycle != nil {
		return &failure.GraphValidationError{Reason: "cycle detected", Cycle: g.namesLocked(cycle)}
	}

	g.debugLog("[graph.Build] graph built successfully with %d nodes", len(g.nodes))
	return nil
}

// findCycleLocked returns the IDs on the first cycle found, with the first ID
// repeated at the end, or nil. Uses depth-first search with coloring.
func (g *DependencyGraph) findCycleLocked() []string {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		stack = append(stack, id)

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				// Back edge: the cycle is the stack from depID to here.
				for i, sid := range stack {
					if sid == depID {
						cycle = append(append([]string(nil), stack[i:]...), depID)
						break
					}
				}
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = 2
		return false
	}

	for _, id := range g.order {
		if colors[id] == 0 && visit(id) {
			// Edges point at dependencies; reverse so the path reads in execution order.
			for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
				cycle[i], cycle[j] = cycle[j], cycle[i]
			}
			return cycle
		}
	}
	return nil
}

func (g *DependencyGraph) namesLocked(ids []string) []string {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = id
		if t := g.nodes[id]; t != nil && t.Name != "" {
			names[i] = t.Name
		}
	}
	return names
}

// TopologicalSort returns task IDs in an order where all dependencies
// come before the tasks that depend on them. Among tasks that are free at the
// same time, insertion order wins.
func (g *DependencyGraph) TopologicalSort() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indegree := make(map[string]int, len(g.nodes))
	for _, id := range g.order {
		indegree[id] = len(g.edges[id])
	}

	result := make([]string, 0, len(g.order))
	placed := make(map[string]bool, len(g.order))
	for len(result) < len(g.order) {
		progressed := false
		for _, id := range g.order {
			if placed[id] || indegree[id] > 0 {
				continue
			}
			placed[id] = true
			result = append(result, id)
			for _, dep := range g.dependents[id] {
				indegree[dep]--
			}
			progressed = true
		}
		if !progressed {
			// Only possible on a cyclic graph, which Build rejects.
			break
		}
	}
	return result
}

// Satisfied reports whether every dependency of the task is Succeeded, or
// Skipped when allowSkipped is set.
func (g *DependencyGraph) Satisfied(taskID string, allowSkipped bool) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.satisfiedLocked(taskID, allowSkipped)
}

func (g *DependencyGraph) satisfiedLocked(taskID string, allowSkipped bool) bool {
	for _, depID := range g.edges[taskID] {
		dep := g.nodes[depID]
		switch {
		case dep.Status == models.TaskStatusSucceeded:
		case dep.Status == models.TaskStatusSkipped && allowSkipped:
		default:
			return false
		}
	}
	return true
}

// GetReady returns IDs of Pending or Ready tasks whose dependencies are all
// satisfied, in insertion order.
func (g *DependencyGraph) GetReady(allowSkipped bool) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for _, id := range g.order {
		task := g.nodes[id]
		if task.Status != models.TaskStatusPending && task.Status != models.TaskStatusReady {
			continue
		}
		if g.satisfiedLocked(id, allowSkipped) {
			ready = append(ready, id)
		}
	}

	g.debugLog("[graph.GetReady] returning %d ready tasks: %v", len(ready), ready)
	return ready
}

// GetTask returns the task for a given ID, or nil if not found.
func (g *DependencyGraph) GetTask(taskID string) *models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[taskID]
}

// Tasks returns all tasks in insertion order.
func (g *DependencyGraph) Tasks() []*models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tasks := make([]*models.Task, len(g.order))
	for i, id := range g.order {
		tasks[i] = g.nodes[id]
	}
	return tasks
}

// IDs returns task IDs in insertion order.
func (g *DependencyGraph) IDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.order...)
}

// Size returns the number of tasks in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// GetDependencies returns the IDs of tasks that the given task depends on.
func (g *DependencyGraph) GetDependencies(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.edges[taskID]...)
}

// GetDependents returns the IDs of tasks that directly depend on the given task.
func (g *DependencyGraph) GetDependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependents[taskID]...)
}

// GetDescendants returns every task transitively depending on the given task,
// in insertion order.
func (g *DependencyGraph) GetDescendants(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	queue := append([]string(nil), g.dependents[taskID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		queue = append(queue, g.dependents[id]...)
	}

	var out []string
	for _, id := range g.order {
		if seen[id] {
			out = append(out, id)
		}
	}
	return out
}

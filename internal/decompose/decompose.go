// Package decompose turns a goal or an explicit task list into a validated
// task graph.
package decompose

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/ShayCichocki/relay/internal/failure"
	"github.com/ShayCichocki/relay/internal/graph"
	"github.com/ShayCichocki/relay/pkg/models"
)

//go:embed planner_schema.json
var plannerSchema string

const (
	// DefaultMaxTasks caps planner output.
	DefaultMaxTasks = 50
	// DefaultMaxIterations bounds iterative task expansion.
	DefaultMaxIterations = 10
)

// PlanRequest is sent to the planning collaborator.
type PlanRequest struct {
	WorkflowID string
	Goal       string
	Context    map[string]string
	// MaxTasks and MaxIterations are advertised to the planner.
	MaxTasks      int
	MaxIterations int
}

// Planner produces a task list for a goal. The result must be a JSON array
// of task objects matching the planner schema.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (json.RawMessage, error)
}

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(ctx context.Context, req PlanRequest) (json.RawMessage, error)

// Plan calls f.
func (f PlannerFunc) Plan(ctx context.Context, req PlanRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

// Result is a validated task graph.
type Result struct {
	// Tasks are in topological order, ties broken by input order.
	Tasks []*models.Task
	Graph *graph.DependencyGraph
	// Planned is true when the tasks came from the planner.
	Planned bool
}

// Builder validates task specs and builds the dependency graph.
type Builder struct {
	planner       Planner
	maxTasks      int
	maxIterations int
	newID         func() string
	now           func() time.Time
	logger        *slog.Logger
	schema        *gojsonschema.Schema
}

// Option configures a Builder.
type Option func(*Builder)

// WithPlanner sets the planning collaborator used when no explicit tasks are given.
func WithPlanner(p Planner) Option {
	return func(b *Builder) { b.planner = p }
}

// WithMaxTasks caps planner output.
func WithMaxTasks(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.maxTasks = n
		}
	}
}

// WithMaxIterations bounds the iterations a single spec may request.
func WithMaxIterations(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.maxIterations = n
		}
	}
}

// WithIDFunc overrides task ID generation.
func WithIDFunc(fn func() string) Option {
	return func(b *Builder) { b.newID = fn }
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(b *Builder) { b.now = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// New creates a Builder.
func New(opts ...Option) *Builder {
	b := &Builder{
		maxTasks:      DefaultMaxTasks,
		maxIterations: DefaultMaxIterations,
		newID:         uuid.NewString,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(plannerSchema))
	if err != nil {
		// The schema is embedded; failing to compile it is a build defect.
		panic(fmt.Sprintf("compile planner schema: %v", err))
	}
	b.schema = schema
	return b
}

// Build produces the task graph for a workflow. Explicit specs are used when
// given; otherwise the planner is asked to decompose the goal.
func (b *Builder) Build(ctx context.Context, workflowID, goal string, planCtx map[string]string, specs []TaskSpec) (*Result, error) {
	planned := false
	if len(specs) == 0 {
		if b.planner == nil {
			return nil, &failure.GraphValidationError{Reason: "no tasks given and no planner configured"}
		}
		var err error
		specs, err = b.plan(ctx, workflowID, goal, planCtx)
		if err != nil {
			return nil, err
		}
		planned = true
	}

	tasks, err := b.materialize(workflowID, specs)
	if err != nil {
		return nil, err
	}

	g := graph.New()
	if err := g.Build(tasks); err != nil {
		return nil, err
	}

	// Reorder into topological order so that insertion order downstream is
	// also a valid execution order.
	byID := make(map[string]*models.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	ordered := make([]*models.Task, 0, len(tasks))
	for _, id := range g.TopologicalSort() {
		t := byID[id]
		if len(t.DependsOn) == 0 {
			t.Status = models.TaskStatusReady
		}
		ordered = append(ordered, t)
	}

	final := graph.New()
	if err := final.Build(ordered); err != nil {
		return nil, err
	}

	b.logger.Info("task graph built",
		"workflow_id", workflowID,
		"tasks", len(ordered),
		"planned", planned)
	return &Result{Tasks: ordered, Graph: final, Planned: planned}, nil
}

func (b *Builder) plan(ctx context.Context, workflowID, goal string, planCtx map[string]string) ([]TaskSpec, error) {
	raw, err := b.planner.Plan(ctx, PlanRequest{
		WorkflowID:    workflowID,
		Goal:          goal,
		Context:       planCtx,
		MaxTasks:      b.maxTasks,
		MaxIterations: b.maxIterations,
	})
	if err != nil {
		return nil, fmt.Errorf("plan workflow: %w", err)
	}

	res, err := b.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, &failure.GraphValidationError{Reason: fmt.Sprintf("planner output is not valid JSON: %v", err)}
	}
	if !res.Valid() {
		var problems []string
		for _, desc := range res.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, &failure.GraphValidationError{
			Reason: "planner output failed schema validation: " + strings.Join(problems, "; "),
		}
	}

	var specs []TaskSpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, &failure.GraphValidationError{Reason: fmt.Sprintf("decode planner output: %v", err)}
	}
	if len(specs) > b.maxTasks {
		return nil, &failure.GraphValidationError{
			Reason: fmt.Sprintf("planner returned %d tasks, maximum is %d", len(specs), b.maxTasks),
		}
	}
	return specs, nil
}

// materialize validates specs, expands iterations and resolves names to IDs.
func (b *Builder) materialize(workflowID string, specs []TaskSpec) ([]*models.Task, error) {
	if err := validateSpecs(specs, b.maxIterations); err != nil {
		return nil, err
	}

	now := b.now()
	// lastStep maps a spec name to the ID its dependents should wait on.
	lastStep := make(map[string]string, len(specs))
	firstSteps := make([]*models.Task, len(specs))
	var tasks []*models.Task

	for i, spec := range specs {
		n := spec.Iterations
		if n < 1 {
			n = 1
		}
		var prev *models.Task
		for step := 1; step <= n; step++ {
			t := b.newTask(workflowID, spec, now)
			if spec.Iterations > 1 {
				t.Name = fmt.Sprintf("%s#%d", strings.TrimSpace(spec.Name), step)
				t.Iteration = step
			}
			if prev != nil {
				t.DependsOn = []string{prev.ID}
			} else {
				firstSteps[i] = t
			}
			tasks = append(tasks, t)
			prev = t
		}
		lastStep[strings.TrimSpace(spec.Name)] = prev.ID
	}

	// Dependencies attach to the first step of an iterative task and point at
	// the last step of an iterative dependency.
	for i, spec := range specs {
		first := firstSteps[i]
		for _, dep := range spec.DependsOn {
			depID, ok := lastStep[strings.TrimSpace(dep)]
			if !ok {
				return nil, &failure.GraphValidationError{
					TaskID: spec.Name,
					Reason: fmt.Sprintf("depends on unknown task %q", dep),
				}
			}
			first.DependsOn = append(first.DependsOn, depID)
		}
	}
	return tasks, nil
}

func (b *Builder) newTask(workflowID string, spec TaskSpec, now time.Time) *models.Task {
	return &models.Task{
		ID:                     b.newID(),
		WorkflowID:             workflowID,
		Name:                   strings.TrimSpace(spec.Name),
		Description:            spec.Description,
		Status:                 models.TaskStatusPending,
		Role:                   spec.Role,
		Capabilities:           append([]models.Capability(nil), spec.Capabilities...),
		AssignedAgentID:        spec.Agent,
		HighStakes:             spec.HighStakes,
		Optional:               spec.Optional,
		RequireApproval:        spec.RequireApproval,
		TimeoutSeconds:         spec.TimeoutSeconds,
		EstimatedContextTokens: spec.EstimatedContextTokens,
		EstimatedOutputTokens:  spec.EstimatedOutputTokens,
		LatencySensitive:       spec.LatencySensitive,
		MaxCostUSD:             spec.MaxCostUSD,
		CreatedAt:              now,
	}
}

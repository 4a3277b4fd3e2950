package exec

import (
	"context"
	"sync"
	"time"

	"github.com/ShayCichocki/relay/pkg/models"
)

// Outcome is one scripted execution result.
type Outcome struct {
	Output     string
	Confidence *float64
	Memory     []string
	CostUSD    float64
	Err        error
	// Delay is waited before answering; cancellation cuts it short.
	Delay time.Duration
}

// Call records one execution seen by a StubExecutor.
type Call struct {
	TaskID     string
	TaskName   string
	AgentID    string
	Model      string
	Attempt    int
	Corrective string
	Prompt     string
}

// StubExecutor is a deterministic executor for tests and demos. Each task
// name maps to a script of outcomes consumed in order, the last repeating.
// Unscripted tasks succeed with "<name> done".
type StubExecutor struct {
	// Respond, when set, answers instead of the script.
	Respond func(ctx context.Context, req Request) (*models.TaskResult, error)
	// Gate, when set, blocks every execution until it is closed or receives.
	Gate chan struct{}

	mu         sync.Mutex
	script     map[string][]Outcome
	calls      []Call
	counts     map[string]int
	active     map[string]int
	maxPerTask map[string]int
	running    int
	maxRunning int
}

// NewStubExecutor creates an empty StubExecutor.
func NewStubExecutor() *StubExecutor {
	return &StubExecutor{
		script:     make(map[string][]Outcome),
		counts:     make(map[string]int),
		active:     make(map[string]int),
		maxPerTask: make(map[string]int),
	}
}

// Script sets the outcomes for a task name.
func (s *StubExecutor) Script(taskName string, outcomes ...Outcome) *StubExecutor {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script[taskName] = outcomes
	return s
}

// Execute answers from the script.
func (s *StubExecutor) Execute(ctx context.Context, req Request) (*models.TaskResult, error) {
	name, id := taskName(req.Task), ""
	if req.Task != nil {
		id = req.Task.ID
	}

	s.mu.Lock()
	s.calls = append(s.calls, Call{
		TaskID:     id,
		TaskName:   name,
		AgentID:    agentID(req.Agent),
		Model:      req.Model.Key(),
		Attempt:    req.Context.Attempt,
		Corrective: req.Context.Corrective,
		Prompt:     req.Prompt,
	})
	n := s.counts[name]
	s.counts[name]++
	s.active[id]++
	if s.active[id] > s.maxPerTask[id] {
		s.maxPerTask[id] = s.active[id]
	}
	s.running++
	if s.running > s.maxRunning {
		s.maxRunning = s.running
	}
	var outcome Outcome
	scripted := false
	if outs := s.script[name]; len(outs) > 0 {
		if n >= len(outs) {
			n = len(outs) - 1
		}
		outcome, scripted = outs[n], true
	}
	gate := s.Gate
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active[id]--
		s.running--
		s.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-gate:
		}
	}

	if s.Respond != nil {
		return s.Respond(ctx, req)
	}

	if outcome.Delay > 0 {
		t := time.NewTimer(outcome.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if outcome.Err != nil {
		return nil, outcome.Err
	}

	out := outcome.Output
	if !scripted || out == "" {
		out = name + " done"
	}
	return &models.TaskResult{
		Output:     out,
		Confidence: outcome.Confidence,
		Memory:     append([]string(nil), outcome.Memory...),
		CostUSD:    outcome.CostUSD,
		AgentID:    agentID(req.Agent),
		Model:      req.Model.Key(),
	}, nil
}

// Calls returns every recorded call in arrival order.
func (s *StubExecutor) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsFor returns the calls made for one task name.
func (s *StubExecutor) CallsFor(taskName string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if c.TaskName == taskName {
			out = append(out, c)
		}
	}
	return out
}

// MaxConcurrentPerTask returns the highest number of simultaneous executions
// observed for any single task ID.
func (s *StubExecutor) MaxConcurrentPerTask() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	highest := 0
	for _, n := range s.maxPerTask {
		if n > highest {
			highest = n
		}
	}
	return highest
}

// MaxConcurrent returns the highest number of simultaneous executions observed.
func (s *StubExecutor) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxRunning
}

// Confidence returns a pointer to v, for scripting outcomes.
func Confidence(v float64) *float64 { return &v }

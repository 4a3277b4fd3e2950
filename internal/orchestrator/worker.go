package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ShayCichocki/relay/internal/collab"
	"github.com/ShayCichocki/relay/internal/exec"
	"github.com/ShayCichocki/relay/internal/failure"
	"github.com/ShayCichocki/relay/pkg/models"
)

// verifiesUpfront reports whether a task is resolved collaboratively from
// the start rather than after a low-confidence answer.
func (r *run) verifiesUpfront(t *models.Task) bool {
	return r.e.collab != nil && r.e.collab.Config().ShouldVerify(t, nil)
}

// bounded runs fn and returns when fn finishes or ctx ends, whichever is
// first, so the task timeout holds even for an executor that ignores ctx.
// A call still running at that point is handed back through stray.
func (r *run) bounded(ctx context.Context, t *models.Task, fn func() completion) completion {
	done := make(chan completion, 1)
	go func() { done <- fn() }()

	select {
	case c := <-done:
		if c.err == nil && ctx.Err() != nil {
			// Answers that land after the deadline are not accepted.
			c.result, c.resolution, c.verify = nil, "", false
			c.err = expired(ctx, t)
		}
		return c
	case <-ctx.Done():
		return completion{taskID: t.ID, err: expired(ctx, t), stray: done}
	}
}

func expired(ctx context.Context, t *models.Task) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return fmt.Errorf("task %q did not finish within its timeout: %w", t.Name, context.DeadlineExceeded)
}

// work runs one attempt of a task. It runs on its own goroutine and only
// reads immutable engine collaborators; the result goes back to the loop.
// A low-confidence answer comes back with verify set so that the loop can
// admit the verification against the budget before starting it.
func (r *run) work(ctx context.Context, req exec.Request, p *plan) completion {
	c := completion{taskID: req.Task.ID}

	if r.verifiesUpfront(req.Task) {
		c.result, c.resolution, c.err = r.collaborate(ctx, req, p)
		if c.result != nil {
			c.cost = c.result.CostUSD
		}
		return c
	}

	res, err := r.executeOnce(ctx, req)
	if res != nil {
		c.cost = res.CostUSD
	}
	if err != nil {
		c.err = err
		return c
	}
	c.result = res
	c.verify = r.e.collab != nil && r.e.collab.Config().ShouldVerify(req.Task, res)
	return c
}

// verify resolves a low-confidence answer collaboratively. prior is the
// answer already paid for; it stands when every verifier fails.
func (r *run) verify(ctx context.Context, req exec.Request, p *plan, prior *models.TaskResult) completion {
	c := completion{taskID: req.Task.ID}

	res, resolution, err := r.collaborate(ctx, req, p)
	switch {
	case err == nil:
		c.cost = res.CostUSD
		res.CostUSD += prior.CostUSD
		c.result, c.resolution = res, resolution
	case ctx.Err() != nil:
		c.err = err
	default:
		r.log.Warn("verification failed, keeping single answer",
			"task_id", req.Task.ID,
			"error", err)
		c.result = prior
	}
	return c
}

// executeOnce runs a single execution. A result that fails validation is
// still returned alongside the error so its cost is accounted for.
func (r *run) executeOnce(ctx context.Context, req exec.Request) (*models.TaskResult, error) {
	prompt, err := exec.Render(req)
	if err != nil {
		return nil, err
	}
	req.Prompt = prompt

	res, err := r.e.executor.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, &failure.SemanticValidationError{Problem: "executor returned no result"}
	}
	res = res.Clone()
	if res.AgentID == "" && req.Agent != nil {
		res.AgentID = req.Agent.ID
	}
	if res.Model == "" {
		res.Model = req.Model.Key()
	}
	if err := validateOutput(req.Task, res); err != nil {
		return res, err
	}
	return res, nil
}

// collaborate resolves the task with several participants.
func (r *run) collaborate(ctx context.Context, req exec.Request, p *plan) (*models.TaskResult, string, error) {
	cfg := r.e.collab.Config()

	agents := r.e.registry.FindByRole(req.Task.Role)
	if len(agents) == 0 || req.Task.Role == "" {
		agents = []*models.AgentDefinition{req.Agent}
	}
	participants := collab.Pair(agents, p.selection.Candidates(), cfg.Candidates)

	out, err := r.e.collab.Resolve(ctx, collab.Request{
		Task:         req.Task,
		Context:      req.Context,
		Participants: participants,
		Critic:       r.participant(cfg.CriticRole, p),
		Synthesizer:  r.participant(cfg.SynthesizerRole, p),
	})
	if err != nil {
		return nil, "", err
	}

	res := out.Result
	if err := validateOutput(req.Task, res); err != nil {
		return nil, "", err
	}
	return res, out.Resolution, nil
}

// participant picks the first agent with role on the task's primary model.
func (r *run) participant(role string, p *plan) *collab.Participant {
	if role == "" {
		return nil
	}
	agents := r.e.registry.FindByRole(role)
	if len(agents) == 0 {
		return nil
	}
	return &collab.Participant{Agent: agents[0], Model: p.selection.Primary}
}

// validateOutput checks the answer against what the task requires.
func validateOutput(t *models.Task, res *models.TaskResult) error {
	if strings.TrimSpace(res.Output) == "" {
		return &failure.SemanticValidationError{Problem: "the answer was empty"}
	}
	for _, c := range t.Capabilities {
		if c != models.CapabilityStructuredOutput {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(strings.TrimSpace(res.Output)), &v); err != nil {
			var syntax *json.SyntaxError
			problem := "the answer was not valid JSON"
			if errors.As(err, &syntax) {
				problem = fmt.Sprintf("the answer was not valid JSON (offset %d)", syntax.Offset)
			}
			return &failure.SemanticValidationError{Problem: problem, Err: err}
		}
	}
	return nil
}

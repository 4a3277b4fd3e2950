package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ShayCichocki/relay/internal/decompose"
	"github.com/ShayCichocki/relay/internal/failure"
	"github.com/ShayCichocki/relay/pkg/models"
)

const plannerSystemPrompt = `You break goals into small tasks for a team of agents. Respond with a JSON array only.`

// Planner decomposes goals with a model call.
type Planner struct {
	client *Client
	model  models.ModelDescriptor
	logger *slog.Logger
}

// NewPlanner creates a Planner that plans with model.
func NewPlanner(client *Client, model models.ModelDescriptor, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{client: client, model: model, logger: logger}
}

// Plan asks the model for a task list and returns the JSON array it produced.
func (p *Planner) Plan(ctx context.Context, req decompose.PlanRequest) (json.RawMessage, error) {
	r, err := p.client.complete(ctx, completion{
		model:     p.model,
		system:    plannerSystemPrompt,
		prompt:    req.Prompt(),
		maxTokens: DefaultMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("plan workflow %s: %w", req.WorkflowID, err)
	}

	raw, err := decompose.ExtractJSONArray(r.text)
	if err != nil {
		return nil, &failure.SemanticValidationError{Problem: "the plan was not a JSON array", Err: err}
	}
	p.logger.Info("plan received",
		"workflow_id", req.WorkflowID,
		"model", p.model.Key(),
		"cost_usd", r.usage.cost)
	return raw, nil
}

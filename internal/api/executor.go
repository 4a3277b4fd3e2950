package api

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ShayCichocki/relay/internal/exec"
	"github.com/ShayCichocki/relay/internal/failure"
	"github.com/ShayCichocki/relay/pkg/models"
)

// DefaultMaxTokens is used when an agent sets no generation limit.
const DefaultMaxTokens = 4096

// Executor runs task executions as single Messages API calls.
type Executor struct {
	client *Client
	logger *slog.Logger
}

// NewExecutor creates an Executor on client.
func NewExecutor(client *Client, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{client: client, logger: logger}
}

// Execute sends the rendered prompt to the selected model.
func (e *Executor) Execute(ctx context.Context, req exec.Request) (*models.TaskResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("execute %s: empty prompt", req.Model.Key())
	}

	maxTokens, temperature := DefaultMaxTokens, 0.0
	var tools []anthropic.ToolUnionParam
	if req.Agent != nil {
		if req.Agent.Generation.MaxTokens > 0 {
			maxTokens = req.Agent.Generation.MaxTokens
		}
		temperature = req.Agent.Generation.Temperature

		var unsupported []string
		tools, unsupported = toolParams(req.Agent.Tools)
		if len(unsupported) > 0 {
			e.logger.Warn("tools not offered", "agent", req.Agent.Name, "tools", unsupported)
		}
	}

	r, err := e.client.complete(ctx, completion{
		model:       req.Model,
		system:      systemPrompt(req.Agent),
		prompt:      req.Prompt,
		maxTokens:   maxTokens,
		temperature: temperature,
		tools:       tools,
	})
	if err != nil {
		return nil, err
	}

	output, confidence := exec.ParseConfidence(r.text)
	result := &models.TaskResult{
		Output:     output,
		Confidence: confidence,
		ToolCalls:  r.calls,
		CostUSD:    r.usage.cost,
		Model:      req.Model.Key(),
	}
	if req.Agent != nil {
		result.AgentID = req.Agent.ID
	}

	e.logger.Debug("execution finished",
		"model", req.Model.Key(),
		"input_tokens", r.usage.input,
		"output_tokens", r.usage.output,
		"tool_calls", len(r.calls),
		"cost_usd", r.usage.cost)
	return result, nil
}

func systemPrompt(a *models.AgentDefinition) string {
	if a == nil {
		return "You are a careful assistant completing one step of a larger workflow."
	}
	return fmt.Sprintf("You are %s, acting as the %s in a multi-agent workflow. "+
		"Answer the task directly. If you are unsure, end with a line \"confidence: <0-1>\".", a.Name, a.Role)
}

type completion struct {
	model       models.ModelDescriptor
	system      string
	prompt      string
	maxTokens   int
	temperature float64
	tools       []anthropic.ToolUnionParam
}

type usage struct {
	input, output int64
	cost          float64
}

// reply is the text of one Messages call and the tools it used.
type reply struct {
	text  string
	calls []models.ToolCall
	usage usage
}

// complete makes one Messages call and returns the concatenated text.
func (c *Client) complete(ctx context.Context, req completion) (reply, error) {
	params := anthropic.MessageNewParams{
		Model:       c.Model(req.model.ModelID),
		MaxTokens:   int64(req.maxTokens),
		Temperature: anthropic.Float(req.temperature),
		System: []anthropic.TextBlockParam{
			{Text: req.system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.prompt)),
		},
	}
	if len(req.tools) > 0 {
		params.Tools = req.tools
	}
	resp, err := c.sdk().Messages.New(ctx, params)
	if err != nil {
		return reply{}, classifyError(req.model.Key(), err)
	}

	r := reply{usage: usage{input: resp.Usage.InputTokens, output: resp.Usage.OutputTokens}}
	r.usage.cost = req.model.EstimateCost(int(r.usage.input), int(r.usage.output))
	c.tracker.Add(r.usage.input, r.usage.output, r.usage.cost)

	var b strings.Builder
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(text.Text)
			continue
		}
		if call, ok := toolCall(block); ok {
			r.calls = append(r.calls, call)
		}
	}
	if resp.StopReason == anthropic.StopReasonMaxTokens {
		return r, &failure.SemanticValidationError{
			Problem: fmt.Sprintf("the answer was cut off at %d tokens; answer more concisely", req.maxTokens),
		}
	}
	r.text = b.String()
	return r, nil
}

package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"strings"
	"time"

	"github.com/ShayCichocki/relay/internal/failure"
	"github.com/ShayCichocki/relay/pkg/models"
)

// waitDelay bounds how long a cancelled command may hold its output pipes.
const waitDelay = 2 * time.Second

// CommandExecutor runs each request through an external command. The
// rendered prompt is written to stdin and stdout is the answer. The command
// sees the model, task and agent in RELAY_* environment variables.
type CommandExecutor struct {
	Name string
	Args []string
	// Dir is the working directory. Empty means the current directory.
	Dir string
}

// NewCommandExecutor creates a CommandExecutor for the given command line.
func NewCommandExecutor(name string, args ...string) *CommandExecutor {
	return &CommandExecutor{Name: name, Args: args}
}

// Execute runs the command.
func (c *CommandExecutor) Execute(ctx context.Context, req Request) (*models.TaskResult, error) {
	cmd := osexec.CommandContext(ctx, c.Name, c.Args...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.WaitDelay = waitDelay
	cmd.Env = append(os.Environ(),
		"RELAY_MODEL="+req.Model.Key(),
		"RELAY_TASK="+taskName(req.Task),
		"RELAY_AGENT="+agentName(req.Agent),
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		var exitErr *osexec.ExitError
		if errors.As(err, &exitErr) {
			// Exit code 75 (EX_TEMPFAIL) asks for a retry.
			if exitErr.ExitCode() == 75 {
				return nil, &failure.TransientProviderError{Provider: "command", Err: fmt.Errorf("%s", msg)}
			}
			// Exit code 65 (EX_DATAERR) reports an invalid answer.
			if exitErr.ExitCode() == 65 {
				return nil, &failure.SemanticValidationError{Problem: msg}
			}
		}
		return nil, fmt.Errorf("run %s: %w: %s", c.Name, err, msg)
	}

	output, confidence := ParseConfidence(stdout.String())
	return &models.TaskResult{
		Output:     output,
		Confidence: confidence,
		AgentID:    agentID(req.Agent),
		Model:      req.Model.Key(),
	}, nil
}

// EchoExecutor returns the rendered prompt as the answer. Dry runs use it to
// show what each agent would be asked.
type EchoExecutor struct{}

// Execute echoes the prompt.
func (EchoExecutor) Execute(ctx context.Context, req Request) (*models.TaskResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &models.TaskResult{
		Output:  req.Prompt,
		AgentID: agentID(req.Agent),
		Model:   req.Model.Key(),
	}, nil
}

// Mux routes requests to an executor by model provider.
type Mux struct {
	byProvider map[string]Executor
	fallback   Executor
}

// NewMux creates a Mux. fallback serves providers without a registered
// executor and may be nil.
func NewMux(fallback Executor) *Mux {
	return &Mux{byProvider: make(map[string]Executor), fallback: fallback}
}

// Handle registers the executor for a provider.
func (m *Mux) Handle(provider string, e Executor) {
	m.byProvider[provider] = e
}

// Execute dispatches on req.Model.Provider. A provider nobody serves is a
// capability mismatch so that the router's next candidate is tried.
func (m *Mux) Execute(ctx context.Context, req Request) (*models.TaskResult, error) {
	e, ok := m.byProvider[req.Model.Provider]
	if !ok {
		e = m.fallback
	}
	if e == nil {
		return nil, &failure.CapabilityMismatchError{
			Model:      req.Model.Key(),
			Capability: "provider " + req.Model.Provider,
			Err:        errors.New("no executor configured for provider"),
		}
	}
	return e.Execute(ctx, req)
}

func taskName(t *models.Task) string {
	if t == nil {
		return ""
	}
	return t.Name
}

func agentName(a *models.AgentDefinition) string {
	if a == nil {
		return ""
	}
	return a.Name
}

func agentID(a *models.AgentDefinition) string {
	if a == nil {
		return ""
	}
	return a.ID
}

// Verify executors implement Executor at compile time.
var (
	_ Executor = (*CommandExecutor)(nil)
	_ Executor = EchoExecutor{}
	_ Executor = (*Mux)(nil)
	_ Executor = (*StubExecutor)(nil)
)

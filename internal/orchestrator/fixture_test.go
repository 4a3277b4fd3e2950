package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/relay/internal/decompose"
	"github.com/ShayCichocki/relay/internal/exec"
	"github.com/ShayCichocki/relay/internal/failure"
	"github.com/ShayCichocki/relay/internal/registry"
	"github.com/ShayCichocki/relay/internal/router"
	"github.com/ShayCichocki/relay/internal/state"
	"github.com/ShayCichocki/relay/pkg/models"
)

var (
	fastModel = models.ModelDescriptor{
		Provider:           "anthropic",
		ModelID:            "fast",
		Capabilities:       []models.Capability{models.CapabilityToolUse, models.CapabilityStructuredOutput},
		ContextWindow:      200000,
		InputCostPerToken:  0.000001,
		OutputCostPerToken: 0.000004,
		Latency:            models.LatencyLow,
	}
	deepModel = models.ModelDescriptor{
		Provider:           "anthropic",
		ModelID:            "deep",
		Capabilities:       []models.Capability{models.CapabilityToolUse, models.CapabilityStructuredOutput},
		ContextWindow:      200000,
		InputCostPerToken:  0.000003,
		OutputCostPerToken: 0.000015,
		Latency:            models.LatencyMedium,
	}
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// noBackoff retries immediately so recovery tests run fast.
func noBackoff() failure.Policy {
	return failure.Policy{MaxRetries: 3, Semantic: failure.Curve{Multiplier: 1}, Capability: failure.Curve{Multiplier: 1}, Transient: failure.Curve{Multiplier: 1}}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.EventBuffer = 4096
	return cfg
}

type setup struct {
	cfg     *Config
	store   state.Store
	catalog []models.ModelDescriptor
	stub    *exec.StubExecutor
	opts    []Option
}

type fixture struct {
	engine   *Engine
	stub     *exec.StubExecutor
	store    state.Store
	registry *registry.Registry
	router   *router.Router
}

func newFixture(t *testing.T, s setup) *fixture {
	t.Helper()
	cfg := testConfig()
	if s.cfg != nil {
		cfg = *s.cfg
	}
	if s.store == nil {
		s.store = state.NewMemoryStore()
	}
	if s.catalog == nil {
		s.catalog = []models.ModelDescriptor{fastModel, deepModel}
	}
	if s.stub == nil {
		s.stub = exec.NewStubExecutor()
	}

	reg := registry.New()
	_, err := reg.Register(models.AgentDefinition{
		ID:         "agent-worker",
		Name:       "worker",
		Role:       "worker",
		Generation: models.GenerationConfig{MaxTokens: 1000},
	})
	require.NoError(t, err)

	rt := router.New(router.DefaultConfig(), router.WithLogger(quietLogger()))
	for _, m := range s.catalog {
		rt.Upsert(m)
	}

	opts := []Option{
		WithConfig(cfg),
		WithLogger(quietLogger()),
		WithRetryManager(failure.NewManager(noBackoff(), failure.WithLogger(quietLogger()))),
	}
	e, err := New(RequiredConfig{Registry: reg, Router: rt, Store: s.store, Executor: s.stub}, append(opts, s.opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	return &fixture{engine: e, stub: s.stub, store: s.store, registry: reg, router: rt}
}

func spec(name string, deps ...string) decompose.TaskSpec {
	return decompose.TaskSpec{Name: name, Description: "do " + name, DependsOn: deps}
}

func (f *fixture) create(t *testing.T, cfg models.WorkflowConfig, specs ...decompose.TaskSpec) string {
	t.Helper()
	id, err := f.engine.CreateWorkflow(context.Background(), "test goal", cfg, specs)
	require.NoError(t, err)
	return id
}

func (f *fixture) status(t *testing.T, id string) *Status {
	t.Helper()
	st, err := f.engine.Status(context.Background(), id)
	require.NoError(t, err)
	return st
}

func (f *fixture) latest(t *testing.T, id string) *models.Snapshot {
	t.Helper()
	snap, err := f.store.Latest(context.Background(), id)
	require.NoError(t, err)
	return snap
}

func taskNamed(t *testing.T, st *Status, name string) TaskSummary {
	t.Helper()
	for _, ts := range st.Tasks {
		if ts.Name == name {
			return ts
		}
	}
	t.Fatalf("task %q not in status", name)
	return TaskSummary{}
}

func snapshotTask(t *testing.T, snap *models.Snapshot, name string) *models.Task {
	t.Helper()
	for _, task := range snap.Tasks {
		if task.Name == name {
			return task
		}
	}
	t.Fatalf("task %q not in snapshot %s", name, snap.ID)
	return nil
}

func (f *fixture) waitForStatus(t *testing.T, id, name string, want models.TaskStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := f.engine.Status(context.Background(), id)
		if err != nil {
			return false
		}
		for _, ts := range st.Tasks {
			if ts.Name == name {
				return ts.Status == want
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond, "task %s never reached %s", name, want)
}

// drainEvents returns every event buffered so far.
func drainEvents(e *Engine) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-e.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventsOfType(events []Event, typ EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

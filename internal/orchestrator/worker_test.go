package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/relay/internal/collab"
	"github.com/ShayCichocki/relay/internal/exec"
	"github.com/ShayCichocki/relay/internal/failure"
	"github.com/ShayCichocki/relay/pkg/models"
)

func TestValidateOutput(t *testing.T) {
	plain := &models.Task{ID: "t"}
	structured := &models.Task{ID: "t", Capabilities: []models.Capability{models.CapabilityStructuredOutput}}

	tests := []struct {
		name    string
		task    *models.Task
		output  string
		wantErr bool
	}{
		{name: "plain text", task: plain, output: "hello"},
		{name: "empty", task: plain, output: "  \n", wantErr: true},
		{name: "json object", task: structured, output: `{"a": 1}`},
		{name: "json with whitespace", task: structured, output: "\n[1, 2]\n"},
		{name: "not json", task: structured, output: "sure, here you go", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateOutput(tt.task, &models.TaskResult{Output: tt.output})
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, failure.ClassSemantic, failure.Classify(err))
		})
	}
}

func TestEngine_HighStakesTaskIsVerified(t *testing.T) {
	stub := exec.NewStubExecutor()
	stub.Script("A", exec.Outcome{Output: "42", CostUSD: 0.01})
	protocol := collab.New(collab.DefaultConfig(), stub, collab.WithLogger(quietLogger()))
	metrics := NewMetrics(prometheus.NewRegistry())
	f := newFixture(t, setup{stub: stub, opts: []Option{WithCollaboration(protocol), WithMetrics(metrics)}})

	a := spec("A")
	a.HighStakes = true
	id := f.create(t, models.WorkflowConfig{}, a)
	require.NoError(t, f.engine.Run(context.Background(), id))

	calls := stub.CallsFor("A")
	require.Len(t, calls, 3)
	seen := map[string]bool{}
	for _, c := range calls {
		seen[c.Model] = true
	}
	assert.Len(t, seen, 2, "candidates are spread across the eligible models")

	task := snapshotTask(t, f.latest(t, id), "A")
	assert.Equal(t, "42", task.Result.Output)
	assert.Equal(t, collab.ResolutionVote, task.Result.Resolution)
	assert.InDelta(t, 0.03, f.status(t, id).Workflow.SpentUSD, 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.collaborations.WithLabelValues(collab.ResolutionVote)))
}

func TestEngine_LowConfidenceTriggersVerification(t *testing.T) {
	stub := exec.NewStubExecutor()
	stub.Script("A", exec.Outcome{Output: "maybe", Confidence: exec.Confidence(0.2), CostUSD: 0.01})
	stub.Script("B", exec.Outcome{Output: "sure", Confidence: exec.Confidence(0.95), CostUSD: 0.01})
	protocol := collab.New(collab.DefaultConfig(), stub, collab.WithLogger(quietLogger()))
	f := newFixture(t, setup{stub: stub, opts: []Option{WithCollaboration(protocol)}})

	id := f.create(t, models.WorkflowConfig{}, spec("A"), spec("B"))
	require.NoError(t, f.engine.Run(context.Background(), id))

	assert.Len(t, stub.CallsFor("A"), 4, "one answer plus three verifiers")
	assert.Len(t, stub.CallsFor("B"), 1, "confident answers are accepted")
	assert.InDelta(t, 0.05, f.status(t, id).Workflow.SpentUSD, 1e-9)
}

func TestEngine_CollaborationDisabled(t *testing.T) {
	stub := exec.NewStubExecutor()
	cfg := collab.DefaultConfig()
	cfg.Enabled = false
	protocol := collab.New(cfg, stub)
	f := newFixture(t, setup{stub: stub, opts: []Option{WithCollaboration(protocol)}})

	a := spec("A")
	a.HighStakes = true
	id := f.create(t, models.WorkflowConfig{}, a)
	require.NoError(t, f.engine.Run(context.Background(), id))
	assert.Len(t, stub.CallsFor("A"), 1)
}

func TestEngine_Metrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	f := newFixture(t, setup{opts: []Option{WithMetrics(metrics)}})
	f.stub.Script("A", exec.Outcome{CostUSD: 0.5})
	f.stub.Script("B", exec.Outcome{Err: &failure.SemanticValidationError{Problem: "bad"}}, exec.Outcome{CostUSD: 0.25})
	id := f.create(t, models.WorkflowConfig{}, spec("A"), spec("B", "A"))

	require.NoError(t, f.engine.Run(context.Background(), id))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.workflows.WithLabelValues(string(models.WorkflowCompleted))))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.tasks.WithLabelValues(string(models.TaskStatusSucceeded))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.retries.WithLabelValues(string(failure.ClassSemantic), failure.ActionRetry.String())))
	assert.InDelta(t, 0.75, testutil.ToFloat64(metrics.costUSD), 1e-9)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.inFlight))
	assert.Greater(t, testutil.ToFloat64(metrics.snapshots), 3.0)

	var m dto.Metric
	require.NoError(t, metrics.taskDuration.Write(&m))
	assert.Equal(t, uint64(3), m.GetHistogram().GetSampleCount(), "one observation per execution")
}

func TestEngine_TimeoutHoldsWhenExecutorIgnoresContext(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultTaskTimeout = 50 * time.Millisecond
	release := make(chan struct{})
	stub := exec.NewStubExecutor()
	stub.Respond = func(ctx context.Context, req exec.Request) (*models.TaskResult, error) {
		<-release
		return &models.TaskResult{Output: "late", CostUSD: 0.02}, nil
	}
	noRetry := failure.NewManager(failure.Policy{MaxRetries: 0}, failure.WithLogger(quietLogger()))
	f := newFixture(t, setup{cfg: &cfg, stub: stub, opts: []Option{WithRetryManager(noRetry)}})
	id := f.create(t, models.WorkflowConfig{}, spec("A"))

	done := make(chan error, 1)
	go func() { done <- f.engine.Run(context.Background(), id) }()

	f.waitForStatus(t, id, "A", models.TaskStatusFailed)
	a := taskNamed(t, f.status(t, id), "A")
	assert.Equal(t, string(failure.ClassTransient), a.ErrorClass)
	assert.Contains(t, a.LastError, "timeout")
	select {
	case err := <-done:
		t.Fatalf("workflow finished while the timed-out call still held its slot: %v", err)
	default:
	}

	close(release)
	var err error
	select {
	case err = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("workflow did not finish after the call returned")
	}
	var wfErr *failure.WorkflowError
	require.ErrorAs(t, err, &wfErr)
	assert.Equal(t, string(failure.ClassTransient), wfErr.Report.Tasks[0].Class)

	st := f.status(t, id)
	assert.Equal(t, models.WorkflowFailed, st.Workflow.Status)
	assert.InDelta(t, 0.02, st.Workflow.SpentUSD, 1e-9, "the late call is still paid for")
	assert.Nil(t, snapshotTask(t, f.latest(t, id), "A").Result)
}

func TestEngine_RetryWaitsForTimedOutCall(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultTaskTimeout = 50 * time.Millisecond
	var n atomic.Int32
	stub := exec.NewStubExecutor()
	stub.Respond = func(ctx context.Context, req exec.Request) (*models.TaskResult, error) {
		if n.Add(1) == 1 {
			time.Sleep(200 * time.Millisecond)
			return &models.TaskResult{Output: "too late"}, nil
		}
		return &models.TaskResult{Output: "on time"}, nil
	}
	f := newFixture(t, setup{cfg: &cfg, stub: stub})
	id := f.create(t, models.WorkflowConfig{}, spec("A"))

	start := time.Now()
	require.NoError(t, f.engine.Run(context.Background(), id))

	assert.Len(t, stub.CallsFor("A"), 2)
	assert.Equal(t, 1, stub.MaxConcurrentPerTask(), "a retry never overlaps the call it replaces")
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	a := snapshotTask(t, f.latest(t, id), "A")
	assert.Equal(t, "on time", a.Result.Output)
	assert.Equal(t, 1, a.RetryCount)
}

func TestEngine_TaskTimeoutSecondsOverridesDefault(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultTaskTimeout = 20 * time.Millisecond
	stub := exec.NewStubExecutor()
	stub.Respond = func(ctx context.Context, req exec.Request) (*models.TaskResult, error) {
		time.Sleep(100 * time.Millisecond)
		return &models.TaskResult{Output: req.Task.Name + " done"}, nil
	}
	noRetry := failure.NewManager(failure.Policy{MaxRetries: 0}, failure.WithLogger(quietLogger()))
	f := newFixture(t, setup{cfg: &cfg, stub: stub, opts: []Option{WithRetryManager(noRetry)}})

	slow := spec("slow")
	slow.TimeoutSeconds = 5
	id := f.create(t, models.WorkflowConfig{}, slow, spec("fast"))

	err := f.engine.Run(context.Background(), id)
	require.Error(t, err)
	st := f.status(t, id)
	assert.Equal(t, models.TaskStatusSucceeded, taskNamed(t, st, "slow").Status)
	assert.Equal(t, models.TaskStatusFailed, taskNamed(t, st, "fast").Status)
}

func TestEngine_VerificationIsAdmittedAgainstCostBudget(t *testing.T) {
	stub := exec.NewStubExecutor()
	stub.Script("A",
		exec.Outcome{Output: "maybe", Confidence: exec.Confidence(0.1), CostUSD: 0.04},
		exec.Outcome{Output: "sure", CostUSD: 0.04})
	protocol := collab.New(collab.DefaultConfig(), stub, collab.WithLogger(quietLogger()))
	f := newFixture(t, setup{stub: stub, opts: []Option{WithCollaboration(protocol)}})
	id := f.create(t, models.WorkflowConfig{MaxCostUSD: 0.1}, spec("A"), spec("B", "A"))

	err := f.engine.Run(context.Background(), id)
	var budgetErr *failure.BudgetExceededError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, failure.BudgetCost, budgetErr.Kind)

	st := f.status(t, id)
	assert.Equal(t, models.WorkflowFailed, st.Workflow.Status)
	assert.LessOrEqual(t, st.Workflow.SpentUSD, 0.1)
	assert.Len(t, stub.CallsFor("A"), 1, "verifiers are not started past the budget")
	assert.Equal(t, models.TaskStatusFailed, taskNamed(t, st, "A").Status)
	assert.Equal(t, models.SkipBudgetExceeded, taskNamed(t, st, "B").SkipReason)
}

func TestEngine_VerificationWithinBudget(t *testing.T) {
	stub := exec.NewStubExecutor()
	stub.Script("A",
		exec.Outcome{Output: "maybe", Confidence: exec.Confidence(0.1), CostUSD: 0.04},
		exec.Outcome{Output: "sure", CostUSD: 0.04})
	protocol := collab.New(collab.DefaultConfig(), stub, collab.WithLogger(quietLogger()))
	f := newFixture(t, setup{stub: stub, opts: []Option{WithCollaboration(protocol)}})
	id := f.create(t, models.WorkflowConfig{MaxCostUSD: 1}, spec("A"))

	require.NoError(t, f.engine.Run(context.Background(), id))

	assert.Len(t, stub.CallsFor("A"), 4)
	a := snapshotTask(t, f.latest(t, id), "A")
	assert.Equal(t, "sure", a.Result.Output)
	assert.InDelta(t, 0.16, a.Result.CostUSD, 1e-9, "the result carries the first answer's cost")
	assert.InDelta(t, 0.16, f.status(t, id).Workflow.SpentUSD, 1e-9)
}

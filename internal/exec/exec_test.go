package exec

import (
	"context"
	"errors"
	osexec "os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/relay/internal/failure"
	"github.com/ShayCichocki/relay/pkg/models"
)

func request(name string) Request {
	return Request{
		Agent: &models.AgentDefinition{ID: "a1", Name: "scout", Role: "researcher"},
		Model: models.ModelDescriptor{Provider: "stub", ModelID: "m1"},
		Task:  &models.Task{ID: "t-" + name, Name: name, Description: "do " + name},
		Context: TaskContext{
			Goal:    "ship it",
			Attempt: 1,
		},
	}
}

func TestRender_DefaultTemplate(t *testing.T) {
	req := request("draft")
	req.Context.Dependencies = []Dependency{{Name: "research", Output: "facts"}}
	req.Context.Memory = []string{"prefers bullet points"}
	req.Context.Corrective = "Your previous answer was invalid."

	out, err := Render(req)
	require.NoError(t, err)
	assert.Contains(t, out, "You are scout, acting as researcher.")
	assert.Contains(t, out, "Overall goal: ship it")
	assert.Contains(t, out, "do draft")
	assert.Contains(t, out, "### research\nfacts")
	assert.Contains(t, out, "- prefers bullet points")
	assert.Contains(t, out, "Your previous answer was invalid.")
	assert.NotContains(t, out, "Candidate answers")
}

func TestRender_CandidatesAndCritique(t *testing.T) {
	req := request("review")
	req.Context.Candidates = []string{"yes", "no"}
	req.Context.Critique = "second is wrong"

	out, err := Render(req)
	require.NoError(t, err)
	assert.Contains(t, out, "--- candidate 1 ---\nyes")
	assert.Contains(t, out, "--- candidate 2 ---\nno")
	assert.Contains(t, out, "Critique:\nsecond is wrong")
}

func TestRender_CustomAndBrokenTemplates(t *testing.T) {
	req := request("x")
	req.Agent.PromptTemplate = "{{.Task.Name}} for {{.Context.Goal}}"
	out, err := Render(req)
	require.NoError(t, err)
	assert.Equal(t, "x for ship it", out)

	req.Agent.PromptTemplate = "{{.Task.Name"
	_, err = Render(req)
	assert.Error(t, err)
}

func TestRender_NilAgentAndTask(t *testing.T) {
	out, err := Render(Request{Context: TaskContext{Goal: "g"}})
	require.NoError(t, err)
	assert.Contains(t, out, "Overall goal: g")
}

func TestParseConfidence(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		output string
		conf   *float64
	}{
		{name: "none", in: "just text\n", output: "just text"},
		{name: "trailing", in: "answer\nconfidence: 0.85\n", output: "answer", conf: Confidence(0.85)},
		{name: "case and equals", in: "answer\nConfidence=1", output: "answer", conf: Confidence(1)},
		{name: "last wins", in: "confidence: 0.1\nanswer\nconfidence: 0.9", output: "confidence: 0.1\nanswer", conf: Confidence(0.9)},
		{name: "out of range", in: "answer\nconfidence: 1.5", output: "answer\nconfidence: 1.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, conf := ParseConfidence(tt.in)
			assert.Equal(t, tt.output, out)
			if tt.conf == nil {
				assert.Nil(t, conf)
				return
			}
			require.NotNil(t, conf)
			assert.InDelta(t, *tt.conf, *conf, 1e-9)
		})
	}
}

func TestEchoExecutor(t *testing.T) {
	req := request("x")
	req.Prompt = "hello"
	res, err := EchoExecutor{}.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Output)
	assert.Equal(t, "a1", res.AgentID)
	assert.Equal(t, "stub/m1", res.Model)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = EchoExecutor{}.Execute(ctx, req)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMux_RoutesByProvider(t *testing.T) {
	called := ""
	mk := func(name string) Executor {
		return ExecutorFunc(func(ctx context.Context, req Request) (*models.TaskResult, error) {
			called = name
			return &models.TaskResult{Output: name}, nil
		})
	}

	m := NewMux(nil)
	m.Handle("anthropic", mk("anthropic"))
	m.Handle("stub", mk("stub"))

	_, err := m.Execute(context.Background(), request("x"))
	require.NoError(t, err)
	assert.Equal(t, "stub", called)

	req := request("x")
	req.Model.Provider = "openai"
	_, err = m.Execute(context.Background(), req)
	var mismatch *failure.CapabilityMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, failure.ClassCapability, failure.Classify(err))

	withFallback := NewMux(mk("fallback"))
	_, err = withFallback.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "fallback", called)
}

func TestStubExecutor_ScriptsInOrder(t *testing.T) {
	s := NewStubExecutor().Script("b",
		Outcome{Err: &failure.TransientProviderError{Provider: "stub"}},
		Outcome{Output: "b ok", CostUSD: 0.5, Confidence: Confidence(0.7), Memory: []string{"note"}},
	)
	ctx := context.Background()

	_, err := s.Execute(ctx, request("b"))
	assert.Equal(t, failure.ClassTransient, failure.Classify(err))

	res, err := s.Execute(ctx, request("b"))
	require.NoError(t, err)
	assert.Equal(t, "b ok", res.Output)
	assert.InDelta(t, 0.5, res.CostUSD, 1e-9)
	assert.Equal(t, []string{"note"}, res.Memory)

	// The last outcome repeats.
	res, err = s.Execute(ctx, request("b"))
	require.NoError(t, err)
	assert.Equal(t, "b ok", res.Output)

	res, err = s.Execute(ctx, request("a"))
	require.NoError(t, err)
	assert.Equal(t, "a done", res.Output)

	assert.Len(t, s.CallsFor("b"), 3)
	assert.Len(t, s.Calls(), 4)
}

func TestStubExecutor_DelayHonorsContext(t *testing.T) {
	s := NewStubExecutor().Script("slow", Outcome{Delay: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Execute(ctx, request("slow"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestStubExecutor_TracksConcurrency(t *testing.T) {
	s := NewStubExecutor()
	s.Gate = make(chan struct{})

	var wg sync.WaitGroup
	for _, name := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, _ = s.Execute(context.Background(), request(name))
		}(name)
	}

	require.Eventually(t, func() bool { return len(s.Calls()) == 3 }, time.Second, time.Millisecond)
	close(s.Gate)
	wg.Wait()

	assert.Equal(t, 3, s.MaxConcurrent())
	assert.Equal(t, 1, s.MaxConcurrentPerTask())
}

func TestStubExecutor_Respond(t *testing.T) {
	s := NewStubExecutor()
	s.Respond = func(ctx context.Context, req Request) (*models.TaskResult, error) {
		if req.Agent.ID == "bad" {
			return nil, errors.New("boom")
		}
		return &models.TaskResult{Output: req.Agent.ID}, nil
	}
	req := request("x")
	res, err := s.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "a1", res.Output)

	req.Agent = &models.AgentDefinition{ID: "bad"}
	_, err = s.Execute(context.Background(), req)
	assert.Error(t, err)
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := osexec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommandExecutor(t *testing.T) {
	requireShell(t)
	ctx := context.Background()

	t.Run("stdout is the answer", func(t *testing.T) {
		c := NewCommandExecutor("sh", "-c", `cat; echo; echo "model=$RELAY_MODEL task=$RELAY_TASK"; echo "confidence: 0.4"`)
		req := request("draft")
		req.Prompt = "prompt text"
		res, err := c.Execute(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "prompt text\nmodel=stub/m1 task=draft", res.Output)
		require.NotNil(t, res.Confidence)
		assert.InDelta(t, 0.4, *res.Confidence, 1e-9)
	})

	t.Run("exit codes map to classes", func(t *testing.T) {
		tests := []struct {
			script string
			class  failure.Class
		}{
			{script: "echo busy >&2; exit 75", class: failure.ClassTransient},
			{script: "echo bad json >&2; exit 65", class: failure.ClassSemantic},
		}
		for _, tt := range tests {
			_, err := NewCommandExecutor("sh", "-c", tt.script).Execute(ctx, request("x"))
			require.Error(t, err)
			assert.Equal(t, tt.class, failure.Classify(err), tt.script)
		}
	})

	t.Run("other failures wrap the exit error", func(t *testing.T) {
		_, err := NewCommandExecutor("sh", "-c", "exit 3").Execute(ctx, request("x"))
		var exitErr *osexec.ExitError
		assert.ErrorAs(t, err, &exitErr)
	})

	t.Run("cancellation", func(t *testing.T) {
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := NewCommandExecutor("sh", "-c", "exec sleep 5").Execute(cctx, request("x"))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

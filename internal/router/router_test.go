package router

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/relay/internal/failure"
	"github.com/ShayCichocki/relay/pkg/models"
)

func cheapSlow() models.ModelDescriptor {
	return models.ModelDescriptor{
		Provider:           "acme",
		ModelID:            "cheap-slow",
		Capabilities:       []models.Capability{models.CapabilityToolUse},
		ContextWindow:      100000,
		InputCostPerToken:  0.000001,
		OutputCostPerToken: 0.000001,
		Latency:            models.LatencyHigh,
	}
}

func pricyFast() models.ModelDescriptor {
	return models.ModelDescriptor{
		Provider:           "zeta",
		ModelID:            "pricy-fast",
		Capabilities:       []models.Capability{models.CapabilityToolUse, models.CapabilityWebSearch},
		ContextWindow:      200000,
		InputCostPerToken:  0.00001,
		OutputCostPerToken: 0.00001,
		Latency:            models.LatencyLow,
	}
}

func newRouter(ms ...models.ModelDescriptor) *Router {
	r := New(DefaultConfig())
	for _, m := range ms {
		r.Upsert(m)
	}
	return r
}

func baseReq() Requirements {
	return Requirements{TaskID: "t1", ContextTokens: 1000, OutputTokens: 1000}
}

func TestSelect_ProfilesChangeRanking(t *testing.T) {
	r := newRouter(cheapSlow(), pricyFast())

	req := baseReq()
	req.Profile = ProfileCostSensitive
	sel, err := r.Select(req)
	require.NoError(t, err)
	assert.Equal(t, "acme/cheap-slow", sel.Primary.Key())
	assert.Equal(t, ProfileCostSensitive, sel.Profile)

	req.Profile = ProfileLatencySensitive
	sel, err = r.Select(req)
	require.NoError(t, err)
	assert.Equal(t, "zeta/pricy-fast", sel.Primary.Key())
	require.Len(t, sel.Fallbacks, 1)
	assert.Equal(t, "acme/cheap-slow", sel.Fallbacks[0].Key())
}

func TestSelect_LatencySensitiveTaskUsesLatencyProfile(t *testing.T) {
	r := newRouter(cheapSlow(), pricyFast())
	req := baseReq()
	req.LatencySensitive = true

	sel, err := r.Select(req)
	require.NoError(t, err)
	assert.Equal(t, ProfileLatencySensitive, sel.Profile)
	assert.Equal(t, "zeta/pricy-fast", sel.Primary.Key())
}

func TestSelect_TieBreaksByProviderPriorityThenModelID(t *testing.T) {
	// Under balanced weights both models score 0.6.
	r := newRouter(pricyFast(), cheapSlow())
	sel, err := r.Select(baseReq())
	require.NoError(t, err)
	assert.InDelta(t, sel.Scores[0].Score, sel.Scores[1].Score, 1e-9)
	assert.Equal(t, "cheap-slow", sel.Primary.ModelID, "lexicographic model id")

	cfg := DefaultConfig()
	cfg.ProviderPriority = []string{"zeta", "acme"}
	r2 := New(cfg)
	r2.Upsert(cheapSlow())
	r2.Upsert(pricyFast())
	sel, err = r2.Select(baseReq())
	require.NoError(t, err)
	assert.Equal(t, "zeta/pricy-fast", sel.Primary.Key(), "provider priority first")
}

func TestSelect_IsDeterministic(t *testing.T) {
	r := newRouter(cheapSlow(), pricyFast(),
		models.ModelDescriptor{Provider: "acme", ModelID: "mid", ContextWindow: 50000,
			InputCostPerToken: 0.000005, OutputCostPerToken: 0.000005, Latency: models.LatencyMedium})

	first, err := r.Select(baseReq())
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := r.Select(baseReq())
		require.NoError(t, err)
		assert.Equal(t, first.Candidates(), again.Candidates())
	}
}

func TestSelect_NoEligibleModel(t *testing.T) {
	noTools := models.ModelDescriptor{Provider: "p", ModelID: "big", ContextWindow: 1000000, Latency: models.LatencyLow}
	smallCtx := models.ModelDescriptor{Provider: "p", ModelID: "small",
		Capabilities: []models.Capability{models.CapabilityToolUse}, ContextWindow: 32000, Latency: models.LatencyLow}
	r := newRouter(noTools, smallCtx)

	_, err := r.Select(Requirements{
		TaskID:        "t1",
		Capabilities:  []models.Capability{models.CapabilityToolUse},
		ContextTokens: 200000,
	})

	var nem *failure.NoEligibleModelError
	require.True(t, errors.As(err, &nem))
	assert.Equal(t, "t1", nem.TaskID)
	assert.Contains(t, nem.Reasons["p/big"], "tool_use")
	assert.Contains(t, nem.Reasons["p/small"], "context window")
}

func TestSelect_HealthFiltersAndPenalizes(t *testing.T) {
	r := newRouter(cheapSlow(), pricyFast())
	req := baseReq()
	req.Profile = ProfileCostSensitive

	require.NoError(t, r.SetHealth("acme/cheap-slow", models.HealthUnavailable))
	sel, err := r.Select(req)
	require.NoError(t, err)
	assert.Equal(t, "zeta/pricy-fast", sel.Primary.Key())
	assert.Empty(t, sel.Fallbacks)

	// Degraded is penalized, not excluded: 0.9 - 0.25 still beats 0.3.
	require.NoError(t, r.SetHealth("acme/cheap-slow", models.HealthDegraded))
	sel, err = r.Select(req)
	require.NoError(t, err)
	assert.Equal(t, "acme/cheap-slow", sel.Primary.Key())
	assert.InDelta(t, 0.65, sel.Scores[0].Score, 1e-9)

	assert.ErrorIs(t, r.SetHealth("nope/nope", models.HealthHealthy), ErrUnknownModel)
	assert.Error(t, r.SetHealth("acme/cheap-slow", "sick"))
}

func TestSelect_CostCeilingAndRelax(t *testing.T) {
	r := newRouter(cheapSlow(), pricyFast())
	req := baseReq()
	req.Capabilities = []models.Capability{models.CapabilityWebSearch}
	req.CostCeilingUSD = 0.005

	_, err := r.Select(req)
	var nem *failure.NoEligibleModelError
	require.True(t, errors.As(err, &nem))

	sel, err := r.Select(req.Relax())
	require.NoError(t, err)
	assert.Equal(t, "zeta/pricy-fast", sel.Primary.Key())
	assert.InDelta(t, 0.02, sel.Scores[0].EstimatedCostUSD, 1e-12)
}

func TestSelect_PreferredAndOptionalBonus(t *testing.T) {
	r := newRouter(cheapSlow(), pricyFast())
	req := baseReq()
	req.PreferredModels = []string{"pricy-fast"}

	// Balanced tie is broken by the preference bonus.
	sel, err := r.Select(req)
	require.NoError(t, err)
	assert.Equal(t, "zeta/pricy-fast", sel.Primary.Key())

	req = baseReq()
	req.Optional = []models.Capability{models.CapabilityWebSearch}
	sel, err = r.Select(req)
	require.NoError(t, err)
	assert.Equal(t, "zeta/pricy-fast", sel.Primary.Key())
}

func TestSelect_Exclude(t *testing.T) {
	r := newRouter(cheapSlow(), pricyFast())
	req := baseReq()
	req.Exclude = []string{"acme/cheap-slow"}
	sel, err := r.Select(req)
	require.NoError(t, err)
	assert.Equal(t, "zeta/pricy-fast", sel.Primary.Key())
}

func TestRequirementsFor(t *testing.T) {
	task := &models.Task{ID: "t", Capabilities: []models.Capability{models.CapabilityToolUse},
		EstimatedContextTokens: 500, LatencySensitive: true, MaxCostUSD: 1}
	agent := &models.AgentDefinition{PreferredModels: []string{"x"}, Generation: models.GenerationConfig{MaxTokens: 256}}

	req := RequirementsFor(task, agent)
	assert.Equal(t, 256, req.OutputTokens)
	assert.Equal(t, []string{"x"}, req.PreferredModels)

	relaxed := req.Relax()
	assert.Zero(t, relaxed.CostCeilingUSD)
	assert.False(t, relaxed.LatencySensitive)
	assert.Equal(t, req.Capabilities, relaxed.Capabilities)
	assert.Equal(t, 500, relaxed.ContextTokens)
}

func TestRequirementsFor_AgentTools(t *testing.T) {
	task := &models.Task{ID: "t", Capabilities: []models.Capability{models.CapabilityToolUse}}
	agent := &models.AgentDefinition{Tools: []string{"web_search", "calculator"}}

	req := RequirementsFor(task, agent)
	assert.Equal(t, []models.Capability{models.CapabilityToolUse, models.CapabilityWebSearch}, req.Capabilities)
	assert.Equal(t, []models.Capability{models.CapabilityToolUse}, task.Capabilities, "the task is not modified")

	plain := RequirementsFor(&models.Task{ID: "t"}, &models.AgentDefinition{})
	assert.Empty(t, plain.Capabilities)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.ActiveProfile = "missing"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Profiles["zero"] = Weights{}
	assert.Error(t, cfg.Validate())
}

func TestConsume(t *testing.T) {
	r := newRouter(cheapSlow())
	ch := make(chan []HealthUpdate)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.Consume(ctx, ch)
		close(done)
	}()

	ch <- []HealthUpdate{{Model: "acme/cheap-slow", Health: models.HealthDegraded}}
	close(ch)
	<-done

	m, ok := r.Get("acme/cheap-slow")
	require.True(t, ok)
	assert.Equal(t, models.HealthDegraded, m.Health)
}

func TestHealthWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "health.yaml")
	require.NoError(t, os.WriteFile(path, []byte("models:\n  - model: acme/cheap-slow\n    health: degraded\n"), 0644))

	r := newRouter(cheapSlow())
	w := NewHealthWatcher(path, r, nil)
	require.NoError(t, w.Start(context.Background()))
	defer w.Close()

	m, _ := r.Get("acme/cheap-slow")
	assert.Equal(t, models.HealthDegraded, m.Health, "initial file applied on start")

	require.NoError(t, os.WriteFile(path, []byte("models:\n  - model: acme/cheap-slow\n    health: unavailable\n"), 0644))
	require.Eventually(t, func() bool {
		m, _ := r.Get("acme/cheap-slow")
		return m.Health == models.HealthUnavailable
	}, 5*time.Second, 20*time.Millisecond)
}

package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/relay/pkg/models"
)

func agentDef(name, role string, caps ...string) models.AgentDefinition {
	return models.AgentDefinition{
		Name:         name,
		Role:         role,
		Capabilities: caps,
		Generation:   models.GenerationConfig{Temperature: 0.2, MaxTokens: 1024},
	}
}

func TestRegister_AssignsIDAndGet(t *testing.T) {
	r := New()
	id, err := r.Register(agentDef("scout", "researcher", "search"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "scout", got.Name)
	assert.False(t, got.CreatedAt.IsZero())

	// Returned definitions are copies.
	got.Capabilities[0] = "changed"
	again, _ := r.Get(id)
	assert.Equal(t, "search", again.Capabilities[0])

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegister_UniqueNamesPerWorkspace(t *testing.T) {
	r := New()
	_, err := r.Register(agentDef("scout", "researcher"))
	require.NoError(t, err)

	_, err = r.Register(agentDef("Scout", "writer"))
	assert.ErrorIs(t, err, ErrDuplicateName)

	other := agentDef("scout", "researcher")
	other.Workspace = "team-b"
	_, err = r.Register(other)
	assert.NoError(t, err, "same name allowed in another workspace")
}

func TestRegister_ValidatesGenerationConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.AgentDefinition)
	}{
		{"temperature too high", func(d *models.AgentDefinition) { d.Generation.Temperature = 2.5 }},
		{"temperature negative", func(d *models.AgentDefinition) { d.Generation.Temperature = -0.1 }},
		{"max tokens zero", func(d *models.AgentDefinition) { d.Generation.MaxTokens = 0 }},
		{"max tokens over limit", func(d *models.AgentDefinition) { d.Generation.MaxTokens = 9000 }},
		{"missing name", func(d *models.AgentDefinition) { d.Name = "" }},
		{"missing role", func(d *models.AgentDefinition) { d.Role = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(WithMaxTokens(8192))
			def := agentDef("a", "writer")
			tt.mutate(&def)
			_, err := r.Register(def)
			assert.Error(t, err)
			assert.Zero(t, r.Count())
		})
	}
}

func TestRegister_Boundaries(t *testing.T) {
	r := New(WithMaxTokens(8192))
	def := agentDef("hot", "writer")
	def.Generation.Temperature = 2
	def.Generation.MaxTokens = 8192
	_, err := r.Register(def)
	assert.NoError(t, err)
}

func TestFindByRoleAndCapability(t *testing.T) {
	r := New()
	for _, d := range []models.AgentDefinition{
		agentDef("r1", "researcher", "search"),
		agentDef("w1", "writer", "prose"),
		agentDef("r2", "Researcher", "search", "code"),
	} {
		_, err := r.Register(d)
		require.NoError(t, err)
	}

	researchers := r.FindByRole("researcher")
	require.Len(t, researchers, 2)
	assert.Equal(t, "r1", researchers[0].Name)
	assert.Equal(t, "r2", researchers[1].Name)

	coders := r.FindByCapability("code")
	require.Len(t, coders, 1)
	assert.Equal(t, "r2", coders[0].Name)

	assert.Empty(t, r.FindByRole("critic"))
}

func TestBest(t *testing.T) {
	r := New()
	r1, _ := r.Register(agentDef("r1", "researcher", "search"))
	r2, _ := r.Register(agentDef("r2", "researcher", "search", "code"))
	w1, _ := r.Register(agentDef("w1", "writer", "code"))

	best, err := r.Best("researcher", []string{"code"}, nil)
	require.NoError(t, err)
	assert.Equal(t, r2, best.ID)

	best, err = r.Best("researcher", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, r1, best.ID, "registration order breaks ties")

	best, err = r.Best("critic", []string{"code"}, nil)
	require.NoError(t, err)
	assert.Equal(t, r2, best.ID, "falls back to capability match")

	best, err = r.Best("researcher", nil, map[string]bool{r1: true, r2: true})
	require.NoError(t, err)
	assert.Equal(t, w1, best.ID)

	_, err = New().Best("researcher", nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveAndUnregister(t *testing.T) {
	r := New()
	id, _ := r.Register(agentDef("scout", "researcher"))

	byName, err := r.Resolve("scout")
	require.NoError(t, err)
	assert.Equal(t, id, byName.ID)

	require.NoError(t, r.Unregister(id))
	_, err = r.Resolve("scout")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Unregister(id), ErrNotFound)

	_, err = r.Register(agentDef("scout", "researcher"))
	assert.NoError(t, err, "name is free again")
}

func TestConcurrentReads(t *testing.T) {
	r := New()
	for i := 0; i < 10; i++ {
		_, err := r.Register(agentDef(fmt.Sprintf("a%d", i), "writer"))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%5 == 0 {
				_, _ = r.Register(agentDef(fmt.Sprintf("late%d", i), "critic"))
				return
			}
			_, _ = r.Best("writer", nil, nil)
			_ = r.List()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 14, r.Count())
}

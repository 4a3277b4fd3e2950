package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/relay/internal/registry"
	"github.com/ShayCichocki/relay/internal/router"
	"github.com/ShayCichocki/relay/pkg/models"
)

// DefaultPlannerModel is the model id used for planning when none is configured.
const DefaultPlannerModel = "claude-sonnet-4-5-20250929"

// perMillion converts catalog prices (USD per million tokens) to USD per token.
const perMillion = 1_000_000

// Catalog lists the agents and models a relay process starts with.
type Catalog struct {
	Agents []models.AgentDefinition
	Models []models.ModelDescriptor
}

// modelEntry is the catalog form of a model descriptor. Prices are per
// million tokens, as providers publish them.
type modelEntry struct {
	models.ModelDescriptor `yaml:",inline"`
	InputCostPerMTok       float64 `yaml:"input_cost_per_mtok"`
	OutputCostPerMTok      float64 `yaml:"output_cost_per_mtok"`
}

type catalogFile struct {
	Agents []models.AgentDefinition `yaml:"agents"`
	Models []modelEntry             `yaml:"models"`
}

// LoadCatalog reads a catalog file. An empty path returns the built-in catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses catalog YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	c := &Catalog{Agents: f.Agents}
	for i, m := range f.Models {
		if m.Provider == "" || m.ModelID == "" {
			return nil, fmt.Errorf("catalog model %d: provider and model_id are required", i+1)
		}
		if m.InputCostPerMTok < 0 || m.OutputCostPerMTok < 0 {
			return nil, fmt.Errorf("catalog model %s: prices must not be negative", m.Key())
		}
		if m.Health != "" && !m.Health.Valid() {
			return nil, fmt.Errorf("catalog model %s: invalid health %q", m.Key(), m.Health)
		}
		d := m.ModelDescriptor.Clone()
		d.InputCostPerToken = m.InputCostPerMTok / perMillion
		d.OutputCostPerToken = m.OutputCostPerMTok / perMillion
		c.Models = append(c.Models, d)
	}
	if len(c.Agents) == 0 {
		return nil, errors.New("catalog defines no agents")
	}
	if len(c.Models) == 0 {
		return nil, errors.New("catalog defines no models")
	}
	return c, nil
}

// Apply registers the catalog's agents and models.
func (c *Catalog) Apply(reg *registry.Registry, rt *router.Router) error {
	for _, a := range c.Agents {
		if _, err := reg.Register(a); err != nil {
			return fmt.Errorf("register agent %q: %w", a.Name, err)
		}
	}
	for _, m := range c.Models {
		rt.Upsert(m)
	}
	return nil
}

// Model returns the catalog descriptor with the given model id or provider/model key.
func (c *Catalog) Model(id string) (models.ModelDescriptor, bool) {
	for _, m := range c.Models {
		if m.ModelID == id || m.Key() == id {
			return m, true
		}
	}
	return models.ModelDescriptor{}, false
}

// DefaultCatalog is a small general-purpose team on Anthropic models.
func DefaultCatalog() *Catalog {
	gen := models.GenerationConfig{Temperature: 0.3, MaxTokens: 4096}
	return &Catalog{
		Agents: []models.AgentDefinition{
			{Name: "generalist", Role: "generalist", Capabilities: []string{"analysis", "writing"}, Generation: gen},
			{Name: "researcher", Role: "researcher", Capabilities: []string{"research", "analysis"},
				Tools: []string{"web_search"}, Generation: gen},
			{Name: "writer", Role: "writer", Capabilities: []string{"writing"},
				Generation: models.GenerationConfig{Temperature: 0.7, MaxTokens: 8192}},
			{Name: "coder", Role: "coder", Capabilities: []string{"code", "analysis"},
				Generation: models.GenerationConfig{Temperature: 0.2, MaxTokens: 8192}},
			{Name: "critic", Role: "critic", Capabilities: []string{"review"},
				Generation: models.GenerationConfig{Temperature: 0, MaxTokens: 2048}},
			{Name: "synthesizer", Role: "synthesizer", Capabilities: []string{"writing", "review"},
				Generation: models.GenerationConfig{Temperature: 0.2, MaxTokens: 4096}},
		},
		Models: []models.ModelDescriptor{
			{
				Provider:           "anthropic",
				ModelID:            "claude-opus-4-5-20251101",
				Capabilities:       []models.Capability{models.CapabilityToolUse, models.CapabilityStructuredOutput, models.CapabilityWebSearch},
				ContextWindow:      200_000,
				InputCostPerToken:  5.0 / perMillion,
				OutputCostPerToken: 25.0 / perMillion,
				Latency:            models.LatencyHigh,
				Health:             models.HealthHealthy,
			},
			{
				Provider:           "anthropic",
				ModelID:            DefaultPlannerModel,
				Capabilities:       []models.Capability{models.CapabilityToolUse, models.CapabilityStructuredOutput, models.CapabilityWebSearch},
				ContextWindow:      200_000,
				InputCostPerToken:  3.0 / perMillion,
				OutputCostPerToken: 15.0 / perMillion,
				Latency:            models.LatencyMedium,
				Health:             models.HealthHealthy,
			},
			{
				Provider:           "anthropic",
				ModelID:            "claude-haiku-4-5-20251001",
				Capabilities:       []models.Capability{models.CapabilityToolUse, models.CapabilityStructuredOutput},
				ContextWindow:      200_000,
				InputCostPerToken:  1.0 / perMillion,
				OutputCostPerToken: 5.0 / perMillion,
				Latency:            models.LatencyLow,
				Health:             models.HealthHealthy,
			},
		},
	}
}

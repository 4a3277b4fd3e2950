package models

import "time"

// GenerationConfig controls sampling for an agent's model calls.
type GenerationConfig struct {
	// Temperature must be within [0, 2].
	Temperature float64 `json:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
	// MaxTokens must be positive and no larger than the provider limit.
	MaxTokens int `json:"max_tokens" yaml:"max_tokens" validate:"gt=0"`
}

// AgentDefinition is a configured executor role.
type AgentDefinition struct {
	// ID is assigned by the registry.
	ID string `json:"id" yaml:"id"`
	// Name is unique within a workspace.
	Name string `json:"name" yaml:"name" validate:"required"`
	// Workspace scopes name uniqueness. Empty means the default workspace.
	Workspace string `json:"workspace,omitempty" yaml:"workspace"`
	// Role is the primary role this agent fills (researcher, coder, critic, ...).
	Role string `json:"role" yaml:"role" validate:"required"`
	// Capabilities are free-form skills used for capability lookup.
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities"`
	// PromptTemplate is a text/template rendered with the task context.
	PromptTemplate string `json:"prompt_template,omitempty" yaml:"prompt_template"`
	// Tools is the tool allowlist.
	Tools []string `json:"tools,omitempty" yaml:"tools"`
	// PreferredModels lists model keys (provider/model) this agent prefers.
	PreferredModels []string `json:"preferred_models,omitempty" yaml:"preferred_models"`
	// Generation holds sampling settings.
	Generation GenerationConfig `json:"generation" yaml:"generation"`
	// CreatedAt is set on registration.
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// HasCapability reports whether the agent lists the given capability.
func (a *AgentDefinition) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the definition.
func (a *AgentDefinition) Clone() *AgentDefinition {
	if a == nil {
		return nil
	}
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	c.Tools = append([]string(nil), a.Tools...)
	c.PreferredModels = append([]string(nil), a.PreferredModels...)
	return &c
}

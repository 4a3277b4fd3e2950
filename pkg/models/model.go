package models

// Capability is a feature a backing model may support.
type Capability string

const (
	CapabilityToolUse          Capability = "tool_use"
	CapabilityStructuredOutput Capability = "structured_output"
	CapabilityWebSearch        Capability = "web_search"
)

// LatencyClass is a coarse latency bucket for a model.
type LatencyClass string

const (
	LatencyLow    LatencyClass = "low"
	LatencyMedium LatencyClass = "medium"
	LatencyHigh   LatencyClass = "high"
)

// Rank maps the class onto 1 (fast) .. 3 (slow). Unknown classes rank as high.
func (l LatencyClass) Rank() int {
	switch l {
	case LatencyLow:
		return 1
	case LatencyMedium:
		return 2
	default:
		return 3
	}
}

// Health is the availability signal for a model.
type Health string

const (
	HealthHealthy     Health = "healthy"
	HealthDegraded    Health = "degraded"
	HealthUnavailable Health = "unavailable"
)

// Valid returns true if the health value is known.
func (h Health) Valid() bool {
	return h == HealthHealthy || h == HealthDegraded || h == HealthUnavailable
}

// ModelDescriptor is metadata about an available backing model.
type ModelDescriptor struct {
	Provider     string       `json:"provider" yaml:"provider"`
	ModelID      string       `json:"model_id" yaml:"model_id"`
	Capabilities []Capability `json:"capabilities,omitempty" yaml:"capabilities"`
	// ContextWindow is the maximum number of input tokens.
	ContextWindow int `json:"context_window" yaml:"context_window"`
	// InputCostPerToken and OutputCostPerToken are in USD.
	InputCostPerToken  float64      `json:"input_cost_per_token" yaml:"-"`
	OutputCostPerToken float64      `json:"output_cost_per_token" yaml:"-"`
	Latency            LatencyClass `json:"latency" yaml:"latency"`
	Health             Health       `json:"health" yaml:"health"`
}

// Key identifies the descriptor as provider/model_id.
func (m ModelDescriptor) Key() string {
	return m.Provider + "/" + m.ModelID
}

// HasCapability reports whether the model supports the capability.
func (m ModelDescriptor) HasCapability(c Capability) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// EstimateCost returns the USD cost of a call with the given token counts.
func (m ModelDescriptor) EstimateCost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*m.InputCostPerToken + float64(outputTokens)*m.OutputCostPerToken
}

// Clone returns a copy with its own capability slice.
func (m ModelDescriptor) Clone() ModelDescriptor {
	m.Capabilities = append([]Capability(nil), m.Capabilities...)
	return m
}

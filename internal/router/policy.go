package router

import "fmt"

// Built-in profile names.
const (
	ProfileBalanced         = "balanced"
	ProfileCostSensitive    = "cost_sensitive"
	ProfileLatencySensitive = "latency_sensitive"
)

// Weights are the scoring weights of a policy profile.
type Weights struct {
	Cost       float64 `mapstructure:"cost" yaml:"cost"`
	Latency    float64 `mapstructure:"latency" yaml:"latency"`
	Capability float64 `mapstructure:"capability" yaml:"capability"`
}

// Config configures the router.
type Config struct {
	// Profiles maps profile names to weights.
	Profiles map[string]Weights `mapstructure:"profiles"`
	// ActiveProfile is used when a request names no profile.
	ActiveProfile string `mapstructure:"active_profile"`
	// DegradedPenalty is subtracted from the score of degraded models.
	DegradedPenalty float64 `mapstructure:"degraded_penalty"`
	// ProviderPriority breaks score ties; earlier providers win.
	ProviderPriority []string `mapstructure:"provider_priority"`
}

// DefaultConfig returns the built-in profiles.
func DefaultConfig() Config {
	return Config{
		Profiles: map[string]Weights{
			ProfileBalanced:         {Cost: 0.4, Latency: 0.4, Capability: 0.2},
			ProfileCostSensitive:    {Cost: 0.7, Latency: 0.1, Capability: 0.2},
			ProfileLatencySensitive: {Cost: 0.1, Latency: 0.7, Capability: 0.2},
		},
		ActiveProfile:   ProfileBalanced,
		DegradedPenalty: 0.25,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if len(c.Profiles) == 0 {
		return fmt.Errorf("router: at least one profile is required")
	}
	for name, w := range c.Profiles {
		if w.Cost < 0 || w.Latency < 0 || w.Capability < 0 {
			return fmt.Errorf("router: profile %s has negative weight", name)
		}
		if w.Cost+w.Latency+w.Capability == 0 {
			return fmt.Errorf("router: profile %s has all-zero weights", name)
		}
	}
	if _, ok := c.Profiles[c.ActiveProfile]; !ok {
		return fmt.Errorf("router: active profile %q is not defined", c.ActiveProfile)
	}
	if c.DegradedPenalty < 0 {
		return fmt.Errorf("router: degraded_penalty must be >= 0")
	}
	return nil
}

// profile resolves the weights for a request: an explicit profile first, then
// latency_sensitive for latency-sensitive tasks, then the active profile.
func (c Config) profile(name string, latencySensitive bool) (string, Weights) {
	if w, ok := c.Profiles[name]; ok && name != "" {
		return name, w
	}
	if latencySensitive {
		if w, ok := c.Profiles[ProfileLatencySensitive]; ok {
			return ProfileLatencySensitive, w
		}
	}
	if w, ok := c.Profiles[c.ActiveProfile]; ok {
		return c.ActiveProfile, w
	}
	return ProfileBalanced, DefaultConfig().Profiles[ProfileBalanced]
}

// Package config handles configuration loading and management for relay.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/relay/internal/collab"
	"github.com/ShayCichocki/relay/internal/failure"
	"github.com/ShayCichocki/relay/internal/orchestrator"
	"github.com/ShayCichocki/relay/internal/router"
	"github.com/ShayCichocki/relay/internal/state"
)

// ProjectConfigName is the project-level override file searched upward from
// the working directory.
const ProjectConfigName = ".relay.yaml"

// Executor kinds.
const (
	ExecutorAnthropic = "anthropic"
	ExecutorCommand   = "command"
	ExecutorEcho      = "echo"
)

// Config holds all configuration for relay.
type Config struct {
	Orchestrator  orchestrator.Config `mapstructure:"orchestrator"`
	Router        RouterConfig        `mapstructure:"router"`
	Retry         failure.Policy      `mapstructure:"retry"`
	Collaboration collab.Config       `mapstructure:"collaboration"`
	Store         StoreConfig         `mapstructure:"store"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Anthropic     AnthropicConfig     `mapstructure:"anthropic"`
	Executor      ExecutorConfig      `mapstructure:"executor"`
	Catalog       CatalogConfig       `mapstructure:"catalog"`
}

// RouterConfig is the model router configuration plus its health feed.
type RouterConfig struct {
	router.Config `mapstructure:",squash"`
	// HealthFile is a YAML health feed applied whenever it changes.
	HealthFile string `mapstructure:"health_file"`
}

// StoreConfig selects the execution state store.
type StoreConfig struct {
	// Driver is sqlite, file or memory.
	Driver string `mapstructure:"driver"`
	// Path is the database file (sqlite) or directory (file).
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
	// PlannerModel is the catalog model id used for goal decomposition.
	PlannerModel string `mapstructure:"planner_model"`
}

// ExecutorConfig selects the agent-execution collaborator.
type ExecutorConfig struct {
	// Kind is anthropic, command or echo.
	Kind string `mapstructure:"kind"`
	// Command is the command line for the command executor.
	Command []string `mapstructure:"command"`
}

// CatalogConfig points at the agents and models catalog.
type CatalogConfig struct {
	// Path is a YAML catalog. Empty uses the built-in catalog.
	Path string `mapstructure:"path"`
}

// Validate checks every section.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Orchestrator.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: %w", err))
	}
	if err := c.Router.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Retry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}
	if c.Collaboration.Enabled {
		if err := c.Collaboration.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.Store.Driver {
	case state.DriverSQLite, state.DriverFile, state.DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("store: unknown driver %q", c.Store.Driver))
	}
	switch c.Executor.Kind {
	case ExecutorAnthropic, ExecutorEcho:
	case ExecutorCommand:
		if len(c.Executor.Command) == 0 {
			errs = append(errs, errors.New("executor: command executor requires executor.command"))
		}
	default:
		errs = append(errs, fmt.Errorf("executor: unknown kind %q", c.Executor.Kind))
	}
	return errors.Join(errs...)
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (RELAY_<SECTION>_<KEY>, ANTHROPIC_API_KEY)
// 2. Project config (.relay.yaml in current directory or parent)
// 3. User config (~/.config/relay/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return decode(v)
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	bindEnv(v)
	return v, nil
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("relay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("anthropic.api_key", "RELAY_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.Store.Path = expandEnv(cfg.Store.Path)
	cfg.Catalog.Path = expandEnv(cfg.Catalog.Path)
	cfg.Router.HealthFile = expandEnv(cfg.Router.HealthFile)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Settings returns the effective configuration as flattened dot-notation keys.
// The API key is masked.
func Settings() (map[string]any, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	for _, key := range v.AllKeys() {
		out[key] = v.Get(key)
	}
	if key, ok := out["anthropic.api_key"].(string); ok {
		out["anthropic.api_key"] = MaskAPIKey(expandEnv(key))
	}
	return out, nil
}

// Keys returns every known configuration key in sorted order.
func Keys() []string {
	v := viper.New()
	setDefaults(v)
	keys := v.AllKeys()
	sort.Strings(keys)
	return keys
}

// SetUserValue writes one key to the user config file. The key must be known
// and the resulting configuration must be valid.
func SetUserValue(key, value string) error {
	key = strings.ToLower(strings.TrimSpace(key))
	if !isKnownKey(key) {
		return fmt.Errorf("unknown configuration key: %s", key)
	}

	dir := getUserConfigDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	path := filepath.Join(dir, "config.yaml")

	user := viper.New()
	user.SetConfigFile(path)
	if err := user.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("reading user config: %w", err)
		}
	}
	user.Set(key, value)

	check := viper.New()
	setDefaults(check)
	if err := check.MergeConfigMap(user.AllSettings()); err != nil {
		return fmt.Errorf("merging config: %w", err)
	}
	if _, err := decode(check); err != nil {
		return err
	}

	return user.WriteConfigAs(path)
}

// WriteDefault writes the built-in defaults to path as YAML.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	v := viper.New()
	setDefaults(v)
	return v.WriteConfigAs(path)
}

// isKnownKey accepts default keys and keys of new router profiles.
func isKnownKey(key string) bool {
	if strings.HasPrefix(key, "router.profiles.") {
		return true
	}
	for _, k := range Keys() {
		if k == key {
			return true
		}
	}
	return false
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values from Default.
func setDefaults(v *viper.Viper) {
	d := Default()

	o := d.Orchestrator
	v.SetDefault("orchestrator.concurrency", o.Concurrency)
	v.SetDefault("orchestrator.global_concurrency", o.GlobalConcurrency)
	v.SetDefault("orchestrator.max_tasks", o.MaxTasks)
	v.SetDefault("orchestrator.max_iterations", o.MaxIterations)
	v.SetDefault("orchestrator.approval_timeout", o.ApprovalTimeout.String())
	v.SetDefault("orchestrator.approval_timeout_policy", o.ApprovalTimeoutPolicy)
	v.SetDefault("orchestrator.continue_on_failure", o.ContinueOnFailure)
	v.SetDefault("orchestrator.allow_skipped_dependencies", o.AllowSkippedDependencies)
	v.SetDefault("orchestrator.default_task_timeout", o.DefaultTaskTimeout.String())
	v.SetDefault("orchestrator.max_duration", o.MaxDuration.String())
	v.SetDefault("orchestrator.max_cost_usd", o.MaxCostUSD)
	v.SetDefault("orchestrator.budget_warning_threshold", o.BudgetWarningThreshold)
	v.SetDefault("orchestrator.memory_window", o.MemoryWindow)
	v.SetDefault("orchestrator.event_buffer", o.EventBuffer)

	r := d.Router
	v.SetDefault("router.active_profile", r.ActiveProfile)
	v.SetDefault("router.degraded_penalty", r.DegradedPenalty)
	v.SetDefault("router.provider_priority", append([]string{}, r.ProviderPriority...))
	v.SetDefault("router.health_file", r.HealthFile)
	for name, w := range r.Profiles {
		v.SetDefault("router.profiles."+name+".cost", w.Cost)
		v.SetDefault("router.profiles."+name+".latency", w.Latency)
		v.SetDefault("router.profiles."+name+".capability", w.Capability)
	}

	p := d.Retry
	v.SetDefault("retry.max_retries", p.MaxRetries)
	for name, c := range map[string]failure.Curve{"transient": p.Transient, "semantic": p.Semantic, "capability": p.Capability} {
		v.SetDefault("retry."+name+".initial", c.Initial.String())
		v.SetDefault("retry."+name+".multiplier", c.Multiplier)
		v.SetDefault("retry."+name+".max", c.Max.String())
		v.SetDefault("retry."+name+".jitter", c.Jitter)
	}

	c := d.Collaboration
	v.SetDefault("collaboration.enabled", c.Enabled)
	v.SetDefault("collaboration.candidates", c.Candidates)
	v.SetDefault("collaboration.confidence_threshold", c.ConfidenceThreshold)
	v.SetDefault("collaboration.max_rounds", c.MaxRounds)
	v.SetDefault("collaboration.critic_role", c.CriticRole)
	v.SetDefault("collaboration.synthesizer_role", c.SynthesizerRole)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("logging.level", d.Logging.Level)

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")
	v.SetDefault("anthropic.planner_model", d.Anthropic.PlannerModel)

	v.SetDefault("executor.kind", d.Executor.Kind)
	v.SetDefault("executor.command", []string{})
	v.SetDefault("catalog.path", "")
}

// getUserConfigDir returns the XDG config directory for relay.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "relay")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "relay")
	}
	return filepath.Join(home, ".config", "relay")
}

// findProjectConfig searches for .relay.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Orchestrator:  orchestrator.DefaultConfig(),
		Router:        RouterConfig{Config: router.DefaultConfig()},
		Retry:         failure.DefaultPolicy(),
		Collaboration: collab.DefaultConfig(),
		Store: StoreConfig{
			Driver: state.DriverSQLite,
		},
		Logging: LoggingConfig{Level: "info"},
		Anthropic: AnthropicConfig{
			PlannerModel: DefaultPlannerModel,
		},
		Executor: ExecutorConfig{Kind: ExecutorAnthropic},
	}
}

package config

import (
	"math"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/ShayCichocki/relay/internal/orchestrator"
	"github.com/ShayCichocki/relay/internal/router"
	"github.com/ShayCichocki/relay/internal/state"
)

// isolate points the user config at a temp dir and runs from a directory
// with no project config above it.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("RELAY_ANTHROPIC_API_KEY", "")
	work := filepath.Join(dir, "work")
	if err := os.MkdirAll(work, 0755); err != nil {
		t.Fatal(err)
	}
	t.Chdir(work)
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func mustLoad(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Orchestrator.Concurrency != 4 {
		t.Errorf("expected concurrency 4, got %d", cfg.Orchestrator.Concurrency)
	}
	if cfg.Orchestrator.ApprovalTimeoutPolicy != orchestrator.ApprovalTimeoutFail {
		t.Errorf("expected approval timeout policy fail, got %q", cfg.Orchestrator.ApprovalTimeoutPolicy)
	}
	if cfg.Router.ActiveProfile != router.ProfileBalanced {
		t.Errorf("expected balanced profile, got %q", cfg.Router.ActiveProfile)
	}
	if cfg.Retry.MaxRetries != 3 {
		t.Errorf("expected 3 retries, got %d", cfg.Retry.MaxRetries)
	}
	if cfg.Store.Driver != state.DriverSQLite {
		t.Errorf("expected sqlite store, got %q", cfg.Store.Driver)
	}
	if cfg.Executor.Kind != ExecutorAnthropic {
		t.Errorf("expected anthropic executor, got %q", cfg.Executor.Kind)
	}
	if cfg.Anthropic.PlannerModel != DefaultPlannerModel {
		t.Errorf("expected planner model %q, got %q", DefaultPlannerModel, cfg.Anthropic.PlannerModel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config is invalid: %v", err)
	}
}

func TestValidate_CollectsEverySection(t *testing.T) {
	cfg := Default()
	cfg.Orchestrator.Concurrency = 0
	cfg.Router.ActiveProfile = "nope"
	cfg.Store.Driver = "postgres"
	cfg.Executor.Kind = ExecutorCommand

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"concurrency", "active profile", "postgres", "executor.command"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestLoad_DefaultsWithoutFiles(t *testing.T) {
	isolate(t)

	cfg := mustLoad(t)
	if !reflect.DeepEqual(cfg.Orchestrator, Default().Orchestrator) {
		t.Errorf("orchestrator = %+v, want defaults", cfg.Orchestrator)
	}
	if !reflect.DeepEqual(cfg.Retry, Default().Retry) {
		t.Errorf("retry = %+v, want defaults", cfg.Retry)
	}
	if len(cfg.Router.Profiles) != 3 {
		t.Errorf("expected 3 router profiles, got %d", len(cfg.Router.Profiles))
	}
}

func TestLoadFromPath(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
orchestrator:
  concurrency: 2
  approval_timeout: 90s
  approval_timeout_policy: skip
  max_cost_usd: 1.5
router:
  active_profile: cost_sensitive
  provider_priority: [anthropic, openai]
  health_file: /tmp/health.yaml
retry:
  transient:
    initial: 2s
store:
  driver: file
  path: /tmp/relay-state
executor:
  kind: command
  command: ["./agent.sh", "--json"]
`)

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}

	if cfg.Orchestrator.Concurrency != 2 {
		t.Errorf("concurrency = %d, want 2", cfg.Orchestrator.Concurrency)
	}
	if cfg.Orchestrator.ApprovalTimeout != 90*time.Second {
		t.Errorf("approval timeout = %v, want 90s", cfg.Orchestrator.ApprovalTimeout)
	}
	if cfg.Orchestrator.ApprovalTimeoutPolicy != orchestrator.ApprovalTimeoutSkip {
		t.Errorf("approval timeout policy = %q, want skip", cfg.Orchestrator.ApprovalTimeoutPolicy)
	}
	if math.Abs(cfg.Orchestrator.MaxCostUSD-1.5) > 1e-9 {
		t.Errorf("max cost = %v, want 1.5", cfg.Orchestrator.MaxCostUSD)
	}
	if cfg.Router.ActiveProfile != router.ProfileCostSensitive {
		t.Errorf("active profile = %q, want cost_sensitive", cfg.Router.ActiveProfile)
	}
	if !slices.Equal(cfg.Router.ProviderPriority, []string{"anthropic", "openai"}) {
		t.Errorf("provider priority = %v", cfg.Router.ProviderPriority)
	}
	if cfg.Router.HealthFile != "/tmp/health.yaml" {
		t.Errorf("health file = %q", cfg.Router.HealthFile)
	}
	if cfg.Retry.Transient.Initial != 2*time.Second {
		t.Errorf("transient initial = %v, want 2s", cfg.Retry.Transient.Initial)
	}
	if cfg.Retry.Transient.Max != 30*time.Second {
		t.Errorf("unset keys keep defaults: transient max = %v, want 30s", cfg.Retry.Transient.Max)
	}
	if cfg.Store.Driver != state.DriverFile {
		t.Errorf("store driver = %q, want file", cfg.Store.Driver)
	}
	if !slices.Equal(cfg.Executor.Command, []string{"./agent.sh", "--json"}) {
		t.Errorf("executor command = %v", cfg.Executor.Command)
	}
}

func TestLoadFromPath_Invalid(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "store:\n  driver: mongo\n")

	_, err := LoadFromPath(path)
	if err == nil || !strings.Contains(err.Error(), "mongo") {
		t.Errorf("expected error naming mongo, got %v", err)
	}
}

func TestLoad_ProjectOverridesUser(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, "xdg", "relay", "config.yaml"), "orchestrator:\n  concurrency: 3\n  max_tasks: 20\n")
	writeFile(t, filepath.Join(dir, "work", ProjectConfigName), "orchestrator:\n  concurrency: 6\n")

	cfg := mustLoad(t)
	if cfg.Orchestrator.Concurrency != 6 {
		t.Errorf("concurrency = %d, want project value 6", cfg.Orchestrator.Concurrency)
	}
	if cfg.Orchestrator.MaxTasks != 20 {
		t.Errorf("max tasks = %d, want user value 20", cfg.Orchestrator.MaxTasks)
	}
}

func TestLoad_EnvOverridesFiles(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, "work", ProjectConfigName), "logging:\n  level: debug\n")
	t.Setenv("RELAY_LOGGING_LEVEL", "error")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-from-environment")

	cfg := mustLoad(t)
	if cfg.Logging.Level != "error" {
		t.Errorf("logging level = %q, want error", cfg.Logging.Level)
	}
	if cfg.Anthropic.APIKey != "sk-ant-from-environment" {
		t.Errorf("api key = %q, want the environment value", cfg.Anthropic.APIKey)
	}
}

func TestSetUserValue(t *testing.T) {
	dir := isolate(t)

	if err := SetUserValue("orchestrator.concurrency", "7"); err != nil {
		t.Fatal(err)
	}
	if err := SetUserValue("router.profiles.quality.capability", "1"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "xdg", "relay", "config.yaml")); err != nil {
		t.Fatalf("user config not written: %v", err)
	}

	cfg := mustLoad(t)
	if cfg.Orchestrator.Concurrency != 7 {
		t.Errorf("concurrency = %d, want 7", cfg.Orchestrator.Concurrency)
	}
	if got := cfg.Router.Profiles["quality"].Capability; math.Abs(got-1) > 1e-9 {
		t.Errorf("quality capability weight = %v, want 1", got)
	}

	if err := SetUserValue("orchestrator.nonsense", "1"); err == nil {
		t.Error("expected error for unknown key")
	}
	if err := SetUserValue("store.driver", "mongo"); err == nil {
		t.Error("invalid values are not written")
	}
}

func TestSettings_MasksKey(t *testing.T) {
	isolate(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-REDACTED")

	settings, err := Settings()
	if err != nil {
		t.Fatal(err)
	}
	if got := settings["anthropic.api_key"]; got != "sk-ant-...1234" {
		t.Errorf("api key setting = %q, want masked", got)
	}
	if got := settings["store.driver"]; got != "sqlite" {
		t.Errorf("store.driver = %q, want sqlite", got)
	}
}

func TestKeys(t *testing.T) {
	keys := Keys()
	for _, want := range []string{"orchestrator.max_cost_usd", "router.profiles.balanced.cost", "retry.transient.initial"} {
		if !slices.Contains(keys, want) {
			t.Errorf("Keys() is missing %q", want)
		}
	}
	if !slices.IsSorted(keys) {
		t.Error("Keys() is not sorted")
	}
}

func TestWriteDefault(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cfg.Orchestrator, Default().Orchestrator) {
		t.Errorf("orchestrator = %+v, want defaults", cfg.Orchestrator)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("RELAY_TEST_DIR", "/data")
	if got := expandEnv("${RELAY_TEST_DIR}/relay.db"); got != "/data/relay.db" {
		t.Errorf("expandEnv = %q", got)
	}
	if got := expandEnv("plain"); got != "plain" {
		t.Errorf("expandEnv(plain) = %q", got)
	}
}

func TestGetUserConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	if got := getUserConfigDir(); got != "/custom/config/relay" {
		t.Errorf("getUserConfigDir = %q", got)
	}
}

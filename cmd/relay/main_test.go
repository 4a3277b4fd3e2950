package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/relay/internal/failure"
	"github.com/ShayCichocki/relay/internal/orchestrator"
	"github.com/ShayCichocki/relay/pkg/models"
)

const tasksYAML = `
tasks:
  - name: research
    suggested_role: researcher
  - name: outline
    suggested_role: writer
  - name: draft
    suggested_role: writer
    depends_on: [research, outline]
    iterations: 2
`

// setupCLI isolates config lookup and writes a config that runs tasks with
// the echo executor against a temp SQLite store.
func setupCLI(t *testing.T) (cfgPath, tasksPath string) {
	t.Helper()
	color.NoColor = true

	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Chdir(dir)

	cfgPath = filepath.Join(dir, "relay.yaml")
	cfg := fmt.Sprintf(`
logging:
  level: error
store:
  driver: sqlite
  path: %s
executor:
  kind: echo
`, filepath.Join(dir, "relay.db"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0644))

	tasksPath = filepath.Join(dir, "tasks.yaml")
	require.NoError(t, os.WriteFile(tasksPath, []byte(tasksYAML), 0644))
	return cfgPath, tasksPath
}

// runCLI executes the root command with fresh flag values.
func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	configPath, logLevel = "", ""
	runTasksFile, runDryRun, runMetricsAddr = "", false, ""
	runMaxCost, runMaxDuration, runConcurrency = 0, 0, 0
	runApprove, runGate, runContext = false, false, nil
	resumeApprove, configForce = false, false
	runTUI, resumeTUI = false, false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

var workflowLine = regexp.MustCompile(`(?m)^Workflow (\S+)$`)

func workflowID(t *testing.T, out string) string {
	t.Helper()
	m := workflowLine.FindStringSubmatch(out)
	require.NotNil(t, m, "no workflow id in output:\n%s", out)
	return m[1]
}

func TestVersion(t *testing.T) {
	out, err := runCLI(t, "", "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "relay version "))
}

func TestRun_DryRunPrintsPlan(t *testing.T) {
	cfg, tasks := setupCLI(t)

	out, err := runCLI(t, "", "--config", cfg, "run", "write a report", "--tasks", tasks, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "Plan for write a report (4 tasks)")
	assert.Contains(t, out, "draft#2 [writer]")
	assert.Contains(t, out, "after draft#1")

	_, err = os.Stat(filepath.Join(filepath.Dir(cfg), "relay.db"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "dry runs do not touch the store")
}

func TestRun_DryRunNeedsTasks(t *testing.T) {
	cfg, _ := setupCLI(t)
	_, err := runCLI(t, "", "--config", cfg, "run", "anything", "--dry-run")
	assert.Error(t, err)
}

func TestRun_CompletesAndIsInspectable(t *testing.T) {
	cfg, tasks := setupCLI(t)

	out, err := runCLI(t, "", "--config", cfg, "run", "write a report", "--tasks", tasks, "--approve")
	require.NoError(t, err)
	id := workflowID(t, out)
	assert.Contains(t, out, "✓ research")
	assert.Contains(t, out, "workflow completed")
	assert.Contains(t, out, ": completed")

	out, err = runCLI(t, "", "--config", cfg, "status")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.NotContains(t, out, "Interrupted")

	out, err = runCLI(t, "", "--config", cfg, "status", id)
	require.NoError(t, err)
	for _, name := range []string{"research", "outline", "draft#1", "draft#2"} {
		assert.Contains(t, out, "succeeded   "+name)
	}

	out, err = runCLI(t, "", "--config", cfg, "snapshots", id)
	require.NoError(t, err)
	assert.Contains(t, out, "#1 ")
	assert.Contains(t, out, "created")

	_, err = runCLI(t, "", "--config", cfg, "resume", id)
	assert.ErrorIs(t, err, orchestrator.ErrWorkflowTerminal)
}

func TestRun_ApprovalGateAnsweredOnTerminal(t *testing.T) {
	cfg, tasks := setupCLI(t)

	out, err := runCLI(t, "y\n", "--config", cfg, "run", "gated", "--tasks", tasks, "--require-approval")
	require.NoError(t, err)
	assert.Contains(t, out, "Approve workflow")
	assert.Contains(t, out, "workflow completed")
}

func TestRun_ApprovalGateDeclined(t *testing.T) {
	cfg, tasks := setupCLI(t)

	out, err := runCLI(t, "n\n", "--config", cfg, "run", "gated", "--tasks", tasks, "--require-approval")
	var wfErr *failure.WorkflowError
	require.ErrorAs(t, err, &wfErr)
	assert.NotContains(t, out, "✓ research")
	assert.Contains(t, out, "workflow failed")
}

func TestRun_RejectsMalformedAPIKey(t *testing.T) {
	cfg, tasks := setupCLI(t)
	anthropicCfg := filepath.Join(filepath.Dir(cfg), "anthropic.yaml")
	require.NoError(t, os.WriteFile(anthropicCfg, []byte(fmt.Sprintf(`
logging:
  level: error
store:
  driver: sqlite
  path: %s
executor:
  kind: anthropic
`, filepath.Join(filepath.Dir(cfg), "relay.db"))), 0644))
	t.Setenv("ANTHROPIC_API_KEY", "not-an-anthropic-key")

	_, err := runCLI(t, "", "--config", anthropicCfg, "run", "write a report", "--tasks", tasks, "--approve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic key from environment")
	assert.Contains(t, err.Error(), "sk-ant-")
}

func TestStatus_UnknownWorkflow(t *testing.T) {
	cfg, _ := setupCLI(t)

	out, err := runCLI(t, "", "--config", cfg, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No workflows")

	_, err = runCLI(t, "", "--config", cfg, "status", "missing")
	assert.ErrorIs(t, err, orchestrator.ErrWorkflowNotFound)

	_, err = runCLI(t, "", "--config", cfg, "snapshots", "missing")
	assert.ErrorIs(t, err, orchestrator.ErrWorkflowNotFound)
}

func TestConfig_SetAndGet(t *testing.T) {
	setupCLI(t)

	out, err := runCLI(t, "", "config", "orchestrator.concurrency", "6")
	require.NoError(t, err)
	assert.Contains(t, out, "Set orchestrator.concurrency = 6")

	out, err = runCLI(t, "", "config", "orchestrator.concurrency")
	require.NoError(t, err)
	assert.Equal(t, "6\n", out)

	out, err = runCLI(t, "", "config")
	require.NoError(t, err)
	assert.Contains(t, out, "store.driver: sqlite")
	assert.Contains(t, out, "anthropic.api_key: (not set)")
	assert.Contains(t, out, "api key source: none")

	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-REDACTED")
	out, err = runCLI(t, "", "config")
	require.NoError(t, err)
	assert.Contains(t, out, "api key source: environment")

	_, err = runCLI(t, "", "config", "no.such.key")
	assert.Error(t, err)
}

func TestConfigInit(t *testing.T) {
	setupCLI(t)

	out, err := runCLI(t, "", "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote")

	_, err = runCLI(t, "", "config", "init")
	assert.Error(t, err, "existing files are kept without --force")

	_, err = runCLI(t, "", "config", "init", "--force")
	assert.NoError(t, err)
}

func TestParseContext(t *testing.T) {
	got, err := parseContext([]string{"audience=cto", " tone =dry=ish"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"audience": "cto", "tone": "dry=ish"}, got)

	_, err = parseContext([]string{"novalue"})
	assert.Error(t, err)

	got, err = parseContext(nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFormatEvent(t *testing.T) {
	color.NoColor = true
	ts := time.Date(2026, 1, 2, 15, 4, 0, 0, time.UTC)

	line := formatEvent(orchestrator.Event{
		Type: orchestrator.EventTaskStarted, TaskName: "draft", Model: "anthropic/m", Attempt: 2, Timestamp: ts,
	})
	assert.Equal(t, "3:04PM ▶ draft on anthropic/m (attempt 2)", line)

	line = formatEvent(orchestrator.Event{
		Type: orchestrator.EventWorkflowFinished, Status: string(models.WorkflowFailed), Timestamp: ts,
	})
	assert.Equal(t, "3:04PM workflow failed", line)

	assert.Empty(t, formatEvent(orchestrator.Event{Type: orchestrator.EventSnapshotSaved}))
}

func TestStatusColor(t *testing.T) {
	prev := color.NoColor
	color.NoColor = false
	t.Cleanup(func() { color.NoColor = prev })

	assert.Equal(t, red("failed"), statusColor(string(models.WorkflowFailed)))
	assert.Equal(t, red("failed"), statusColor(string(models.TaskStatusFailed)))
	assert.Equal(t, cyan("running"), statusColor(string(models.WorkflowRunning)))
	assert.Equal(t, green("completed"), statusColor(string(models.WorkflowCompleted)))
	assert.Equal(t, yellow("paused"), statusColor(string(models.WorkflowPaused)))
	assert.Equal(t, "pending", statusColor(string(models.TaskStatusPending)))
	assert.NotEqual(t, "failed", statusColor("failed"))
}

func TestIsYes(t *testing.T) {
	assert.True(t, isYes(" Y "))
	assert.True(t, isYes("yes"))
	assert.False(t, isYes(""))
	assert.False(t, isYes("nope"))
}

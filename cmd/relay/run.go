package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/relay/internal/decompose"
	"github.com/ShayCichocki/relay/internal/failure"
	"github.com/ShayCichocki/relay/internal/orchestrator"
	"github.com/ShayCichocki/relay/internal/tui"
	"github.com/ShayCichocki/relay/pkg/models"
)

var (
	runTasksFile   string
	runDryRun      bool
	runMetricsAddr string
	runMaxCost     float64
	runMaxDuration time.Duration
	runConcurrency int
	runApprove     bool
	runGate        bool
	runContext     []string
	runTUI         bool
)

var runCmd = &cobra.Command{
	Use:   "run <goal>",
	Short: "Plan and run a workflow for a goal",
	Long: `Plan and run a workflow for a goal.

Without --tasks the configured planner decomposes the goal. With --tasks the
task graph is read from a YAML or JSON file:

  tasks:
    - name: research
      suggested_role: researcher
    - name: draft
      depends_on: [research]
      iterations: 2

Approval requests are answered on the terminal unless --approve is given.
With --tui a live dashboard replaces the event stream; approvals, pause and
cancel are handled from the dashboard.
Interrupt with Ctrl-C to cancel; running tasks are stopped cooperatively and
the workflow can be inspected with 'relay status'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWorkflow,
}

func init() {
	runCmd.Flags().StringVar(&runTasksFile, "tasks", "", "YAML or JSON file with explicit tasks")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Print the task graph without running it")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	runCmd.Flags().Float64Var(&runMaxCost, "max-cost", 0, "Cost budget in USD (0 uses the configured default)")
	runCmd.Flags().DurationVar(&runMaxDuration, "max-duration", 0, "Wall-clock budget (0 uses the configured default)")
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 0, "Parallel tasks for this workflow (0 uses the configured default)")
	runCmd.Flags().BoolVar(&runApprove, "approve", false, "Approve every approval request automatically")
	runCmd.Flags().BoolVar(&runGate, "require-approval", false, "Ask for approval before the first task runs")
	runCmd.Flags().StringArrayVar(&runContext, "context", nil, "Planner context as key=value (repeatable)")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Show a live dashboard while the workflow runs")
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	goal := strings.Join(args, " ")

	var specs []decompose.TaskSpec
	if runTasksFile != "" {
		var err error
		specs, err = decompose.LoadSpecs(runTasksFile)
		if err != nil {
			return err
		}
	}
	planCtx, err := parseContext(runContext)
	if err != nil {
		return err
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runDryRun {
		return dryRun(ctx, cmd.OutOrStdout(), cfg.Orchestrator, goal, planCtx, specs)
	}

	var opts appOptions
	if runApprove {
		opts.approver = orchestrator.AutoApprove
	}
	a, err := newApp(ctx, cfg, logger, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	if runMetricsAddr != "" {
		srv, err := serveMetrics(runMetricsAddr, a.metrics)
		if err != nil {
			return err
		}
		defer srv.Close()
	}

	id, err := a.engine.CreateWorkflow(ctx, goal, models.WorkflowConfig{
		MaxDuration:          runMaxDuration,
		MaxCostUSD:           runMaxCost,
		RequireHumanApproval: runGate,
		Concurrency:          runConcurrency,
		Context:              planCtx,
	}, specs)
	if err != nil {
		return err
	}
	return execute(ctx, cmd, a, id, executeOptions{autoApprove: runApprove, dashboard: runTUI})
}

type executeOptions struct {
	autoApprove bool
	dashboard   bool
}

// execute runs a created or restored workflow, streams its events and
// prints the final status.
func execute(ctx context.Context, cmd *cobra.Command, a *app, id string, opts executeOptions) error {
	out := &lockedWriter{w: cmd.OutOrStdout()}

	var runErr error
	if opts.dashboard {
		runErr = runDashboard(ctx, a, id, opts.autoApprove)
		a.engine.Close()
		fmt.Fprintf(out, "Workflow %s\n", bold(id))
	} else {
		fmt.Fprintf(out, "Workflow %s\n", bold(id))
		streamDone := make(chan struct{})
		go func() {
			defer close(streamDone)
			printEvents(out, a.engine.Events())
		}()
		if !opts.autoApprove {
			go answerApprovals(ctx, cmd.InOrStdin(), out, a.engine)
		}

		runErr = a.engine.Run(ctx, id)

		// The event stream ends when the engine closes.
		a.engine.Close()
		<-streamDone
	}

	// Status reads the store, which outlives the signal context.
	st, err := a.engine.Status(context.WithoutCancel(ctx), id)
	if err == nil {
		fmt.Fprintln(out)
		printStatus(out, st)
	}

	var cancelled *failure.CancellationError
	if errors.As(runErr, &cancelled) {
		fmt.Fprintf(out, "\nCancelled. Resume with: relay resume %s\n", id)
	}
	return runErr
}

// runDashboard starts the workflow under the live dashboard and waits for
// it once the dashboard is closed. Closing the dashboard early cancels the
// workflow.
func runDashboard(ctx context.Context, a *app, id string, autoApprove bool) error {
	if err := a.engine.Start(ctx, id); err != nil {
		return err
	}
	var approvals <-chan orchestrator.ApprovalRequest
	if !autoApprove {
		approvals = a.engine.Approvals().Requests()
	}
	d := tui.New(a.engine, id, a.engine.Events(), approvals)
	if err := tui.Run(ctx, d); err != nil {
		_ = a.engine.Cancel(id)
		a.logger.Error("dashboard stopped", "error", err)
	}
	return a.engine.Wait(context.WithoutCancel(ctx), id)
}

// lockedWriter serializes writes from the event and approval goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// dryRun builds the task graph without persisting or running it.
func dryRun(ctx context.Context, out io.Writer, cfg orchestrator.Config, goal string, planCtx map[string]string, specs []decompose.TaskSpec) error {
	if len(specs) == 0 {
		return errors.New("--dry-run needs --tasks; planning calls the provider")
	}
	b := decompose.New(
		decompose.WithMaxTasks(cfg.MaxTasks),
		decompose.WithMaxIterations(cfg.MaxIterations),
	)
	res, err := b.Build(ctx, uuid.NewString(), goal, planCtx, specs)
	if err != nil {
		return err
	}
	printPlan(out, goal, res.Tasks)
	return nil
}

func parseContext(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --context %q: want key=value", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

// serveMetrics serves reg on addr until the returned server is closed.
func serveMetrics(addr string, reg *prometheus.Registry) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	return srv, nil
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/ShayCichocki/relay/internal/orchestrator"
	"github.com/ShayCichocki/relay/pkg/models"
)

var (
	bold   = color.New(color.Bold).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
)

// statusColor colours a task or workflow status name. Task and workflow
// statuses share the "failed" and "running" names.
func statusColor(s string) string {
	switch s {
	case string(models.TaskStatusSucceeded), string(models.WorkflowCompleted):
		return green(s)
	case string(models.TaskStatusFailed):
		return red(s)
	case string(models.TaskStatusSkipped), string(models.TaskStatusCancelled), string(models.WorkflowPaused):
		return yellow(s)
	case string(models.TaskStatusRunning):
		return cyan(s)
	default:
		return s
	}
}

// printEvents writes one line per event until the channel closes.
func printEvents(out io.Writer, events <-chan orchestrator.Event) {
	for ev := range events {
		line := formatEvent(ev)
		if line != "" {
			fmt.Fprintln(out, line)
		}
	}
}

func formatEvent(ev orchestrator.Event) string {
	ts := faint(ev.Timestamp.Format(time.Kitchen))
	switch ev.Type {
	case orchestrator.EventTaskStarted:
		return fmt.Sprintf("%s %s %s on %s (attempt %d)", ts, cyan("▶"), ev.TaskName, ev.Model, ev.Attempt)
	case orchestrator.EventTaskSucceeded:
		return fmt.Sprintf("%s %s %s  $%.4f total", ts, green("✓"), ev.TaskName, ev.CostUSD)
	case orchestrator.EventTaskRetrying:
		return fmt.Sprintf("%s %s %s: %s", ts, yellow("↻"), ev.TaskName, ev.Message)
	case orchestrator.EventTaskFailed:
		return fmt.Sprintf("%s %s %s: %v", ts, red("✗"), ev.TaskName, ev.Error)
	case orchestrator.EventTaskSkipped:
		return fmt.Sprintf("%s %s %s skipped: %s", ts, yellow("-"), ev.TaskName, ev.Message)
	case orchestrator.EventApprovalRequested:
		return fmt.Sprintf("%s %s approval requested %s", ts, yellow("?"), ev.TaskName)
	case orchestrator.EventBudgetWarning:
		return fmt.Sprintf("%s %s %s", ts, yellow("!"), ev.Message)
	case orchestrator.EventWorkflowPaused, orchestrator.EventWorkflowResumed:
		return fmt.Sprintf("%s %s", ts, ev.Type)
	case orchestrator.EventWorkflowFinished:
		return fmt.Sprintf("%s workflow %s", ts, statusColor(ev.Status))
	default:
		// Ready, cancelled and snapshot events are only logged.
		return ""
	}
}

// answerApprovals prompts for each approval request on in/out until ctx ends.
func answerApprovals(ctx context.Context, in io.Reader, out io.Writer, engine *orchestrator.Engine) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	requests := engine.Approvals().Requests()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-requests:
			target := "workflow " + req.WorkflowID
			if req.TaskID != "" {
				target = "task " + req.TaskName
			}
			fmt.Fprintf(out, "%s Approve %s? %s\n", yellow("?"), bold(target), faint(req.Description))
			fmt.Fprintf(out, "  [y/N] (times out in %s): ", req.Timeout)

			var answer string
			select {
			case <-ctx.Done():
				return
			case l, ok := <-lines:
				if !ok {
					return
				}
				answer = l
			}
			d := orchestrator.ApprovalDecision{TaskID: req.TaskID, Approved: isYes(answer)}
			if !d.Approved {
				d.Reason = "declined on the terminal"
			}
			if err := engine.SubmitApproval(req.WorkflowID, d); err != nil {
				fmt.Fprintf(out, "  %s %v\n", red("✗"), err)
			}
		}
	}
}

func isYes(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return true
	}
	return false
}

// printPlan prints a task graph in execution order.
func printPlan(out io.Writer, goal string, tasks []*models.Task) {
	fmt.Fprintf(out, "Plan for %s (%d tasks)\n", bold(goal), len(tasks))
	names := make(map[string]string, len(tasks))
	for _, t := range tasks {
		names[t.ID] = t.Name
	}
	for i, t := range tasks {
		fmt.Fprintf(out, "%3d. %s", i+1, bold(t.Name))
		if t.Role != "" {
			fmt.Fprintf(out, " [%s]", t.Role)
		}
		var flags []string
		if t.HighStakes {
			flags = append(flags, "high-stakes")
		}
		if t.Optional {
			flags = append(flags, "optional")
		}
		if t.RequireApproval {
			flags = append(flags, "approval")
		}
		if len(flags) > 0 {
			fmt.Fprintf(out, " %s", yellow(strings.Join(flags, ",")))
		}
		fmt.Fprintln(out)
		if len(t.DependsOn) > 0 {
			deps := make([]string, 0, len(t.DependsOn))
			for _, d := range t.DependsOn {
				deps = append(deps, names[d])
			}
			fmt.Fprintf(out, "     after %s\n", strings.Join(deps, ", "))
		}
	}
}

// printStatus prints a workflow status with one line per task.
func printStatus(out io.Writer, st *orchestrator.Status) {
	wf := st.Workflow
	fmt.Fprintf(out, "Workflow %s: %s\n", bold(wf.ID), statusColor(string(wf.Status)))
	fmt.Fprintf(out, "  Goal: %s\n", wf.Goal)
	fmt.Fprintf(out, "  Spent: $%.4f", wf.SpentUSD)
	if wf.MaxCostUSD > 0 {
		fmt.Fprintf(out, " of $%.2f", wf.MaxCostUSD)
	}
	fmt.Fprintln(out)
	if wf.StartedAt != nil {
		end := time.Now()
		if wf.FinishedAt != nil {
			end = *wf.FinishedAt
		}
		fmt.Fprintf(out, "  Elapsed: %s\n", end.Sub(*wf.StartedAt).Round(time.Second))
	}
	fmt.Fprintf(out, "  Snapshot: %s (#%d)\n", st.SnapshotID, st.Sequence)

	for _, t := range st.Tasks {
		fmt.Fprintf(out, "  %-11s %s", statusColor(string(t.Status)), t.Name)
		if t.Model != "" {
			fmt.Fprintf(out, " %s", faint(t.Model))
		}
		if t.RetryCount > 0 {
			fmt.Fprintf(out, " retries=%d", t.RetryCount)
		}
		switch {
		case t.LastError != "" && t.Status == models.TaskStatusFailed:
			fmt.Fprintf(out, " [%s] %s", t.ErrorClass, t.LastError)
		case t.SkipReason != "":
			fmt.Fprintf(out, " (%s)", t.SkipReason)
		case t.Approval == models.ApprovalPending:
			fmt.Fprint(out, " (awaiting approval)")
		}
		fmt.Fprintln(out)
	}

	if wf.Failure != nil && wf.Failure.Reason != "" {
		fmt.Fprintf(out, "  %s %s\n", red("Failure:"), wf.Failure.Reason)
	}
}

// printSnapshotList prints snapshot or workflow listings.
func printSnapshotList(out io.Writer, infos []models.SnapshotInfo, byWorkflow bool) {
	for _, info := range infos {
		first := fmt.Sprintf("#%-4d", info.Sequence)
		if byWorkflow {
			first = info.WorkflowID
		}
		fmt.Fprintf(out, "%s  %s  %-10s %s  %s\n",
			first,
			info.CreatedAt.Local().Format(time.DateTime),
			statusColor(string(info.Status)),
			info.Reason,
			faint(info.ID))
	}
}

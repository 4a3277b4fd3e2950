package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/relay/internal/orchestrator"
	"github.com/ShayCichocki/relay/pkg/models"
)

// refreshInterval is how often the task table is re-read.
const refreshInterval = 500 * time.Millisecond

// maxLogLines bounds the event log kept in memory.
const maxLogLines = 500

// Controller is the part of the engine the dashboard drives.
// *orchestrator.Engine implements it.
type Controller interface {
	Status(ctx context.Context, workflowID string) (*orchestrator.Status, error)
	Pause(workflowID string) error
	Resume(workflowID string) error
	Cancel(workflowID string) error
	SubmitApproval(workflowID string, d orchestrator.ApprovalDecision) error
}

type (
	eventMsg        orchestrator.Event
	eventsClosedMsg struct{}
	approvalMsg     orchestrator.ApprovalRequest
	tickMsg         time.Time
	statusMsg       struct {
		status *orchestrator.Status
		err    error
	}
)

// Dashboard is the bubbletea model for one workflow.
type Dashboard struct {
	ctrl       Controller
	workflowID string
	events     <-chan orchestrator.Event
	approvals  <-chan orchestrator.ApprovalRequest

	status  *orchestrator.Status
	pending []orchestrator.ApprovalRequest
	lines   []string

	log     viewport.Model
	spinner spinner.Model

	width   int
	height  int
	paused  bool
	done    bool
	message string
	isError bool
}

// New creates a dashboard for workflowID. Either channel may be nil.
func New(ctrl Controller, workflowID string, events <-chan orchestrator.Event, approvals <-chan orchestrator.ApprovalRequest) *Dashboard {
	return &Dashboard{
		ctrl:       ctrl,
		workflowID: workflowID,
		events:     events,
		approvals:  approvals,
		log:        viewport.New(0, 0),
		spinner:    spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(runningStyle)),
	}
}

// Run shows the dashboard until the user quits or ctx ends.
func Run(ctx context.Context, d *Dashboard, opts ...tea.ProgramOption) error {
	opts = append([]tea.ProgramOption{tea.WithContext(ctx), tea.WithAltScreen()}, opts...)
	_, err := tea.NewProgram(d, opts...).Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Done reports whether the workflow reached a terminal status.
func (d *Dashboard) Done() bool {
	return d.done
}

// Init implements tea.Model.
func (d *Dashboard) Init() tea.Cmd {
	return tea.Batch(
		d.spinner.Tick,
		d.refresh(),
		tick(),
		waitForEvent(d.events),
		waitForApproval(d.approvals),
	)
}

// Update implements tea.Model.
func (d *Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return d.handleKey(msg)

	case tea.WindowSizeMsg:
		d.width, d.height = msg.Width, msg.Height
		d.layout()

	case eventMsg:
		d.handleEvent(orchestrator.Event(msg))
		return d, tea.Batch(waitForEvent(d.events), d.refresh())

	case eventsClosedMsg:
		d.events = nil
		d.done = true

	case approvalMsg:
		if msg.WorkflowID == d.workflowID {
			d.pending = append(d.pending, orchestrator.ApprovalRequest(msg))
			d.layout()
		}
		return d, waitForApproval(d.approvals)

	case statusMsg:
		if msg.err != nil {
			d.setMessage(msg.err.Error(), true)
			return d, nil
		}
		d.status = msg.status
		d.paused = msg.status.Workflow.Status == models.WorkflowPaused
		if msg.status.Workflow.Status.IsTerminal() {
			d.done = true
		}
		d.layout()

	case tickMsg:
		if d.done {
			return d, nil
		}
		return d, tea.Batch(d.refresh(), tick())

	case spinner.TickMsg:
		var cmd tea.Cmd
		d.spinner, cmd = d.spinner.Update(msg)
		return d, cmd
	}
	return d, nil
}

func (d *Dashboard) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		if !d.done {
			// Leaving a live dashboard cancels the workflow; it stays resumable.
			if err := d.ctrl.Cancel(d.workflowID); err != nil && !errors.Is(err, orchestrator.ErrWorkflowTerminal) {
				d.setMessage(err.Error(), true)
			}
		}
		return d, tea.Quit

	case "c":
		if d.done {
			return d, nil
		}
		if err := d.ctrl.Cancel(d.workflowID); err != nil {
			d.setMessage(err.Error(), true)
			return d, nil
		}
		d.setMessage("cancelling; running tasks are stopping", false)
		return d, d.refresh()

	case "p":
		if d.done {
			return d, nil
		}
		var err error
		if d.paused {
			err = d.ctrl.Resume(d.workflowID)
		} else {
			err = d.ctrl.Pause(d.workflowID)
		}
		if err != nil {
			d.setMessage(err.Error(), true)
			return d, nil
		}
		d.paused = !d.paused
		return d, d.refresh()

	case "y", "n":
		if len(d.pending) == 0 {
			return d, nil
		}
		req := d.pending[0]
		dec := orchestrator.ApprovalDecision{TaskID: req.TaskID, Approved: msg.String() == "y"}
		if !dec.Approved {
			dec.Reason = "rejected in the dashboard"
		}
		d.pending = d.pending[1:]
		d.layout()
		if err := d.ctrl.SubmitApproval(d.workflowID, dec); err != nil {
			d.setMessage(err.Error(), true)
			return d, nil
		}
		if dec.Approved {
			d.setMessage("approved "+approvalTarget(req), false)
		} else {
			d.setMessage("rejected "+approvalTarget(req), false)
		}
		return d, d.refresh()
	}

	var cmd tea.Cmd
	d.log, cmd = d.log.Update(msg)
	return d, cmd
}

func (d *Dashboard) handleEvent(ev orchestrator.Event) {
	switch ev.Type {
	case orchestrator.EventWorkflowPaused:
		d.paused = true
	case orchestrator.EventWorkflowResumed:
		d.paused = false
	case orchestrator.EventWorkflowFinished:
		d.done = true
		d.pending = nil
	case orchestrator.EventApprovalResolved:
		d.dropPending(ev.TaskID)
	}
	if line := formatEvent(ev); line != "" {
		d.appendLine(line)
	}
}

// dropPending removes the request for taskID, which was decided elsewhere
// or timed out.
func (d *Dashboard) dropPending(taskID string) {
	for i, req := range d.pending {
		if req.TaskID == taskID {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			d.layout()
			return
		}
	}
}

func (d *Dashboard) appendLine(line string) {
	d.lines = append(d.lines, line)
	if len(d.lines) > maxLogLines {
		d.lines = d.lines[len(d.lines)-maxLogLines:]
	}
	follow := d.log.AtBottom()
	d.log.SetContent(strings.Join(d.lines, "\n"))
	if follow {
		d.log.GotoBottom()
	}
}

func (d *Dashboard) setMessage(msg string, isError bool) {
	d.message, d.isError = msg, isError
}

// layout gives the event log whatever height the other sections leave.
func (d *Dashboard) layout() {
	if d.width == 0 {
		return
	}
	used := lipgloss.Height(d.headerView()) + lipgloss.Height(d.tasksView()) + lipgloss.Height(d.footerView())
	if a := d.approvalView(); a != "" {
		used += lipgloss.Height(a)
	}
	d.log.Width = max(d.width-2, 10)
	d.log.Height = max(d.height-used-2, 3)
}

func (d *Dashboard) refresh() tea.Cmd {
	ctrl, id := d.ctrl, d.workflowID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		st, err := ctrl.Status(ctx, id)
		return statusMsg{status: st, err: err}
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func waitForEvent(ch <-chan orchestrator.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func waitForApproval(ch <-chan orchestrator.ApprovalRequest) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		req, ok := <-ch
		if !ok {
			return nil
		}
		return approvalMsg(req)
	}
}

// View implements tea.Model.
func (d *Dashboard) View() string {
	sections := []string{d.headerView(), d.tasksView()}
	if a := d.approvalView(); a != "" {
		sections = append(sections, a)
	}
	if d.width > 0 {
		sections = append(sections, logStyle.Width(d.log.Width).Render(d.log.View()))
	}
	sections = append(sections, d.footerView())
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (d *Dashboard) headerView() string {
	title := titleStyle.Render("relay") + " " + faintStyle.Render(d.workflowID)
	if d.status == nil {
		return title + "\n" + faintStyle.Render("loading…")
	}
	wf := d.status.Workflow
	state := workflowStyle(wf.Status).Render(string(wf.Status))
	if wf.Status == models.WorkflowRunning {
		state = d.spinner.View() + state
	}

	counts := d.status.Counts()
	progress := fmt.Sprintf("%d/%d succeeded", counts[models.TaskStatusSucceeded], len(d.status.Tasks))
	cost := fmt.Sprintf("$%.4f", wf.SpentUSD)
	if wf.MaxCostUSD > 0 {
		cost += fmt.Sprintf(" of $%.2f", wf.MaxCostUSD)
	}

	goal := wf.Goal
	if d.width > 1 {
		goal = truncate(goal, d.width)
	}
	sep := separatorStyle.Render(" │ ")
	return title + sep + state + sep + progress + sep + cost + "\n" + goal
}

func (d *Dashboard) tasksView() string {
	if d.status == nil || len(d.status.Tasks) == 0 {
		return ""
	}
	var b strings.Builder
	for _, t := range d.status.Tasks {
		fmt.Fprintf(&b, "%s %-24s %-10s", taskIcon(t.Status), truncate(t.Name, 24), t.Status)
		if t.Model != "" {
			b.WriteString(" " + faintStyle.Render(t.Model))
		}
		if t.RetryCount > 0 {
			b.WriteString(warnStyle.Render(fmt.Sprintf(" retries:%d", t.RetryCount)))
		}
		switch {
		case t.LastError != "" && t.Status == models.TaskStatusFailed:
			b.WriteString(" " + errorStyle.Render(truncate(t.LastError, 60)))
		case t.SkipReason != "":
			b.WriteString(" " + faintStyle.Render(truncate(t.SkipReason, 60)))
		}
		b.WriteByte('\n')
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (d *Dashboard) approvalView() string {
	if len(d.pending) == 0 {
		return ""
	}
	req := d.pending[0]
	body := fmt.Sprintf("Approve %s?", approvalTarget(req))
	if req.Description != "" {
		body += "\n" + faintStyle.Render(truncate(req.Description, 200))
	}
	body += "\n" + keyStyle.Render("y") + " approve  " + keyStyle.Render("n") + " reject"
	if len(d.pending) > 1 {
		body += faintStyle.Render(fmt.Sprintf("  (%d more waiting)", len(d.pending)-1))
	}
	return approvalStyle.Render(body)
}

func (d *Dashboard) footerView() string {
	var status string
	switch {
	case d.message != "" && d.isError:
		status = errorStyle.Render("✗ " + d.message)
	case d.message != "":
		status = successStyle.Render("✓ " + d.message)
	case d.done:
		status = faintStyle.Render("workflow finished")
	}

	hint := func(key, desc string) string {
		return keyStyle.Render(key) + faintStyle.Render(" "+desc)
	}
	var hints []string
	if !d.done {
		pause := "pause"
		if d.paused {
			pause = "resume"
		}
		hints = append(hints, hint("p", pause), hint("c", "cancel"))
	}
	hints = append(hints, hint("↑/↓", "scroll"), hint("q", "quit"))
	return status + "\n" + strings.Join(hints, separatorStyle.Render(" • "))
}

func approvalTarget(req orchestrator.ApprovalRequest) string {
	if req.TaskID == "" {
		return "workflow"
	}
	return "task " + req.TaskName
}

func formatEvent(ev orchestrator.Event) string {
	ts := faintStyle.Render(ev.Timestamp.Format("15:04:05"))
	switch ev.Type {
	case orchestrator.EventTaskStarted:
		return fmt.Sprintf("%s %s %s on %s (attempt %d)", ts, runningStyle.Render("▶"), ev.TaskName, ev.Model, ev.Attempt)
	case orchestrator.EventTaskSucceeded:
		return fmt.Sprintf("%s %s %s", ts, successStyle.Render("✓"), ev.TaskName)
	case orchestrator.EventTaskRetrying:
		return fmt.Sprintf("%s %s %s: %s", ts, warnStyle.Render("↻"), ev.TaskName, ev.Message)
	case orchestrator.EventTaskFailed:
		return fmt.Sprintf("%s %s %s: %v", ts, errorStyle.Render("✗"), ev.TaskName, ev.Error)
	case orchestrator.EventTaskSkipped:
		return fmt.Sprintf("%s %s %s skipped: %s", ts, warnStyle.Render("-"), ev.TaskName, ev.Message)
	case orchestrator.EventTaskCancelled:
		return fmt.Sprintf("%s %s %s cancelled", ts, warnStyle.Render("-"), ev.TaskName)
	case orchestrator.EventApprovalRequested:
		return fmt.Sprintf("%s %s approval requested %s", ts, warnStyle.Render("?"), ev.TaskName)
	case orchestrator.EventApprovalResolved:
		target := ev.TaskName
		if ev.TaskID == "" {
			target = "workflow"
		}
		return fmt.Sprintf("%s %s %s: %s", ts, warnStyle.Render("?"), target, ev.Message)
	case orchestrator.EventBudgetWarning:
		return fmt.Sprintf("%s %s %s", ts, warnStyle.Render("!"), ev.Message)
	case orchestrator.EventWorkflowStarted, orchestrator.EventWorkflowPaused, orchestrator.EventWorkflowResumed:
		return fmt.Sprintf("%s %s", ts, ev.Type)
	case orchestrator.EventWorkflowFinished:
		return fmt.Sprintf("%s workflow %s", ts, workflowStyle(models.WorkflowStatus(ev.Status)).Render(ev.Status))
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

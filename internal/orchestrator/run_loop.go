package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/relay/internal/exec"
	"github.com/ShayCichocki/relay/internal/failure"
	"github.com/ShayCichocki/relay/internal/graph"
	"github.com/ShayCichocki/relay/pkg/models"
)

var errStalled = errors.New("no task can make progress")

// run is one workflow's execution state. Every field above the mutex is
// owned by the loop goroutine; before the loop starts and after it ends it
// is owned by the caller that holds the run.
type run struct {
	e   *Engine
	log *slog.Logger

	wf     *models.Workflow
	tasks  map[string]*models.Task
	order  []string
	graph  *graph.DependencyGraph
	memory map[string][]string
	budget *Budget
	limit  int

	inflight map[string]*inflight
	// waiting maps approval keys to the cancel func of their waiter.
	waiting map[string]context.CancelFunc
	// notBefore delays a retried task until its backoff has elapsed.
	notBefore map[string]time.Time
	// exclude lists models a task fell back from.
	exclude map[string][]string
	// corrective is extra context for a task's next attempt.
	corrective map[string]string
	// strays are timed-out executions whose call has not returned yet. They
	// keep their slot and reservation, and block a new attempt of the task.
	strays map[string]bool
	// verifications are low-confidence answers waiting for admission.
	verifications map[string]*verification

	failures  []models.TaskFailure
	rootErr   error
	reason    string
	aborted   bool
	cancelled bool

	heldSlots      int
	acquiring      bool
	lastSnapshotID string

	// ctx bounds executions and approval waits; sctx outlives cancellation
	// so that the final transitions are still persisted.
	ctx  context.Context
	sctx context.Context

	completions chan completion
	approvalsCh chan approvalOutcome
	slotCh      chan struct{}
	strayCh     chan strayDone

	pause *PauseController
	// view is the latest durable snapshot, published for readers.
	view atomic.Pointer[models.Snapshot]

	mu       sync.Mutex
	started  bool
	finished bool
	cancel   context.CancelFunc
	done     chan struct{}
	result   error
}

// inflight is a dispatched execution.
type inflight struct {
	cancel  context.CancelFunc
	started time.Time
	attempt int
	plan    *plan
	req     exec.Request
}

// completion is a worker's report of one execution.
type completion struct {
	taskID     string
	result     *models.TaskResult
	resolution string
	err        error
	// cost is what this execution spent, paid even when it failed.
	cost float64
	// verify asks the loop to verify a low-confidence result.
	verify bool
	// stray delivers the outcome of a call that outlived its deadline.
	stray <-chan completion
}

// verification is a low-confidence answer parked until the loop can admit
// its collaborative check.
type verification struct {
	inf   *inflight
	prior *models.TaskResult
}

// strayDone reports that a timed-out call finally returned.
type strayDone struct {
	taskID string
	cost   float64
}

// approvalOutcome is an approval waiter's report.
type approvalOutcome struct {
	key      string
	taskID   string
	decision ApprovalDecision
	err      error
}

func newRun(e *Engine, wf *models.Workflow, tasks []*models.Task, memory map[string][]string, paused bool) (*run, error) {
	g := graph.New()
	g.SetDebugLog(func(format string, args ...interface{}) {
		e.logger.Debug(fmt.Sprintf(format, args...), "workflow_id", wf.ID)
	})
	if err := g.Build(tasks); err != nil {
		return nil, err
	}

	r := &run{
		e:          e,
		log:        e.logger.With("workflow_id", wf.ID),
		wf:         wf,
		tasks:      make(map[string]*models.Task, len(tasks)),
		graph:      g,
		memory:     make(map[string][]string),
		inflight:   make(map[string]*inflight),
		waiting:    make(map[string]context.CancelFunc),
		notBefore:  make(map[string]time.Time),
		exclude:    make(map[string][]string),
		corrective: make(map[string]string),
		strays:     make(map[string]bool),
		ctx:        context.Background(),
		sctx:       context.Background(),
		pause:      NewPauseController(paused),
		done:       make(chan struct{}),
	}
	for _, t := range tasks {
		r.tasks[t.ID] = t
		r.order = append(r.order, t.ID)
	}
	for id, notes := range memory {
		r.memory[id] = append([]string(nil), notes...)
	}

	r.limit = wf.Concurrency
	if r.limit <= 0 {
		r.limit = e.cfg.Concurrency
	}
	r.completions = make(chan completion, r.limit)
	r.approvalsCh = make(chan approvalOutcome, 1)
	r.slotCh = make(chan struct{})
	r.strayCh = make(chan strayDone)
	r.verifications = make(map[string]*verification)

	var started time.Time
	if wf.StartedAt != nil {
		started = *wf.StartedAt
	}
	r.budget = NewBudget(wf.MaxCostUSD, wf.MaxDuration, started, wf.SpentUSD)
	r.budget.SetWarningThreshold(e.cfg.BudgetWarningThreshold)
	return r, nil
}

func (r *run) begin(cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return ErrWorkflowTerminal
	}
	if r.started {
		return ErrWorkflowRunning
	}
	r.started = true
	r.cancel = cancel
	return nil
}

func (r *run) stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *run) isStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

func (r *run) isFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// loop is the single writer of the workflow's state.
func (r *run) loop(ctx context.Context) {
	r.ctx = ctx
	r.sctx = context.WithoutCancel(ctx)
	r.startRun()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	cancelled := ctx.Done()
	for {
		r.schedule()
		if r.complete() {
			break
		}
		r.resetTimer(timer)

		select {
		case <-cancelled:
			cancelled = nil
			r.cancelAll()
		case c := <-r.completions:
			r.handleCompletion(c)
		case s := <-r.strayCh:
			r.handleStray(s)
		case o := <-r.approvalsCh:
			r.handleApproval(o)
		case <-r.slotCh:
			r.acquiring = false
			r.heldSlots++
		case <-r.pause.Changed():
			r.syncPause()
		case <-timer.C:
		}
	}
	r.finalize()
}

func (r *run) startRun() {
	now := r.e.now()
	if r.wf.StartedAt == nil {
		r.wf.StartedAt = &now
	}
	r.budget = NewBudget(r.wf.MaxCostUSD, r.wf.MaxDuration, *r.wf.StartedAt, r.wf.SpentUSD)
	r.budget.SetWarningThreshold(r.e.cfg.BudgetWarningThreshold)

	if r.pause.IsPaused() {
		r.wf.Status = models.WorkflowPaused
	} else {
		r.wf.Status = models.WorkflowRunning
	}

	// A required task that failed before a restart still fails the workflow.
	if len(r.failures) > 0 && !r.e.cfg.ContinueOnFailure {
		r.stopDispatch(nil, "required task failed before restart", models.SkipWorkflowFailed)
	}

	_ = r.snapshot("workflow_started")
	r.log.Info("workflow started", "tasks", len(r.order), "concurrency", r.limit)
	r.e.emit(Event{Type: EventWorkflowStarted, WorkflowID: r.wf.ID, Status: string(r.wf.Status)})

	if r.wf.RequireHumanApproval && r.wf.Approval != models.ApprovalApproved && !r.aborted {
		r.requestApproval(nil)
	}
}

// complete reports whether the loop may stop.
func (r *run) complete() bool {
	if len(r.inflight) > 0 || len(r.strays) > 0 {
		return false
	}
	if r.cancelled {
		return true
	}
	allTerminal := true
	for _, id := range r.order {
		if !r.tasks[id].Status.IsTerminal() {
			allTerminal = false
			break
		}
	}
	if allTerminal {
		return true
	}
	if r.stalled() {
		r.log.Error("workflow stalled", "error", errStalled)
		r.stopDispatch(errStalled, errStalled.Error(), models.SkipWorkflowFailed)
		_ = r.snapshot("stalled")
		return true
	}
	return false
}

// stalled reports whether nothing can ever change without outside help
// that is not pending: no executions, approvals, backoffs or slot waits.
func (r *run) stalled() bool {
	if r.pause.IsPaused() || len(r.waiting) > 0 || r.acquiring || len(r.notBefore) > 0 || len(r.verifications) > 0 {
		return false
	}
	return true
}

func (r *run) resetTimer(timer *time.Timer) {
	timer.Stop()
	var wake time.Time
	for _, at := range r.notBefore {
		if wake.IsZero() || at.Before(wake) {
			wake = at
		}
	}
	if dl := r.budget.Deadline(); !dl.IsZero() && !r.aborted && !r.cancelled {
		if wake.IsZero() || dl.Before(wake) {
			wake = dl
		}
	}
	if wake.IsZero() {
		return
	}
	d := wake.Sub(r.e.now())
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
}

func (r *run) syncPause() {
	if r.cancelled || r.pause.IsStopped() {
		return
	}
	paused := r.pause.IsPaused()
	switch {
	case paused && r.wf.Status != models.WorkflowPaused:
		r.wf.Status = models.WorkflowPaused
		_ = r.snapshot("paused")
		r.log.Info("workflow paused", "in_flight", len(r.inflight))
		r.e.emit(Event{Type: EventWorkflowPaused, WorkflowID: r.wf.ID, Status: string(r.wf.Status)})
	case !paused && r.wf.Status == models.WorkflowPaused:
		r.wf.Status = models.WorkflowRunning
		_ = r.snapshot("resumed")
		r.log.Info("workflow resumed")
		r.e.emit(Event{Type: EventWorkflowResumed, WorkflowID: r.wf.ID, Status: string(r.wf.Status)})
	}
}

// handleCompletion applies the outcome of one execution.
func (r *run) handleCompletion(c completion) {
	inf := r.inflight[c.taskID]
	if inf == nil {
		return
	}
	delete(r.inflight, c.taskID)
	inf.cancel()
	if c.stray != nil {
		// The call is still running: its slot and reservation stay held.
		r.strays[c.taskID] = true
		go r.holdStray(c.taskID, c.stray)
	} else {
		r.e.sem.Release(1)
	}
	now := r.e.now()
	r.e.metrics.executionFinished(now.Sub(inf.started))

	t := r.tasks[c.taskID]
	log := r.log.With("task_id", t.ID, "task", t.Name, "attempt", inf.attempt)

	if r.cancelled {
		// The result arrived after cancellation and is discarded; its cost was
		// still incurred.
		if c.stray == nil {
			r.settle(c.taskID, c.cost)
		}
		r.markCancelled(t, now)
		_ = r.snapshot("task_cancelled")
		return
	}

	if c.err == nil && c.verify {
		r.settle(c.taskID, c.cost)
		if r.aborted {
			r.succeed(t, inf, c, now)
			return
		}
		r.verifications[t.ID] = &verification{inf: inf, prior: c.result}
		_ = r.snapshot("verification_queued")
		log.Info("low confidence answer, verification queued", "cost_usd", c.cost)
		return
	}

	if c.err == nil {
		r.settle(c.taskID, c.cost)
		r.succeed(t, inf, c, now)
		return
	}

	if c.stray == nil {
		r.settle(c.taskID, c.cost)
	}
	err := c.err

	if terr := r.budget.CheckTime(now); terr != nil {
		err = terr
	}
	if r.aborted || failure.IsBudgetExceeded(err) {
		r.markFailed(t, err, failure.Classify(err), now)
		if !r.aborted {
			r.stopDispatch(err, err.Error(), models.SkipBudgetExceeded)
		}
		_ = r.snapshot("task_failed")
		return
	}

	d := r.e.retry.Decide(failure.Attempt{
		TaskID:      t.ID,
		RetryCount:  t.RetryCount,
		HasFallback: len(inf.plan.selection.Fallbacks) > 0,
	}, err)
	t.LastError = err.Error()
	t.ErrorClass = string(d.Class)

	switch d.Action {
	case failure.ActionRetry, failure.ActionFallback:
		t.RetryCount++
		t.Status = models.TaskStatusReady
		if d.Action == failure.ActionFallback {
			r.exclude[t.ID] = append(r.exclude[t.ID], inf.plan.selection.Primary.Key())
		}
		if d.Corrective != "" {
			r.corrective[t.ID] = d.Corrective
		}
		if d.Delay > 0 {
			r.notBefore[t.ID] = now.Add(d.Delay)
		}
		r.e.metrics.recovery(string(d.Class), d.Action.String())
		_ = r.snapshot("task_retrying")
		log.Warn("task attempt failed, recovering",
			"class", string(d.Class),
			"action", d.Action.String(),
			"delay", d.Delay,
			"error", err)
		r.e.emit(Event{
			Type:       EventTaskRetrying,
			WorkflowID: r.wf.ID,
			TaskID:     t.ID,
			TaskName:   t.Name,
			Model:      inf.plan.selection.Primary.Key(),
			Status:     string(t.Status),
			Attempt:    inf.attempt,
			Message:    d.Reason,
			Error:      err,
		})
	default:
		log.Warn("task recovery exhausted", "class", string(d.Class), "reason", d.Reason)
		r.failTask(t, err, d.Class)
	}
}

// succeed records a task's accepted result.
func (r *run) succeed(t *models.Task, inf *inflight, c completion, now time.Time) {
	t.Result = c.result
	t.Status = models.TaskStatusSucceeded
	t.CompletedAt = &now
	t.LastError, t.ErrorClass = "", ""
	if c.result.Model != "" {
		t.AssignedModel = c.result.Model
	}
	if len(c.result.Memory) > 0 && t.AssignedAgentID != "" {
		r.memory[t.AssignedAgentID] = append(r.memory[t.AssignedAgentID], c.result.Memory...)
	}
	delete(r.corrective, t.ID)
	delete(r.exclude, t.ID)
	if c.resolution != "" {
		r.e.metrics.collaboration(c.resolution)
	}
	r.e.metrics.taskFinished(string(t.Status))
	_ = r.snapshot("task_succeeded")
	r.log.Info("task succeeded",
		"task_id", t.ID,
		"task", t.Name,
		"attempt", inf.attempt,
		"model", t.AssignedModel,
		"cost_usd", c.result.CostUSD,
		"resolution", c.resolution)
	r.e.emit(Event{
		Type:       EventTaskSucceeded,
		WorkflowID: r.wf.ID,
		TaskID:     t.ID,
		TaskName:   t.Name,
		AgentID:    t.AssignedAgentID,
		Model:      t.AssignedModel,
		Status:     string(t.Status),
		Attempt:    inf.attempt,
		Message:    c.resolution,
		CostUSD:    r.wf.SpentUSD,
	})
}

// settle turns a task's reservation into spend, or drops it when nothing
// was billed.
func (r *run) settle(taskID string, usd float64) {
	if usd > 0 {
		r.commitCost(taskID, usd)
		return
	}
	r.budget.Release(taskID)
}

// holdStray waits for a timed-out call to return.
func (r *run) holdStray(taskID string, stray <-chan completion) {
	c := <-stray
	select {
	case r.strayCh <- strayDone{taskID: taskID, cost: c.cost}:
	case <-r.done:
	}
}

// handleStray frees what a timed-out call held once it returns. Its answer
// is ignored but its cost counts.
func (r *run) handleStray(s strayDone) {
	if !r.strays[s.taskID] {
		return
	}
	delete(r.strays, s.taskID)
	r.e.sem.Release(1)
	r.settle(s.taskID, s.cost)
	r.log.Warn("timed out execution returned", "task_id", s.taskID, "cost_usd", s.cost)
	if s.cost > 0 {
		_ = r.snapshot("late_cost")
	}
}

func (r *run) commitCost(taskID string, usd float64) {
	warn := r.budget.Commit(taskID, usd)
	r.wf.SpentUSD = r.budget.Spent()
	r.e.metrics.cost(usd)
	if warn {
		r.log.Warn("budget warning", "spent_usd", r.wf.SpentUSD, "limit_usd", r.wf.MaxCostUSD)
		r.e.emit(Event{
			Type:       EventBudgetWarning,
			WorkflowID: r.wf.ID,
			CostUSD:    r.wf.SpentUSD,
			Message:    fmt.Sprintf("spent $%.4f of $%.4f", r.wf.SpentUSD, r.wf.MaxCostUSD),
		})
	}
}

// cancelAll cancels undispatched work and signals running executions.
func (r *run) cancelAll() {
	if r.cancelled {
		return
	}
	r.cancelled = true
	r.pause.Stop()
	now := r.e.now()
	for _, id := range r.order {
		t := r.tasks[id]
		if t.Status == models.TaskStatusPending || t.Status == models.TaskStatusReady {
			r.markCancelled(t, now)
		}
	}
	for id := range r.verifications {
		r.markCancelled(r.tasks[id], now)
		delete(r.verifications, id)
	}
	for _, inf := range r.inflight {
		inf.cancel()
	}
	r.cancelWaiters()
	_ = r.snapshot("cancel_requested")
	r.log.Info("workflow cancellation requested", "in_flight", len(r.inflight))
}

// cancelIdle cancels a workflow whose loop never started.
func (r *run) cancelIdle(ctx context.Context) error {
	r.mu.Lock()
	if r.started || r.finished {
		r.mu.Unlock()
		return ErrWorkflowRunning
	}
	r.started = true
	r.mu.Unlock()

	r.sctx = ctx
	r.cancelled = true
	r.finalize()
	return nil
}

// finalize derives the terminal status, persists it and releases waiters.
func (r *run) finalize() {
	now := r.e.now()
	r.cancelWaiters()

	status := models.DeriveStatus(r.tasksInOrder())
	switch {
	case r.cancelled:
		status = models.WorkflowCancelled
		for _, id := range r.order {
			if t := r.tasks[id]; !t.Status.IsTerminal() {
				r.markCancelled(t, now)
			}
		}
	case r.aborted, status == models.WorkflowRunning:
		status = models.WorkflowFailed
	}

	r.wf.Status = status
	r.wf.FinishedAt = &now
	snapID := r.e.newID()
	if status == models.WorkflowFailed {
		r.wf.Failure = &models.FailureReport{
			Tasks:          append([]models.TaskFailure(nil), r.failures...),
			Reason:         r.reason,
			LastSnapshotID: snapID,
		}
		if r.wf.Failure.Reason == "" && len(r.failures) > 0 {
			r.wf.Failure.Reason = fmt.Sprintf("%d required task(s) failed", len(r.failures))
		}
	}
	if err := r.snapshotWithID(snapID, "workflow_finished"); err != nil && r.wf.Failure != nil {
		r.wf.Failure.LastSnapshotID = r.lastSnapshotID
	}

	if r.heldSlots > 0 {
		r.e.sem.Release(int64(r.heldSlots))
		r.heldSlots = 0
	}

	var result error
	switch status {
	case models.WorkflowFailed:
		report := *r.wf.Failure
		result = &failure.WorkflowError{WorkflowID: r.wf.ID, Report: &report, Err: r.rootErr}
		r.log.Error("workflow failed", "reason", report.Reason, "failed_tasks", len(report.Tasks), "snapshot_id", report.LastSnapshotID)
	case models.WorkflowCancelled:
		result = &failure.CancellationError{WorkflowID: r.wf.ID}
		r.log.Info("workflow cancelled")
	default:
		r.log.Info("workflow completed", "spent_usd", r.wf.SpentUSD)
	}
	r.e.metrics.workflowFinished(string(status))
	r.e.emit(Event{
		Type:       EventWorkflowFinished,
		WorkflowID: r.wf.ID,
		Status:     string(status),
		CostUSD:    r.wf.SpentUSD,
		Error:      result,
	})

	r.mu.Lock()
	r.finished = true
	r.result = result
	r.mu.Unlock()
	close(r.done)
}

func (r *run) tasksInOrder() []*models.Task {
	out := make([]*models.Task, len(r.order))
	for i, id := range r.order {
		out[i] = r.tasks[id]
	}
	return out
}

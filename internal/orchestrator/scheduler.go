package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/relay/internal/exec"
	"github.com/ShayCichocki/relay/internal/failure"
	"github.com/ShayCichocki/relay/internal/registry"
	"github.com/ShayCichocki/relay/internal/router"
	"github.com/ShayCichocki/relay/pkg/models"
)

// plan is the agent and model selection for one dispatch.
type plan struct {
	agent     *models.AgentDefinition
	selection *router.Selection
	req       router.Requirements
	estimate  float64
	relaxed   bool
}

// schedule dispatches every ready task the limits allow.
func (r *run) schedule() {
	defer r.releaseIdleSlots()
	if r.cancelled || r.aborted {
		return
	}

	now := r.e.now()
	if err := r.budget.CheckTime(now); err != nil {
		r.log.Warn("time budget exhausted", "deadline", r.budget.Deadline())
		r.stopDispatch(err, err.Error(), models.SkipBudgetExceeded)
		_ = r.snapshot("budget_exceeded")
		return
	}
	if r.gateBlocked() {
		return
	}

	r.refreshReady()
	if r.pause.IsPaused() {
		return
	}
	for id, at := range r.notBefore {
		if !now.Before(at) {
			delete(r.notBefore, id)
		}
	}
	if !r.startVerifications() {
		return
	}

	allowSkipped := r.e.cfg.AllowSkippedDependencies
	for _, id := range r.graph.GetReady(allowSkipped) {
		if r.busy() {
			return
		}
		t := r.tasks[id]
		if t.Status != models.TaskStatusPending && t.Status != models.TaskStatusReady {
			continue
		}
		if _, waiting := r.notBefore[id]; waiting {
			continue
		}
		if r.strays[id] {
			continue
		}
		if t.RequireApproval && t.Approval != models.ApprovalApproved {
			if _, waiting := r.waiting[approvalKey(r.wf.ID, id)]; !waiting {
				r.requestApproval(t)
			}
			continue
		}

		p, err := r.prepare(t)
		if err != nil {
			r.log.Warn("task cannot be routed", "task_id", t.ID, "task", t.Name, "error", err)
			r.failTask(t, err, failure.ClassFatal)
			if r.aborted {
				return
			}
			continue
		}

		admission, err := r.budget.Admit(t.ID, p.estimate)
		switch admission {
		case Reject:
			r.log.Warn("cost budget exceeded", "task_id", t.ID, "estimate_usd", p.estimate, "spent_usd", r.budget.Spent())
			r.markFailed(t, err, failure.ClassFatal, now)
			r.stopDispatch(err, err.Error(), models.SkipBudgetExceeded)
			_ = r.snapshot("budget_exceeded")
			return
		case Defer:
			// Reservations of running tasks must settle first.
			return
		}

		if !r.acquireSlot() {
			return
		}
		r.dispatch(t, p)
	}
}

// busy reports whether the workflow's concurrency limit is reached. Stray
// calls count until they return.
func (r *run) busy() bool {
	return len(r.inflight)+len(r.strays) >= r.limit
}

// startVerifications admits and starts the queued verifications ahead of
// new dispatches. It reports false when dispatch has to wait.
func (r *run) startVerifications() bool {
	for _, id := range r.order {
		v := r.verifications[id]
		if v == nil {
			continue
		}
		if r.busy() {
			return false
		}
		t := r.tasks[id]
		est := max(v.inf.plan.estimate, v.prior.CostUSD) * float64(r.e.collab.Config().Candidates)
		admission, err := r.budget.Admit(id, est)
		switch admission {
		case Reject:
			delete(r.verifications, id)
			r.log.Warn("cost budget exceeded by verification", "task_id", t.ID, "estimate_usd", est, "spent_usd", r.budget.Spent())
			r.markFailed(t, err, failure.ClassFatal, r.e.now())
			r.stopDispatch(err, err.Error(), models.SkipBudgetExceeded)
			_ = r.snapshot("budget_exceeded")
			return false
		case Defer:
			return false
		}
		if !r.acquireSlot() {
			return false
		}
		delete(r.verifications, id)
		r.startVerification(t, v, est)
	}
	return true
}

// startVerification runs the collaborative check of a parked answer under
// a fresh task timeout.
func (r *run) startVerification(t *models.Task, v *verification, est float64) {
	now := r.e.now()
	r.budget.Reserve(t.ID, est)
	ctx, cancel := r.executionContext(t)
	inf := &inflight{cancel: cancel, started: now, attempt: v.inf.attempt, plan: v.inf.plan, req: v.inf.req}
	r.inflight[t.ID] = inf

	r.log.Info("verification started", "task_id", t.ID, "task", t.Name, "estimate_usd", est)
	r.e.metrics.executionStarted()

	go func() {
		r.completions <- r.bounded(ctx, inf.req.Task, func() completion {
			return r.verify(ctx, inf.req, inf.plan, v.prior)
		})
	}()
}

// gateBlocked reports whether the workflow approval gate holds dispatch.
func (r *run) gateBlocked() bool {
	return r.wf.RequireHumanApproval && r.wf.Approval != models.ApprovalApproved
}

// refreshReady moves pending tasks whose dependencies are satisfied to Ready.
func (r *run) refreshReady() {
	allowSkipped := r.e.cfg.AllowSkippedDependencies
	var ready []*models.Task
	for _, id := range r.order {
		t := r.tasks[id]
		if t.Status == models.TaskStatusPending && r.graph.Satisfied(id, allowSkipped) {
			t.Status = models.TaskStatusReady
			ready = append(ready, t)
		}
	}
	if len(ready) == 0 {
		return
	}
	_ = r.snapshot("tasks_ready")
	for _, t := range ready {
		r.e.emit(Event{Type: EventTaskReady, WorkflowID: r.wf.ID, TaskID: t.ID, TaskName: t.Name, Status: string(t.Status)})
	}
}

// prepare resolves the agent and routes the task to a model. A task with no
// eligible model is routed once more with relaxed requirements.
func (r *run) prepare(t *models.Task) (*plan, error) {
	agent, err := r.resolveAgent(t)
	if err != nil {
		return nil, err
	}

	req := router.RequirementsFor(t, agent)
	req.Exclude = append(req.Exclude, r.exclude[t.ID]...)
	sel, err := r.e.router.Select(req)
	relaxed := false
	var noModel *failure.NoEligibleModelError
	if errors.As(err, &noModel) {
		soft := req.Relax()
		if s, rerr := r.e.router.Select(soft); rerr == nil {
			r.log.Warn("routing relaxed", "task_id", t.ID, "task", t.Name, "reason", err)
			sel, req, err, relaxed = s, soft, nil, true
		}
	}
	if err != nil {
		return nil, err
	}

	est := router.EstimateCost(sel.Primary, req)
	if r.verifiesUpfront(t) {
		est *= float64(r.e.collab.Config().Candidates)
	}
	return &plan{agent: agent, selection: sel, req: req, estimate: est, relaxed: relaxed}, nil
}

// resolveAgent returns the task's assigned agent, or the best match for its
// role and capabilities.
func (r *run) resolveAgent(t *models.Task) (*models.AgentDefinition, error) {
	if t.AssignedAgentID != "" {
		a, err := r.e.registry.Resolve(t.AssignedAgentID)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, registry.ErrNotFound) {
			return nil, err
		}
		r.log.Warn("assigned agent not registered, matching by role", "task_id", t.ID, "agent", t.AssignedAgentID)
	}

	caps := make([]string, len(t.Capabilities))
	for i, c := range t.Capabilities {
		caps[i] = string(c)
	}
	a, err := r.e.registry.Best(t.Role, caps, nil)
	if err != nil {
		return nil, fmt.Errorf("no agent for task %q (role %q): %w", t.Name, t.Role, err)
	}
	return a, nil
}

// acquireSlot takes a global execution slot without blocking the loop. When
// none is free it starts a single background acquisition that hands the
// slot to the loop through slotCh.
func (r *run) acquireSlot() bool {
	if r.heldSlots > 0 {
		r.heldSlots--
		return true
	}
	if r.e.sem.TryAcquire(1) {
		return true
	}
	if r.acquiring {
		return false
	}
	r.acquiring = true
	ctx := r.ctx
	go func() {
		if err := r.e.sem.Acquire(ctx, 1); err != nil {
			return
		}
		select {
		case r.slotCh <- struct{}{}:
		case <-r.done:
			r.e.sem.Release(1)
		}
	}()
	return false
}

func (r *run) releaseIdleSlots() {
	if r.heldSlots > 0 {
		r.e.sem.Release(int64(r.heldSlots))
		r.heldSlots = 0
	}
}

// dispatch marks the task Running, persists that, and starts its worker.
func (r *run) dispatch(t *models.Task, p *plan) {
	now := r.e.now()
	attempt := t.RetryCount + 1
	t.Status = models.TaskStatusRunning
	t.StartedAt = &now
	t.CompletedAt = nil
	t.AssignedAgentID = p.agent.ID
	t.AssignedModel = p.selection.Primary.Key()
	r.budget.Reserve(t.ID, p.estimate)

	ctx, cancel := r.executionContext(t)
	req := exec.Request{
		Agent:   p.agent,
		Model:   p.selection.Primary,
		Task:    t.Clone(),
		Context: r.taskContext(t, p.agent, attempt),
	}
	r.inflight[t.ID] = &inflight{cancel: cancel, started: now, attempt: attempt, plan: p, req: req}

	_ = r.snapshot("task_started")
	r.log.Info("task dispatched",
		"task_id", t.ID,
		"task", t.Name,
		"agent", p.agent.Name,
		"model", t.AssignedModel,
		"attempt", attempt,
		"estimate_usd", p.estimate,
		"relaxed", p.relaxed)
	r.e.emit(Event{
		Type:       EventTaskStarted,
		WorkflowID: r.wf.ID,
		TaskID:     t.ID,
		TaskName:   t.Name,
		AgentID:    p.agent.ID,
		Model:      t.AssignedModel,
		Status:     string(t.Status),
		Attempt:    attempt,
	})
	r.e.metrics.executionStarted()

	go func() {
		r.completions <- r.bounded(ctx, req.Task, func() completion {
			return r.work(ctx, req, p)
		})
	}()
}

// executionContext bounds one execution by the task timeout and the
// workflow's time budget.
func (r *run) executionContext(t *models.Task) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(r.ctx, t.Timeout(r.e.cfg.DefaultTaskTimeout))
	if dl := r.budget.Deadline(); !dl.IsZero() {
		dctx, dcancel := context.WithDeadline(ctx, dl)
		parent := cancel
		ctx, cancel = dctx, func() { dcancel(); parent() }
	}
	return ctx, cancel
}

// taskContext assembles dependency outputs, agent memory and corrective
// context for one execution.
func (r *run) taskContext(t *models.Task, agent *models.AgentDefinition, attempt int) exec.TaskContext {
	tc := exec.TaskContext{
		WorkflowID: r.wf.ID,
		Goal:       r.wf.Goal,
		Corrective: r.corrective[t.ID],
		Attempt:    attempt,
	}
	for _, depID := range t.DependsOn {
		d := r.tasks[depID]
		if d != nil && d.Status == models.TaskStatusSucceeded && d.Result != nil {
			tc.Dependencies = append(tc.Dependencies, exec.Dependency{Name: d.Name, Output: d.Result.Output})
		}
	}
	mem := r.memory[agent.ID]
	if w := r.e.cfg.MemoryWindow; w > 0 && len(mem) > w {
		mem = mem[len(mem)-w:]
	}
	tc.Memory = append([]string(nil), mem...)
	return tc
}

// failTask records a final task failure and applies the failure policy:
// descendants are skipped, and a required failure stops the workflow unless
// it continues on failure.
func (r *run) failTask(t *models.Task, err error, class failure.Class) {
	r.markFailed(t, err, class, r.e.now())
	r.skipDescendants(t.ID, models.SkipUpstreamFailed)
	if !t.Optional && !r.e.cfg.ContinueOnFailure {
		r.stopDispatch(err, fmt.Sprintf("required task %q failed", t.Name), models.SkipWorkflowFailed)
	}
	_ = r.snapshot("task_failed")
}

// markFailed sets a task Failed. Required failures are recorded for the report.
func (r *run) markFailed(t *models.Task, err error, class failure.Class, now time.Time) {
	t.Status = models.TaskStatusFailed
	t.CompletedAt = &now
	t.ErrorClass = string(class)
	if err != nil {
		t.LastError = err.Error()
	}
	delete(r.notBefore, t.ID)
	r.cancelWaiter(t.ID)
	if !t.Optional {
		r.failures = append(r.failures, models.TaskFailure{
			TaskID: t.ID,
			Name:   t.Name,
			Class:  t.ErrorClass,
			Error:  t.LastError,
		})
	}
	r.e.metrics.taskFinished(string(t.Status))
	r.log.Error("task failed", "task_id", t.ID, "task", t.Name, "class", t.ErrorClass, "optional", t.Optional, "error", err)
	r.e.emit(Event{
		Type:       EventTaskFailed,
		WorkflowID: r.wf.ID,
		TaskID:     t.ID,
		TaskName:   t.Name,
		AgentID:    t.AssignedAgentID,
		Model:      t.AssignedModel,
		Status:     string(t.Status),
		Attempt:    t.RetryCount + 1,
		Message:    t.ErrorClass,
		Error:      err,
	})
}

func (r *run) markSkipped(t *models.Task, reason string) {
	now := r.e.now()
	t.Status = models.TaskStatusSkipped
	t.SkipReason = reason
	t.CompletedAt = &now
	delete(r.notBefore, t.ID)
	r.cancelWaiter(t.ID)
	r.e.metrics.taskFinished(string(t.Status))
	r.log.Info("task skipped", "task_id", t.ID, "task", t.Name, "reason", reason)
	r.e.emit(Event{
		Type:       EventTaskSkipped,
		WorkflowID: r.wf.ID,
		TaskID:     t.ID,
		TaskName:   t.Name,
		Status:     string(t.Status),
		Message:    reason,
	})
}

func (r *run) markCancelled(t *models.Task, now time.Time) {
	t.Status = models.TaskStatusCancelled
	t.CompletedAt = &now
	delete(r.notBefore, t.ID)
	r.cancelWaiter(t.ID)
	r.e.metrics.taskFinished(string(t.Status))
	r.e.emit(Event{
		Type:       EventTaskCancelled,
		WorkflowID: r.wf.ID,
		TaskID:     t.ID,
		TaskName:   t.Name,
		Status:     string(t.Status),
	})
}

// skipDescendants skips every undispatched task downstream of id.
func (r *run) skipDescendants(id, reason string) {
	for _, d := range r.graph.GetDescendants(id) {
		t := r.tasks[d]
		if t.Status == models.TaskStatusPending || t.Status == models.TaskStatusReady {
			r.markSkipped(t, reason)
		}
	}
}

// propagateSkip applies the skipped-dependency policy to a skipped task's
// dependents.
func (r *run) propagateSkip(id string) {
	if r.e.cfg.AllowSkippedDependencies {
		return
	}
	r.skipDescendants(id, models.SkipUpstreamSkipped)
}

// stopDispatch ends scheduling: every undispatched task is skipped with
// skipReason and running tasks are left to finish. Callers persist.
func (r *run) stopDispatch(err error, reason, skipReason string) {
	if r.aborted {
		return
	}
	r.aborted = true
	if r.rootErr == nil {
		r.rootErr = err
	}
	if r.reason == "" {
		r.reason = reason
	}
	for _, id := range r.order {
		t := r.tasks[id]
		if t.Status == models.TaskStatusPending || t.Status == models.TaskStatusReady {
			r.markSkipped(t, skipReason)
		}
	}
	// Parked answers are kept unverified rather than started.
	now := r.e.now()
	for _, id := range r.order {
		if v := r.verifications[id]; v != nil {
			delete(r.verifications, id)
			r.succeed(r.tasks[id], v.inf, completion{taskID: id, result: v.prior}, now)
		}
	}
	r.cancelWaiters()
	r.log.Warn("workflow dispatch stopped", "reason", reason, "in_flight", len(r.inflight))
}

// requestApproval starts a bounded wait for a decision on the workflow gate
// (t == nil) or on a task.
func (r *run) requestApproval(t *models.Task) {
	req := ApprovalRequest{
		WorkflowID:  r.wf.ID,
		Goal:        r.wf.Goal,
		RequestedAt: r.e.now(),
		Timeout:     r.e.cfg.ApprovalTimeout,
	}
	if t != nil {
		req.TaskID, req.TaskName, req.Description = t.ID, t.Name, t.Description
		t.Approval = models.ApprovalPending
	} else {
		r.wf.Approval = models.ApprovalPending
	}
	key := approvalKey(r.wf.ID, req.TaskID)
	ctx, cancel := context.WithTimeout(r.ctx, r.e.cfg.ApprovalTimeout)
	r.waiting[key] = cancel

	_ = r.snapshot("approval_requested")
	r.log.Info("approval requested", "task_id", req.TaskID, "task", req.TaskName, "timeout", req.Timeout)
	r.e.emit(Event{Type: EventApprovalRequested, WorkflowID: r.wf.ID, TaskID: req.TaskID, TaskName: req.TaskName})

	go func() {
		d, err := r.e.approver.RequestApproval(ctx, req)
		select {
		case r.approvalsCh <- approvalOutcome{key: key, taskID: req.TaskID, decision: d, err: err}:
		case <-r.done:
		}
	}()
}

func (r *run) cancelWaiter(taskID string) {
	key := approvalKey(r.wf.ID, taskID)
	if cancel, ok := r.waiting[key]; ok {
		cancel()
		delete(r.waiting, key)
	}
}

func (r *run) cancelWaiters() {
	for key, cancel := range r.waiting {
		cancel()
		delete(r.waiting, key)
	}
}

// handleApproval applies an approval decision or timeout.
func (r *run) handleApproval(o approvalOutcome) {
	cancel, ok := r.waiting[o.key]
	if !ok {
		// The wait was abandoned (task skipped, workflow cancelled).
		return
	}
	delete(r.waiting, o.key)
	cancel()
	if r.cancelled || errors.Is(o.err, context.Canceled) {
		return
	}

	timedOut := o.err != nil
	if timedOut && !errors.Is(o.err, context.DeadlineExceeded) {
		r.log.Warn("approver failed, treating as timeout", "task_id", o.taskID, "error", o.err)
	}
	skipOnTimeout := r.e.cfg.ApprovalTimeoutPolicy == ApprovalTimeoutSkip
	timeoutErr := &failure.ApprovalTimeoutError{WorkflowID: r.wf.ID, TaskID: o.taskID, Timeout: r.e.cfg.ApprovalTimeout}

	outcome := "approved"
	switch {
	case timedOut:
		outcome = "timeout"
	case !o.decision.Approved:
		outcome = "rejected"
	}
	r.log.Info("approval resolved", "task_id", o.taskID, "outcome", outcome, "reason", o.decision.Reason)

	if o.taskID == "" {
		switch outcome {
		case "approved":
			r.wf.Approval = models.ApprovalApproved
		case "rejected":
			r.wf.Approval = models.ApprovalRejected
			r.stopDispatch(fmt.Errorf("workflow approval rejected: %s", o.decision.Reason), "workflow approval rejected", models.SkipApprovalRejected)
		default:
			// Both policies stop here: skipping the gate would skip every
			// task, and a workflow where nothing ran has not completed.
			r.wf.Approval = models.ApprovalTimedOut
			r.stopDispatch(timeoutErr, timeoutErr.Error(), models.SkipApprovalTimeout)
		}
		_ = r.snapshot("workflow_approval_" + outcome)
	} else {
		t := r.tasks[o.taskID]
		if t == nil || t.Status.IsTerminal() {
			return
		}
		switch outcome {
		case "approved":
			t.Approval = models.ApprovalApproved
			_ = r.snapshot("task_approved")
		case "rejected":
			t.Approval = models.ApprovalRejected
			r.markSkipped(t, models.SkipApprovalRejected)
			r.propagateSkip(t.ID)
			_ = r.snapshot("task_approval_rejected")
		default:
			t.Approval = models.ApprovalTimedOut
			if skipOnTimeout {
				r.markSkipped(t, models.SkipApprovalTimeout)
				r.propagateSkip(t.ID)
				_ = r.snapshot("task_approval_timeout")
			} else {
				r.failTask(t, timeoutErr, failure.ClassApprovalTimeout)
			}
		}
	}

	r.e.emit(Event{
		Type:       EventApprovalResolved,
		WorkflowID: r.wf.ID,
		TaskID:     o.taskID,
		Message:    strings.TrimSpace(outcome + " " + o.decision.Reason),
	})
}

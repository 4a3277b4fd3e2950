package orchestrator

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/relay/pkg/models"
)

// snapshot persists the current state. Every state transition is followed by
// one so that the latest snapshot is always resumable.
func (r *run) snapshot(reason string) error {
	return r.persist(r.sctx, "", reason)
}

// snapshotWithID persists with a caller-chosen snapshot ID.
func (r *run) snapshotWithID(id, reason string) error {
	return r.persist(r.sctx, id, reason)
}

func (r *run) persist(ctx context.Context, id, reason string) error {
	snap := r.capture(reason)
	snap.ID = id
	if _, err := r.e.store.Save(ctx, snap); err != nil {
		r.log.Error("failed to save snapshot", "reason", reason, "error", err)
		// Without a durable snapshot the run could not be resumed faithfully.
		if !r.aborted && !r.cancelled {
			r.stopDispatch(fmt.Errorf("save snapshot: %w", err), "snapshot could not be saved", models.SkipWorkflowFailed)
		}
		return err
	}

	r.lastSnapshotID = snap.ID
	r.view.Store(snap)
	r.e.metrics.snapshotSaved()
	r.log.Debug("snapshot saved", "snapshot_id", snap.ID, "sequence", snap.Sequence, "reason", reason)
	r.e.emit(Event{
		Type:       EventSnapshotSaved,
		WorkflowID: r.wf.ID,
		SnapshotID: snap.ID,
		Status:     string(r.wf.Status),
		Message:    reason,
	})
	return nil
}

// capture copies the workflow, its tasks and agent memory.
func (r *run) capture(reason string) *models.Snapshot {
	snap := &models.Snapshot{
		WorkflowID: r.wf.ID,
		Reason:     reason,
		Workflow:   r.wf.Clone(),
		Tasks:      make([]*models.Task, 0, len(r.order)),
	}
	for _, id := range r.order {
		snap.Tasks = append(snap.Tasks, r.tasks[id].Clone())
	}
	if len(r.memory) > 0 {
		snap.AgentMemory = make(map[string][]string, len(r.memory))
		for id, notes := range r.memory {
			snap.AgentMemory[id] = append([]string(nil), notes...)
		}
	}
	return snap
}

// restoreRun rebuilds a run from a snapshot. Executions that were running
// were lost with the process and become Ready again with their retry counts
// kept; approval waits are requested again.
func restoreRun(e *Engine, snap *models.Snapshot) (*run, error) {
	wf := snap.Workflow.Clone()
	tasks := make([]*models.Task, 0, len(snap.Tasks))
	for _, t := range snap.Tasks {
		c := t.Clone()
		if c.Status == models.TaskStatusRunning {
			c.Status = models.TaskStatusReady
			c.StartedAt = nil
		}
		if c.Approval == models.ApprovalPending {
			c.Approval = models.ApprovalNone
		}
		tasks = append(tasks, c)
	}
	if len(tasks) != len(wf.TaskIDs) {
		return nil, fmt.Errorf("snapshot %s has %d tasks, workflow lists %d", snap.ID, len(tasks), len(wf.TaskIDs))
	}
	if wf.Approval == models.ApprovalPending {
		wf.Approval = models.ApprovalNone
	}
	paused := wf.Status == models.WorkflowPaused
	wf.FinishedAt = nil
	wf.Failure = nil

	r, err := newRun(e, wf, tasks, snap.AgentMemory, paused)
	if err != nil {
		return nil, fmt.Errorf("restore snapshot %s: %w", snap.ID, err)
	}
	for _, t := range tasks {
		if t.Status == models.TaskStatusFailed && !t.Optional {
			r.failures = append(r.failures, models.TaskFailure{
				TaskID: t.ID,
				Name:   t.Name,
				Class:  t.ErrorClass,
				Error:  t.LastError,
			})
		}
	}
	return r, nil
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ShayCichocki/relay/internal/state"
	"github.com/ShayCichocki/relay/pkg/models"
)

// TaskSummary is the status view of one task.
type TaskSummary struct {
	ID         string
	Name       string
	Status     models.TaskStatus
	AgentID    string
	Model      string
	RetryCount int
	ErrorClass string
	LastError  string
	SkipReason string
	Approval   models.ApprovalState
	CostUSD    float64
}

// Status is a consistent point-in-time view of a workflow, taken from its
// latest durable snapshot.
type Status struct {
	Workflow   *models.Workflow
	Tasks      []TaskSummary
	SnapshotID string
	Sequence   int64
	// Live is true when this engine is running the workflow.
	Live bool
}

// Counts returns the number of tasks per status.
func (s *Status) Counts() map[models.TaskStatus]int {
	out := make(map[models.TaskStatus]int)
	for _, t := range s.Tasks {
		out[t.Status]++
	}
	return out
}

// Status returns the workflow's status. Workflows this engine does not hold
// are read from the store.
func (e *Engine) Status(ctx context.Context, workflowID string) (*Status, error) {
	e.mu.RLock()
	r, ok := e.runs[workflowID]
	e.mu.RUnlock()

	var snap *models.Snapshot
	live := false
	if ok {
		snap = r.view.Load()
		live = r.isStarted() && !r.isFinished()
	}
	if snap == nil {
		var err error
		snap, err = e.store.Latest(ctx, workflowID)
		if errors.Is(err, state.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
		}
		if err != nil {
			return nil, fmt.Errorf("load latest snapshot: %w", err)
		}
	}
	return statusFrom(snap, live), nil
}

// Workflows lists the latest snapshot of every stored workflow.
func (e *Engine) Workflows(ctx context.Context) ([]models.SnapshotInfo, error) {
	return e.store.Workflows(ctx)
}

// Snapshots lists a workflow's snapshots.
func (e *Engine) Snapshots(ctx context.Context, workflowID string) ([]models.SnapshotInfo, error) {
	return e.store.List(ctx, workflowID)
}

// SnapshotStatus builds the status view of a stored snapshot without an
// engine, for read-only callers.
func SnapshotStatus(snap *models.Snapshot) *Status {
	return statusFrom(snap, false)
}

func statusFrom(snap *models.Snapshot, live bool) *Status {
	st := &Status{
		Workflow:   snap.Workflow.Clone(),
		SnapshotID: snap.ID,
		Sequence:   snap.Sequence,
		Live:       live,
		Tasks:      make([]TaskSummary, 0, len(snap.Tasks)),
	}
	for _, t := range snap.Tasks {
		sum := TaskSummary{
			ID:         t.ID,
			Name:       t.Name,
			Status:     t.Status,
			AgentID:    t.AssignedAgentID,
			Model:      t.AssignedModel,
			RetryCount: t.RetryCount,
			ErrorClass: t.ErrorClass,
			LastError:  t.LastError,
			SkipReason: t.SkipReason,
			Approval:   t.Approval,
		}
		if t.Result != nil {
			sum.CostUSD = t.Result.CostUSD
		}
		st.Tasks = append(st.Tasks, sum)
	}
	return st
}

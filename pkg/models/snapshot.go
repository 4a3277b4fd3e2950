package models

import "time"

// Snapshot is an immutable capture of a workflow, all of its tasks and agent memory.
type Snapshot struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
	// Sequence increases monotonically per workflow; the latest snapshot has the highest.
	Sequence  int64     `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
	// Reason names the transition that produced the snapshot.
	Reason   string    `json:"reason"`
	Workflow *Workflow `json:"workflow"`
	Tasks    []*Task   `json:"tasks"`
	// AgentMemory maps agent IDs to the notes they accumulated.
	AgentMemory map[string][]string `json:"agent_memory,omitempty"`
}

// SnapshotInfo is the listing form of a snapshot, without its payload.
type SnapshotInfo struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	Sequence   int64          `json:"sequence"`
	CreatedAt  time.Time      `json:"created_at"`
	Reason     string         `json:"reason"`
	Status     WorkflowStatus `json:"status"`
}

// Info returns the listing form of the snapshot.
func (s *Snapshot) Info() SnapshotInfo {
	info := SnapshotInfo{
		ID:         s.ID,
		WorkflowID: s.WorkflowID,
		Sequence:   s.Sequence,
		CreatedAt:  s.CreatedAt,
		Reason:     s.Reason,
	}
	if s.Workflow != nil {
		info.Status = s.Workflow.Status
	}
	return info
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Workflow = s.Workflow.Clone()
	c.Tasks = make([]*Task, len(s.Tasks))
	for i, t := range s.Tasks {
		c.Tasks[i] = t.Clone()
	}
	if s.AgentMemory != nil {
		c.AgentMemory = make(map[string][]string, len(s.AgentMemory))
		for k, v := range s.AgentMemory {
			c.AgentMemory[k] = append([]string(nil), v...)
		}
	}
	return &c
}

// TaskByID returns the task with the given ID, or nil.
func (s *Snapshot) TaskByID(id string) *Task {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

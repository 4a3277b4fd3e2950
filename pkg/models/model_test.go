package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestModelDescriptor_Key(t *testing.T) {
	m := ModelDescriptor{Provider: "anthropic", ModelID: "claude-sonnet"}
	assert.Equal(t, "anthropic/claude-sonnet", m.Key())
}

func TestModelDescriptor_EstimateCost(t *testing.T) {
	m := ModelDescriptor{InputCostPerToken: 0.000003, OutputCostPerToken: 0.000015}
	assert.InDelta(t, 0.003+0.015, m.EstimateCost(1000, 1000), 1e-9)
	assert.Zero(t, m.EstimateCost(0, 0))
}

func TestModelDescriptor_HasCapability(t *testing.T) {
	m := ModelDescriptor{Capabilities: []Capability{CapabilityToolUse}}
	assert.True(t, m.HasCapability(CapabilityToolUse))
	assert.False(t, m.HasCapability(CapabilityWebSearch))
}

func TestLatencyClass_Rank(t *testing.T) {
	assert.Less(t, LatencyLow.Rank(), LatencyMedium.Rank())
	assert.Less(t, LatencyMedium.Rank(), LatencyHigh.Rank())
	assert.Equal(t, LatencyHigh.Rank(), LatencyClass("").Rank())
}

func TestWorkflow_Deadline(t *testing.T) {
	w := &Workflow{MaxDuration: time.Minute}
	assert.True(t, w.Deadline().IsZero(), "not started")

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w.StartedAt = &start
	assert.Equal(t, start.Add(time.Minute), w.Deadline())
}

func TestSnapshot_CloneAndInfo(t *testing.T) {
	s := &Snapshot{
		ID:          "s1",
		WorkflowID:  "w1",
		Sequence:    3,
		Reason:      "task_succeeded",
		Workflow:    &Workflow{ID: "w1", Status: WorkflowRunning, TaskIDs: []string{"t1"}},
		Tasks:       []*Task{{ID: "t1", Status: TaskStatusSucceeded}},
		AgentMemory: map[string][]string{"a1": {"note"}},
	}

	c := s.Clone()
	c.Tasks[0].Status = TaskStatusFailed
	c.Workflow.TaskIDs[0] = "x"
	c.AgentMemory["a1"][0] = "changed"

	assert.Equal(t, TaskStatusSucceeded, s.Tasks[0].Status)
	assert.Equal(t, "t1", s.Workflow.TaskIDs[0])
	assert.Equal(t, "note", s.AgentMemory["a1"][0])

	info := s.Info()
	assert.Equal(t, WorkflowRunning, info.Status)
	assert.Equal(t, int64(3), info.Sequence)
	assert.NotNil(t, s.TaskByID("t1"))
	assert.Nil(t, s.TaskByID("nope"))
}

func TestAgentDefinition_Clone(t *testing.T) {
	a := &AgentDefinition{Name: "r", Capabilities: []string{"research"}}
	c := a.Clone()
	c.Capabilities[0] = "x"
	assert.True(t, a.HasCapability("research"))
	assert.False(t, a.HasCapability("x"))
}

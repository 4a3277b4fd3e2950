package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStatus_Valid(t *testing.T) {
	tests := []struct {
		name   string
		status TaskStatus
		want   bool
	}{
		{"pending is valid", TaskStatusPending, true},
		{"ready is valid", TaskStatusReady, true},
		{"running is valid", TaskStatusRunning, true},
		{"succeeded is valid", TaskStatusSucceeded, true},
		{"failed is valid", TaskStatusFailed, true},
		{"skipped is valid", TaskStatusSkipped, true},
		{"cancelled is valid", TaskStatusCancelled, true},
		{"empty string is invalid", TaskStatus(""), false},
		{"unknown status is invalid", TaskStatus("done"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.Valid())
		})
	}
}

func TestTaskStatus_IsTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskStatusSucceeded, TaskStatusFailed, TaskStatusSkipped, TaskStatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}
	for _, s := range []TaskStatus{TaskStatusPending, TaskStatusReady, TaskStatusRunning} {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestTask_Timeout(t *testing.T) {
	task := &Task{}
	assert.Equal(t, 30*time.Second, task.Timeout(30*time.Second))

	task.TimeoutSeconds = 5
	assert.Equal(t, 5*time.Second, task.Timeout(30*time.Second))
}

func TestTask_CloneIsDeep(t *testing.T) {
	conf := 0.9
	started := time.Now()
	orig := &Task{
		ID:           "t1",
		DependsOn:    []string{"a"},
		Capabilities: []Capability{CapabilityToolUse},
		StartedAt:    &started,
		Result:       &TaskResult{Output: "x", Confidence: &conf, Memory: []string{"m"}},
	}

	c := orig.Clone()
	c.DependsOn[0] = "b"
	c.Capabilities[0] = CapabilityWebSearch
	*c.Result.Confidence = 0.1
	c.Result.Memory[0] = "changed"
	*c.StartedAt = started.Add(time.Hour)

	assert.Equal(t, "a", orig.DependsOn[0])
	assert.Equal(t, CapabilityToolUse, orig.Capabilities[0])
	assert.Equal(t, 0.9, *orig.Result.Confidence)
	assert.Equal(t, "m", orig.Result.Memory[0])
	assert.True(t, orig.StartedAt.Equal(started))

	var nilTask *Task
	require.Nil(t, nilTask.Clone())
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name  string
		tasks []*Task
		want  WorkflowStatus
	}{
		{
			name:  "all succeeded",
			tasks: []*Task{{Status: TaskStatusSucceeded}, {Status: TaskStatusSucceeded}},
			want:  WorkflowCompleted,
		},
		{
			name:  "required failure",
			tasks: []*Task{{Status: TaskStatusSucceeded}, {Status: TaskStatusFailed}},
			want:  WorkflowFailed,
		},
		{
			name:  "optional failure still completes",
			tasks: []*Task{{Status: TaskStatusSucceeded}, {Status: TaskStatusFailed, Optional: true}},
			want:  WorkflowCompleted,
		},
		{
			name:  "work remaining",
			tasks: []*Task{{Status: TaskStatusSucceeded}, {Status: TaskStatusReady}},
			want:  WorkflowRunning,
		},
		{
			name:  "skipped counts as terminal",
			tasks: []*Task{{Status: TaskStatusSucceeded}, {Status: TaskStatusSkipped}},
			want:  WorkflowCompleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveStatus(tt.tasks))
		})
	}
}

package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/relay/pkg/models"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))
	faintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("28"))
	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))
	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))
	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39"))
	separatorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("236"))
	keyStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("252"))
	approvalStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("214")).
			Padding(0, 1)
	logStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("240"))
)

// taskIcon returns the status glyph shown in the task table.
func taskIcon(s models.TaskStatus) string {
	switch s {
	case models.TaskStatusSucceeded:
		return successStyle.Render("✓")
	case models.TaskStatusFailed:
		return errorStyle.Render("✗")
	case models.TaskStatusRunning:
		return runningStyle.Render("▶")
	case models.TaskStatusSkipped, models.TaskStatusCancelled:
		return warnStyle.Render("-")
	case models.TaskStatusReady:
		return faintStyle.Render("○")
	default:
		return faintStyle.Render("·")
	}
}

func workflowStyle(s models.WorkflowStatus) lipgloss.Style {
	switch s {
	case models.WorkflowCompleted:
		return successStyle
	case models.WorkflowFailed:
		return errorStyle
	case models.WorkflowPaused, models.WorkflowCancelled:
		return warnStyle
	case models.WorkflowRunning:
		return runningStyle
	default:
		return faintStyle
	}
}

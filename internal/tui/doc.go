// Package tui provides a live terminal dashboard for a running workflow.
//
// The dashboard shows the workflow's tasks with their status and model, a
// scrolling event log, and the pending approval request, if any. Keys:
//
//	p      pause or resume dispatch
//	y / n  approve or reject the pending approval
//	↑ / ↓  scroll the event log
//	c      cancel the workflow
//	q      leave the dashboard (the workflow is cancelled if still running)
package tui

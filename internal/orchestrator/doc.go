// Package orchestrator drives workflows: it turns a goal into a task graph,
// dispatches ready tasks to agents with bounded concurrency, and recovers
// from failures under cost and time budgets.
//
// Each workflow is owned by a single run loop. The loop is the only writer
// of workflow and task state; executions happen on worker goroutines that
// report back to the loop. Every task transition is captured in a
// write-once snapshot, so a workflow interrupted by a process exit can be
// resumed from its latest snapshot.
//
// Example usage:
//
//	engine, err := orchestrator.New(orchestrator.RequiredConfig{
//		Registry: reg,
//		Router:   rt,
//		Store:    store,
//		Executor: executor,
//	}, orchestrator.WithConfig(cfg))
//	id, err := engine.CreateWorkflow(ctx, "Write a market report", models.WorkflowConfig{}, specs)
//	err = engine.Run(ctx, id)
package orchestrator

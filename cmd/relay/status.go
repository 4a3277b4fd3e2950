package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/relay/internal/orchestrator"
	"github.com/ShayCichocki/relay/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status [workflow-id]",
	Short: "Show workflow status",
	Long: `Show workflow status from the state store.

Without an ID, lists every stored workflow, most recent first, and marks the
ones that were interrupted and can be resumed. With an ID, shows the tasks of
that workflow as of its latest snapshot.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots <workflow-id>",
	Short: "List the snapshots of a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		infos, err := store.List(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			return fmt.Errorf("%w: %s", orchestrator.ErrWorkflowNotFound, args[0])
		}
		printSnapshotList(cmd.OutOrStdout(), infos, false)
		return nil
	},
}

func runStatus(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	if len(args) == 1 {
		snap, err := store.Latest(ctx, args[0])
		if errors.Is(err, state.ErrNotFound) {
			return fmt.Errorf("%w: %s", orchestrator.ErrWorkflowNotFound, args[0])
		}
		if err != nil {
			return err
		}
		printStatus(out, orchestrator.SnapshotStatus(snap))
		return nil
	}

	all, err := store.Workflows(ctx)
	if err != nil {
		return err
	}
	if len(all) == 0 {
		fmt.Fprintln(out, "No workflows. Run 'relay run <goal>' to start one.")
		return nil
	}
	printSnapshotList(out, all, true)

	interrupted, err := state.Interrupted(ctx, store)
	if err != nil {
		return err
	}
	if len(interrupted) > 0 {
		fmt.Fprintf(out, "\n%s\n", yellow("Interrupted workflows (resume with 'relay resume <id>'):"))
		for _, info := range interrupted {
			fmt.Fprintf(out, "  %s  %s\n", info.WorkflowID, statusColor(string(info.Status)))
		}
	}
	return nil
}

// openStore opens the configured store without the rest of the engine.
func openStore() (state.Store, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := state.OpenStore(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}

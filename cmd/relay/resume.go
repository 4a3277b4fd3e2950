package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/relay/internal/orchestrator"
)

var (
	resumeApprove bool
	resumeTUI     bool
)

var resumeCmd = &cobra.Command{
	Use:   "resume <workflow-id>",
	Short: "Resume an interrupted workflow from its latest snapshot",
	Long: `Resume an interrupted workflow from its latest snapshot.

Tasks that were running when the process stopped are dispatched again with
their retry counts kept. Finished tasks are not re-run. Pending approvals are
requested again.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var opts appOptions
		if resumeApprove {
			opts.approver = orchestrator.AutoApprove
		}
		a, err := newApp(ctx, cfg, logger, opts)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.engine.ResumeFromSnapshot(ctx, args[0]); err != nil {
			return err
		}
		return execute(ctx, cmd, a, args[0], executeOptions{autoApprove: resumeApprove, dashboard: resumeTUI})
	},
}

func init() {
	resumeCmd.Flags().BoolVar(&resumeApprove, "approve", false, "Approve every approval request automatically")
	resumeCmd.Flags().BoolVar(&resumeTUI, "tui", false, "Show a live dashboard while the workflow runs")
}

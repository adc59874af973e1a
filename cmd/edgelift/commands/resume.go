package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newResumeCommand() *cobra.Command {
	var (
		projectID   string
		parallelism int
		dryRun      bool
	)

	cmd := &cobra.Command{
		Use:   "resume [deployment-id]",
		Short: "Resume a paused or failed deployment",
		Long: `Resume a deployment from its earliest unfinished step.

Completed steps are never re-executed. A step that was in progress when the
previous run stopped is re-run from scratch; resource creation is idempotent,
so already-created resources are detected and kept.`,
		Example: `  # Resume by deployment id
  edgelift resume 2f1c9b04-7a1e-4a32-9c5d-8f6e12ab34cd --dry-run

  # Resume the newest unfinished deployment of a project
  edgelift resume --project camfleet-468209 --dry-run`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if len(args) == 0 && projectID == "" {
				return fmt.Errorf("a deployment id or --project is required")
			}

			client, err := selectClient(dryRun)
			if err != nil {
				return err
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			deploymentID := ""
			if len(args) == 1 {
				deploymentID = args[0]
			} else {
				existing, err := store.FindByProject(ctx, projectID)
				if err != nil {
					return fmt.Errorf("no unfinished deployment for project %s: %w", projectID, err)
				}
				deploymentID = existing.ID
			}

			e, metrics, tracer, err := buildEngine(store, client, parallelism)
			if err != nil {
				return err
			}

			return runAndRender(ctx, e, metrics, tracer, func(runCtx context.Context) error {
				return e.Resume(runCtx, deploymentID)
			})
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "", "resume the newest unfinished deployment of this project")
	cmd.Flags().IntVar(&parallelism, "parallelism", 4, "max parallel operations within a step")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "execute against the in-memory backend")

	return cmd
}

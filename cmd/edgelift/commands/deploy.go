package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/edgelift/edgelift/pkg/config"
	"github.com/edgelift/edgelift/pkg/stores"
	"github.com/spf13/cobra"
)

func newDeployCommand() *cobra.Command {
	var (
		configFile  string
		parallelism int
		dryRun      bool
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Provision the cloud backend for a project",
		Long: `Provision the edge camera cloud backend described by a deployment config.

The deployment runs as a fixed pipeline of checkpointed steps. Interrupting
with Ctrl-C pauses at the next step boundary; a failed step halts the run.
Both are resumed in place with 'edgelift resume'.`,
		Example: `  # Deploy against the in-memory backend
  edgelift deploy --config deploy.yaml --dry-run

  # Deploy with a dedicated state database
  edgelift deploy --config deploy.yaml --state ./state.db --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load(configFile)
			if err != nil {
				return err
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

			// An unfinished deployment for the project must be resumed,
			// not shadowed by a new one.
			if existing, err := store.FindByProject(ctx, cfg.ProjectID); err == nil {
				return fmt.Errorf("project %s has an unfinished deployment %s; resume it with 'edgelift resume %s'",
					cfg.ProjectID, existing.ID, existing.ID)
			} else if !errors.Is(err, stores.ErrNotFound) {
				return err
			}

			e, metrics, tracer, err := buildEngine(store, client, parallelism)
			if err != nil {
				return err
			}

			return runAndRender(ctx, e, metrics, tracer, func(runCtx context.Context) error {
				return e.Start(runCtx, cfg)
			})
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "deploy.yaml", "deployment config file")
	cmd.Flags().IntVar(&parallelism, "parallelism", 4, "max parallel operations within a step")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "execute against the in-memory backend")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

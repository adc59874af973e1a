package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	statePath     string
	verbose       bool
	jsonOutput    bool
	metricsListen string
	traceStdout   bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	cliVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "edgelift",
		Short: "EdgeLift - Edge Camera Cloud Provisioning",
		Long: `EdgeLift provisions the cloud backend for a fleet of edge cameras:
service accounts, IAM bindings, the device-auth and token-vendor functions,
an API gateway with key auth, workload identity federation, document database
rules, and the fleet dashboard web app.

Deployments are checkpointed step by step in a local state database. A failed
or interrupted deployment is resumed in place; completed steps are never
re-executed.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "", "state database path (default ~/.edgelift/state.db)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address during a run")
	rootCmd.PersistentFlags().BoolVar(&traceStdout, "trace", false, "emit OpenTelemetry spans to stdout")

	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())

	return rootCmd
}

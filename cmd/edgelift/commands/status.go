package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/edgelift/edgelift/pkg/stores"
	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <deployment-id>",
		Short: "Show the step-by-step state of a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			d, err := store.GetDeployment(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				data, err := json.MarshalIndent(d, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			printDeployment(d)
			return nil
		},
	}
	return cmd
}

func printDeployment(d *stores.Deployment) {
	fmt.Printf("Deployment: %s\n", d.ID)
	fmt.Printf("Project:    %s (%s)\n", d.ProjectID, d.Region)
	fmt.Printf("Status:     %s\n", d.Status)
	fmt.Printf("Created:    %s\n\n", d.CreatedAt.Format("2006-01-02 15:04:05"))

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tSTATUS\tATTEMPTS\tERROR")
	for _, s := range d.Steps {
		errMsg := ""
		if s.Error != nil {
			errMsg = *s.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.Name, s.Status, s.Attempts, errMsg)
	}
	w.Flush()

	outputs := d.MergedResources()
	if len(outputs) > 0 {
		fmt.Println("\nOutputs:")
		printOutputs(outputs)
	}
}

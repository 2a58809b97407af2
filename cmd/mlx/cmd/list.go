package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := newClient().ListJobs()
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tKIND\tSTATE\tATTEMPT\tNODE")
		for _, j := range resp.Jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				j.ID, j.Name, j.Kind, j.State, j.Attempt, j.Node)
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

package cmd

import (
	"github.com/spf13/cobra"
)

var statusWatch bool

var statusCmd = &cobra.Command{
	Use:   "status [job_id]",
	Short: "Show a job's current state",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient()

		if statusWatch {
			watchJob(cmd, client, args[0])
			return
		}

		j, err := client.GetJob(args[0])
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}

		cmd.Printf("Job:      %s\n", j.ID)
		cmd.Printf("Name:     %s\n", j.Name)
		cmd.Printf("Kind:     %s\n", j.Kind)
		cmd.Printf("State:    %s\n", j.State)
		cmd.Printf("Attempt:  %d\n", j.Attempt)
		if j.Node != "" {
			cmd.Printf("Node:     %s\n", j.Node)
		}
		if j.Container != nil {
			cmd.Printf("Container: %s (%s)\n", j.Container.ID, j.Container.Backend)
		}
		if j.Error != nil {
			cmd.Printf("Error:    %s: %s\n", j.Error.Kind, j.Error.Message)
		}
	},
}

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "follow status transitions until the job finishes")
	rootCmd.AddCommand(statusCmd)
}

package cmd

import (
	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs [job_id]",
	Short: "Stream a job's container logs",
	Long: `Stream the job's container output. The stream follows a running
container and ends when it exits; for a finished job it prints what the
backend retained.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient()
		if err := client.StreamLogs(args[0], cmd.OutOrStdout()); err != nil {
			cmd.Printf("Error streaming logs: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(logsCmd)
}

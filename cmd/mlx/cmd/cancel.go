package cmd

import (
	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [job_id]",
	Short: "Cancel a job",
	Long: `Request cancellation of a job. Pending jobs cancel immediately;
running jobs are stopped gracefully, then killed after a grace period.
Cancellation is acknowledged as soon as the request is recorded.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := newClient().Cancel(args[0]); err != nil {
			cmd.Printf("Cancel failed: %v\n", err)
			return
		}
		cmd.Printf("Cancellation requested for %s\n", args[0])
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

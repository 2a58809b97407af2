package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"mlx/pkg/api"
)

var (
	submitFile    string
	submitRetries int
	submitWatch   bool
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job from a YAML spec",
	Long: `Submit a job described by a YAML spec file.

The spec names the job kind (train, data or serve), the container image or
code source, the command and the resource request:

  kind: train
  name: resnet50
  image: registry.local/train:v1
  command: ["python", "train.py", "--epochs", "10"]
  resources:
    cpu_millis: 4000
    memory_mb: 16384
    gpus: 1

Example:
  mlx submit -f train.yaml --max-retries 2 --watch`,
	Run: func(cmd *cobra.Command, args []string) {
		data, err := os.ReadFile(submitFile)
		if err != nil {
			cmd.Printf("Error reading spec file: %v\n", err)
			return
		}

		var spec api.JobSpec
		if err := yaml.Unmarshal(data, &spec); err != nil {
			cmd.Printf("Error parsing spec file: %v\n", err)
			return
		}

		client := newClient()
		resp, err := client.Submit(api.SubmitJobRequest{
			Spec:       spec,
			MaxRetries: submitRetries,
		})
		if err != nil {
			cmd.Printf("Submit failed: %v\n", err)
			return
		}

		cmd.Printf("Job %s submitted (%s)\n", resp.JobID, resp.State)

		if submitWatch {
			watchJob(cmd, client, resp.JobID)
		}
	},
}

// watchJob follows the job's event stream and prints each transition.
func watchJob(cmd *cobra.Command, client *Client, id string) {
	final, err := client.WatchEvents(id, func(ev api.JobStatus) {
		line := ev.State
		if ev.Node != "" {
			line += " on " + ev.Node
		}
		if ev.Error != nil {
			line += " (" + ev.Error.Kind + ": " + ev.Error.Message + ")"
		}
		cmd.Printf("[attempt %d] %s\n", ev.Attempt, line)
	})
	if err != nil {
		cmd.Printf("Watch failed: %v\n", err)
		return
	}
	if final != nil {
		cmd.Printf("Job %s finished: %s\n", id, final.State)
	}
}

func init() {
	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "path to the job spec YAML (required)")
	submitCmd.MarkFlagRequired("file")
	submitCmd.Flags().IntVar(&submitRetries, "max-retries", 0, "how many times a failed attempt is retried")
	submitCmd.Flags().BoolVarP(&submitWatch, "watch", "w", false, "follow the job's status until it finishes")

	rootCmd.AddCommand(submitCmd)
}

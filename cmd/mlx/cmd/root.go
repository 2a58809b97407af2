package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mlx",
	Short: "mlx runs ML jobs on remote compute nodes",
	Long: `mlx is the command-line interface of the mlx control plane: it submits
training runs, data preparation jobs and model servers to remote nodes and
tracks them through their lifecycle.

Jobs are described in a YAML spec and dispatched to registered nodes, which
run them in containers (rootless podman on single hosts, pods on a cluster).

Common workflows:

  Submit a training job and watch it:
    mlx submit -f train.yaml --watch

  Check job status:
    mlx status <job-id>

  Stream a job's logs:
    mlx logs <job-id>

  Cancel a job:
    mlx cancel <job-id>

  Register a compute node:
    mlx node register --name gpu-1 --address trainer@10.0.0.5 --backend podman \
      --cpu 8000 --memory 32768 --gpus 4

Configuration:
  Set the coordinator endpoint and credentials via flags, environment
  variables or a config file:
    MLX_URL      Coordinator URL (default: http://localhost:6161)
    MLX_TOKEN    API token for authentication`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".mlx")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MLX")
	viper.AutomaticEnv()

	viper.ReadInConfig()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mlx.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "coordinator URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "API token for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

func newClient() *Client {
	return NewClient(viper.GetString("url"), viper.GetString("token"))
}

package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"mlx/pkg/api"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage compute nodes",
}

var (
	nodeName    string
	nodeAddress string
	nodeBackend string
	nodeKey     string
	nodeCPU     int
	nodeMemory  int
	nodeGPUs    int
)

var nodeRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a compute node",
	Long: `Register a node with the coordinator. The declared capacity is what
placement budgets against; it is refreshed by heartbeat, not measured.

For podman nodes, --address is the SSH target (user@host[:port]) and
--credential is the path to the SSH private key on the coordinator host.
For kubernetes nodes, --credential is a kubeconfig path.

Example:
  mlx node register --name gpu-1 --address trainer@10.0.0.5 --backend podman \
    --credential ~/.ssh/mlx_ed25519 --cpu 8000 --memory 32768 --gpus 4`,
	Run: func(cmd *cobra.Command, args []string) {
		err := newClient().RegisterNode(api.RegisterNodeRequest{
			Name:          nodeName,
			Address:       nodeAddress,
			Backend:       nodeBackend,
			CredentialRef: nodeKey,
			Capacity: api.Resources{
				CPUMillis: nodeCPU,
				MemoryMB:  nodeMemory,
				GPUs:      nodeGPUs,
			},
		})
		if err != nil {
			cmd.Printf("Register failed: %v\n", err)
			return
		}
		cmd.Printf("Node %s registered\n", nodeName)
	},
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered nodes",
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := newClient().ListNodes()
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tADDRESS\tBACKEND\tCPU\tMEM(MB)\tGPUS\tSTATUS")
		for _, n := range resp.Nodes {
			status := "ready"
			if n.Unreachable {
				status = "unreachable"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%dm\t%d\t%d\t%s\n",
				n.Name, n.Address, n.Backend,
				n.Capacity.CPUMillis, n.Capacity.MemoryMB, n.Capacity.GPUs, status)
		}
		w.Flush()
	},
}

func init() {
	nodeRegisterCmd.Flags().StringVar(&nodeName, "name", "", "node name (required)")
	nodeRegisterCmd.MarkFlagRequired("name")
	nodeRegisterCmd.Flags().StringVar(&nodeAddress, "address", "", "node address, user@host[:port] for podman nodes")
	nodeRegisterCmd.Flags().StringVar(&nodeBackend, "backend", "podman", "container backend: podman or kubernetes")
	nodeRegisterCmd.Flags().StringVar(&nodeKey, "credential", "", "SSH key path (podman) or kubeconfig path (kubernetes)")
	nodeRegisterCmd.Flags().IntVar(&nodeCPU, "cpu", 0, "capacity in millicores")
	nodeRegisterCmd.Flags().IntVar(&nodeMemory, "memory", 0, "capacity in MB")
	nodeRegisterCmd.Flags().IntVar(&nodeGPUs, "gpus", 0, "GPU count")

	nodeCmd.AddCommand(nodeRegisterCmd)
	nodeCmd.AddCommand(nodeListCmd)
	rootCmd.AddCommand(nodeCmd)
}

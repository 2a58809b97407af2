// Package main is the entry point of the mlx CLI, the developer's terminal
// tool for submitting and tracking ML jobs.
package main

import (
	"os"

	"mlx/cmd/mlx/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "orchard",
		Short: "Orchard - Agent process orchestrator",
		Long: `Orchard runs autonomous coding agents as supervised subprocesses,
gives each one an isolated git worktree, and coordinates feature
branches, commits and pull requests across multiple repositories.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "checklist-orch",
		Short: "Checklist Orchestrator - Batch AI agent processing",
		Long: `Checklist Orchestrator drives a markdown checklist of work items through
external AI coding agents. It dispatches batches of items, supervises each
agent subprocess with hang detection and retries, and records every run.`,
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

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "issuepilot",
		Short: "Issuepilot - self-healing execution pipeline for tracked issues",
		Long: `Issuepilot drives tracked issues through plan, branch, generate, build,
self-repair, commit and review handoff. Workers claim runs from a durable
queue and release them with a terminal status; failed builds go through a
bounded classify/fix/reverify loop before a human is involved.`,
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

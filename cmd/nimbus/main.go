package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nimbus",
	Short: "Nimbus - GPU instance lifecycle orchestrator",
	Long: `Nimbus orchestrates GPU instance lifecycles against an upstream
GPU cloud provider: asynchronous creation, startup monitoring, health
checking, webhook notifications and automatic migration of instances
off reclaimed spot capacity.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Nimbus version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
}

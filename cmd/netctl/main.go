// Command netctl runs the validator fleet network controller, or acts
// as a thin client that registers nodes with one (node put); it has no
// command for inspecting nodes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nodefleet/controller/pkg/log"
)

var (
	// Version information, set via ldflags during build.
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "netctl",
	Short:   "netctl supervises a fleet of blockchain validator nodes",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("netctl version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(nodeCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      level,
		JSONOutput: jsonOutput,
	})
}

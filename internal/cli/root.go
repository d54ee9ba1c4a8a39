// Package cli implements the roastd command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "roastd",
	Short: "roastd — control plane for autonomous coffee-roasting machines",
	Long: `roastd is the control plane for autonomous coffee-roasting machines:
it ingests signed telemetry, infers roast-phase events, gates hardware
commands behind safety checks and human approval, queues agent missions,
and governs how much autonomy the fleet may exercise.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

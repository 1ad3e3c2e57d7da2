// Package main implements the arbiter CLI: one-shot solves, verification
// utilities, and the long-running HTTP, MCP and Temporal worker processes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Build information. Populated at build-time via ldflags.
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// configPath overrides the default config file location
	configPath string
	// logLevel overrides logging.level from config
	logLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "arbiter",
	Short: "Multi-branch code generation with sandboxed verification",
	Long: `arbiter plans several approaches to a programming problem, develops each
one in parallel, synthesizes a final solution and verifies it against the
problem's test cases in a sandboxed Python interpreter.

Configuration is read from ~/.config/arbiter/config.yaml (override with
--config) and ARBITER_* environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")

	rootCmd.AddCommand(solveCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(formatCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

// Command agentd runs agent CLI sessions as a service (serve) or one at a
// time from the shell (run).
package main

import (
	"os"

	"github.com/spf13/cobra"

	"agentd/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "agentd",
	Short:         "Agent execution engine",
	Long:          `agentd launches agent CLI processes, parses their structured event stream into a message timeline, and enforces concurrency and timeout limits.`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigFile, "path to the YAML config file (optional)")
	rootCmd.AddCommand(serveCmd, runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

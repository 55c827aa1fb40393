// Package commands implements the codebot CLI commands using cobra.
package commands

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   "codebot",
	Short: "Turn tickets and review comments into pull requests",
	Long: `Codebot runs a coding agent against isolated workspaces to implement
task requests, then pushes the result and opens or updates a pull request.

Review comments on codebot pull requests are picked up by the webhook
server and answered, either with new commits or with a reply.

Configure it with codebot.yaml, a .env file or environment variables.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("config-dir", "", "Directory containing codebot.yaml (default: current directory)")
}

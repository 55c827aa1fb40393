package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/codebot/internal/agents"
	"github.com/marcus/codebot/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print codebot and agent versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("codebot %s\n", Version)

		binary := config.DefaultAgentBinary
		if cfg, err := loadConfig(cmd); err == nil {
			binary = cfg.Agent.Binary
		}
		agent := agents.NewClaudeAgent(agents.WithBinaryPath(binary))
		if !agent.Available() {
			fmt.Printf("agent:  %s (not found in PATH)\n", binary)
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		v, err := agent.Version(ctx)
		if err != nil {
			fmt.Printf("agent:  %s (%v)\n", binary, err)
			return nil
		}
		fmt.Printf("agent:  %s %s\n", binary, v)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

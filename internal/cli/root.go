// Package cli implements todoctl, the operator command line for the todo
// assistant.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/todo-assistant/internal/config"
	"github.com/capitalize-ai/todo-assistant/pkg/logger"
)

// NewRootCmd builds the todoctl command tree. Configuration comes from the
// same environment variables as the API server.
func NewRootCmd(version string) *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:          "todoctl",
		Short:        "Operate the todo assistant: MCP stdio server, tokens, migrations, events",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override LOG_LEVEL")

	cmd.AddCommand(newMCPCmd(&logLevel))
	cmd.AddCommand(newChatCmd(&logLevel))
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newEventsCmd(&logLevel))

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}

	return cmd
}

// loadConfig reads and validates the environment configuration.
func loadConfig() (*config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger writes to stderr so stdout stays free for command output.
func newLogger(cfg *config.Config, override string) (*logger.Logger, error) {
	level := cfg.LogLevel
	if override != "" {
		level = override
	}
	return logger.NewStderr(level)
}

package cli

import (
	"fmt"
	"strings"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/capitalize-ai/todo-assistant/internal/server"
	"github.com/capitalize-ai/todo-assistant/internal/tools"
)

func newMCPCmd(logLevel *string) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the task tools over MCP stdio for a single user",
		Long: `Serve the task tools over the MCP stdio transport.

Every tool call acts on the tasks of --owner. Any user id sent by the client
is ignored.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			owner = strings.TrimSpace(owner)
			if owner == "" {
				return fmt.Errorf("--owner is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg, *logLevel)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			st, err := server.OpenStore(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer func() { _ = st.Close() }()

			reg := tools.NewRegistry(st, cfg.ToolTimeout)
			s := tools.NewMCPServer(reg, server.Version, tools.FixedOwner(owner))

			log.Info("serving MCP over stdio", zap.String("user_id", owner))
			return mcpserver.ServeStdio(s)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "User whose tasks the tools operate on")
	return cmd
}

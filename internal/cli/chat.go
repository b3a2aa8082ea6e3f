package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/todo-assistant/internal/server"
	"github.com/capitalize-ai/todo-assistant/internal/service"
	"github.com/capitalize-ai/todo-assistant/internal/tools"
)

func newChatCmd(logLevel *string) *cobra.Command {
	var (
		owner          string
		conversationID int64
		asJSON         bool
	)
	cmd := &cobra.Command{
		Use:   "chat MESSAGE...",
		Short: "Run one chat turn against the configured database",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(owner) == "" {
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

			reasoner, err := server.NewReasoner(cfg, log)
			if err != nil {
				return err
			}
			reg := tools.NewRegistry(st, cfg.ToolTimeout)
			chat := service.NewChatService(st, reg, reasoner, nil, server.ChatConfig(cfg), log)

			var convID *int64
			if conversationID > 0 {
				convID = &conversationID
			}
			resp, err := chat.HandleMessage(cmd.Context(), owner, convID, strings.Join(args, " "))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			for _, call := range resp.ToolCalls {
				_, _ = fmt.Fprintf(out, "[%s] %v\n", call.ToolName, call.Result["status"])
			}
			_, _ = fmt.Fprintln(out, resp.Response)
			_, _ = fmt.Fprintf(out, "(conversation %d)\n", resp.ConversationID)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "User to chat as")
	cmd.Flags().Int64Var(&conversationID, "conversation", 0, "Continue an existing conversation")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full response as JSON")
	return cmd
}

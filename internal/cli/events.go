package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	natsclient "github.com/capitalize-ai/todo-assistant/internal/nats"
)

func newEventsCmd(logLevel *string) *cobra.Command {
	var (
		owner          string
		conversationID int64
		after          uint64
		limit          int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print chat turn events recorded in JetStream",
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				return fmt.Errorf("--owner is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.NATSURL == "" {
				return fmt.Errorf("NATS_URL is not set")
			}
			log, err := newLogger(cfg, *logLevel)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			client, err := natsclient.Connect(cmd.Context(), natsclient.Config{
				URL:      cfg.NATSURL,
				CAFile:   cfg.NATSCAFile,
				CertFile: cfg.NATSCertFile,
				KeyFile:  cfg.NATSKeyFile,
				Token:    cfg.NATSToken,
				Name:     "todoctl",
			}, log)
			if err != nil {
				return err
			}
			defer client.Close()

			filter := natsclient.OwnerFilter(owner)
			if conversationID > 0 {
				filter = natsclient.ConversationFilter(owner, conversationID)
			}

			events, last, more, err := natsclient.NewStreamManager(client).GetEvents(cmd.Context(), filter, after, limit)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for i := range events {
				if err := enc.Encode(&events[i]); err != nil {
					return err
				}
			}
			if more {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "more events available: --after %d\n", last)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "User whose events to read")
	cmd.Flags().Int64Var(&conversationID, "conversation", 0, "Only events of this conversation")
	cmd.Flags().Uint64Var(&after, "after", 0, "Start after this stream sequence")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum events to print")
	return cmd
}

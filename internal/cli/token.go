package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/todo-assistant/internal/config"
	"github.com/capitalize-ai/todo-assistant/internal/middleware"
)

func newTokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 bearer token for a user (development only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject = strings.TrimSpace(subject)
			if subject == "" {
				return fmt.Errorf("--user is required")
			}
			if err := middleware.ValidateOwnerID(subject); err != nil {
				return err
			}
			cfg := config.Load()
			if ttl == 0 {
				ttl = cfg.JWTExpiration
			}
			tok, err := middleware.IssueToken(cfg.JWTSecret, subject, ttl)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "user", "", "User id to put in the sub claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default JWT_EXPIRATION)")
	return cmd
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/todo-assistant/internal/server"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// Opening a store applies its pending migrations.
			st, err := server.OpenStore(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("migrate %s: %w", cfg.DatabaseDriver, err)
			}
			if err := st.Close(); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s database is up to date\n", cfg.DatabaseDriver)
			return nil
		},
	}
}

package cli

import (
	"github.com/spf13/cobra"

	"github.com/example/tripledger/internal/postgres"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the Postgres schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		pool, err := openPool(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := postgres.Migrate(cmd.Context(), pool); err != nil {
			return err
		}
		log.Info("schema applied")
		cmd.Println("schema applied")
		return nil
	},
}

package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/tripledger/pkg/audit"
)

var errBrokenChain = errors.New("audit chain broken")

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditVerifyCmd.Flags().String("dsn", "", "SQLite audit database (defaults to AUDIT_DSN from config)")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit trail",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the audit trail's hash chain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		dsn, _ := cmd.Flags().GetString("dsn")
		if dsn == "" {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			dsn = cfg.AuditDSN
		}
		if dsn == "" {
			return errors.New("no audit database: pass --dsn or set AUDIT_DSN")
		}

		sink, err := audit.OpenSQLite(cmd.Context(), dsn)
		if err != nil {
			return err
		}
		defer sink.Close()

		entries, err := sink.Entries(cmd.Context())
		if err != nil {
			return err
		}
		if !audit.VerifyChain(entries) {
			return fmt.Errorf("%w: %d records in %s", errBrokenChain, len(entries), dsn)
		}
		cmd.Printf("audit chain intact: %d records\n", len(entries))
		return nil
	},
}

package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/tripledger/internal/reconcile"
)

var errDrift = errors.New("drift found")

func init() {
	rootCmd.AddCommand(reconcileCmd)
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one drift check and print the report",
	Long: `Compare every trip with its ledger entries, its resolved disputes and its
status history, and every materialized agent balance with the fold of its
entries. Exits non-zero when anything drifted.
The check only reads; repairs are manual.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		a, err := buildApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		job := a.reconcileJob(reconcile.Options{})
		report, err := job.RunOnce(cmd.Context())
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
		if !report.Clean() {
			return fmt.Errorf("%w: %d findings", errDrift, len(report.Findings))
		}
		return nil
	},
}

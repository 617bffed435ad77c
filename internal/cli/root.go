// Package cli implements the tripledger command tree.
package cli

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/tripledger/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "tripledger",
	Short:         "Trip financial ledger engine",
	Long:          `tripledger tracks freight trips and the running wallet balance of the agents who run them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", os.Getenv("TRIPLEDGER_CONFIG"), "Path to a TOML config file")
}

// Execute runs the command tree and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		rootCmd.PrintErrln("Error:", err)
		return 1
	}
	return 0
}

// loadConfig reads the --config file plus the environment and builds the logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	log, err := cfg.NewLogger()
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

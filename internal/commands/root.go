package commands

import (
	"fmt"

	"github.com/crypto-ingest/pkg/config"
	"github.com/crypto-ingest/pkg/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "crypto-ingest",
	Short: "CoinCap price history and market ingestion",
	Long: `Incrementally ingests daily USD price history and exchange market
snapshots for crypto assets from the CoinCap API into MySQL or PostgreSQL.

Features:
• Resumes each asset from its last stored day
• Skips days that are already stored
• Per-asset failure isolation with a run summary
• Optional Redis run lock, NATS outcome events and InfluxDB price mirror`,
	Version:       "1.0.0",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// setup loads the configuration and builds the logger shared by a command
func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return cfg, log, nil
}

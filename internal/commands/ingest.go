package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/crypto-ingest/internal/app"
	"github.com/crypto-ingest/internal/services"
	"github.com/crypto-ingest/pkg/config"
	"github.com/crypto-ingest/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var ingestCmd = newIngestCmd()

func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest price history and market snapshots",
		Long: `Ingest daily USD price history and exchange market snapshots from CoinCap.

History resumes from the day after the last stored day of each asset and stops
at yesterday. Days that are already stored are never written twice.

Examples:
  # Ingest history and markets for the assets in INGEST_ASSETS
  crypto-ingest ingest

  # Ingest bitcoin and ethereum history from a fixed day, without markets
  crypto-ingest ingest --assets bitcoin,ethereum --start 2024-01-01 --markets=false

  # Ingest markets for 20 assets with 4 workers and fail if any asset fails
  crypto-ingest ingest --history=false --workers 4 --fail-on-error`,
		RunE: runIngest,
	}

	cmd.Flags().StringSlice("assets", nil, "Asset ids to ingest (e.g., bitcoin,ethereum)")
	cmd.Flags().String("start", "", "First day to fetch (YYYY-MM-DD); defaults to the day after the last stored day")
	cmd.Flags().Bool("history", true, "Ingest daily price history")
	cmd.Flags().Bool("markets", true, "Ingest exchange market snapshots")
	cmd.Flags().Int("market-limit", 100, "Markets page size")
	cmd.Flags().Int("market-offset", 0, "Markets page offset")
	cmd.Flags().Int("workers", 1, "Assets processed concurrently")
	cmd.Flags().Bool("auto-migrate", true, "Apply pending migrations before the run")
	cmd.Flags().Bool("fail-on-error", false, "Exit non-zero when any asset fails")

	return cmd
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	opts, err := runOptions(cmd, &cfg.Ingest)
	if err != nil {
		return err
	}
	autoMigrate, _ := cmd.Flags().GetBool("auto-migrate")
	failOnError, _ := cmd.Flags().GetBool("fail-on-error")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application := app.New(cfg, logger)
	defer func() {
		if err := application.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close application")
		}
	}()

	if err := application.Initialize(ctx, autoMigrate); err != nil {
		return err
	}

	summary, err := application.Run(ctx, opts)
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	logSummary(logger, summary)

	if failOnError && summary.HasFailures() {
		return fmt.Errorf("%d asset(s) failed: %s", summary.Failed, strings.Join(summary.FailedAssets(), ", "))
	}

	return nil
}

// runOptions overlays the flags the user set on the configured defaults
func runOptions(cmd *cobra.Command, defaults *config.IngestConfig) (services.RunOptions, error) {
	flags := cmd.Flags()
	opts := services.RunOptions{
		Assets:        defaults.Assets,
		IngestHistory: defaults.History,
		IngestMarkets: defaults.Markets,
		MarketLimit:   defaults.MarketLimit,
		MarketOffset:  defaults.MarketOffset,
		Workers:       defaults.Workers,
	}

	var err error
	if flags.Changed("assets") {
		if opts.Assets, err = flags.GetStringSlice("assets"); err != nil {
			return opts, err
		}
	}
	if flags.Changed("history") {
		if opts.IngestHistory, err = flags.GetBool("history"); err != nil {
			return opts, err
		}
	}
	if flags.Changed("markets") {
		if opts.IngestMarkets, err = flags.GetBool("markets"); err != nil {
			return opts, err
		}
	}
	if flags.Changed("market-limit") {
		if opts.MarketLimit, err = flags.GetInt("market-limit"); err != nil {
			return opts, err
		}
	}
	if flags.Changed("market-offset") {
		if opts.MarketOffset, err = flags.GetInt("market-offset"); err != nil {
			return opts, err
		}
	}
	if flags.Changed("workers") {
		if opts.Workers, err = flags.GetInt("workers"); err != nil {
			return opts, err
		}
	}

	if start, _ := flags.GetString("start"); start != "" {
		t, err := time.ParseInLocation(config.DateLayout, start, time.UTC)
		if err != nil {
			return opts, fmt.Errorf("invalid --start %q: expected YYYY-MM-DD", start)
		}
		opts.Start = &t
	}

	// Validate flags
	if len(services.NormalizeAssets(opts.Assets)) == 0 {
		return opts, fmt.Errorf("no assets to ingest: set --assets or INGEST_ASSETS")
	}
	if !opts.IngestHistory && !opts.IngestMarkets {
		return opts, fmt.Errorf("nothing to do: both --history and --markets are disabled")
	}
	if opts.IngestMarkets && opts.MarketLimit <= 0 {
		return opts, fmt.Errorf("invalid --market-limit: %d", opts.MarketLimit)
	}
	if opts.MarketOffset < 0 {
		return opts, fmt.Errorf("invalid --market-offset: %d", opts.MarketOffset)
	}
	if opts.Workers < 1 {
		return opts, fmt.Errorf("invalid --workers: %d", opts.Workers)
	}

	return opts, nil
}

func logSummary(logger *logrus.Logger, summary *models.RunSummary) {
	for _, o := range summary.Outcomes {
		fields := logrus.Fields{
			"asset":    o.AssetID,
			"status":   o.Status,
			"duration": o.Duration,
		}
		if o.History != nil {
			fields["history"] = stepField(o.History)
		}
		if o.Markets != nil {
			fields["markets"] = stepField(o.Markets)
		}
		if o.Reason != "" {
			fields["reason"] = o.Reason
		}

		entry := logger.WithFields(fields)
		if o.Status == models.StatusFailed {
			entry.WithField("error", o.Error).Warn("Asset failed")
			continue
		}
		entry.Info("Asset done")
	}

	logger.WithFields(logrus.Fields{
		"run_id":    summary.RunID,
		"succeeded": summary.Succeeded,
		"skipped":   summary.Skipped,
		"failed":    summary.Failed,
		"elapsed":   summary.FinishedAt.Sub(summary.StartedAt).Round(time.Millisecond),
	}).Info("Ingestion summary")
}

// stepField renders a step as "success 12/12", "skipped (up to date)" or "failed: <err>"
func stepField(step *models.StepOutcome) string {
	switch step.Status {
	case models.StatusFailed:
		return fmt.Sprintf("failed: %s", step.Error)
	case models.StatusSkipped:
		if step.Reason != "" {
			return fmt.Sprintf("skipped (%s)", step.Reason)
		}
		return "skipped"
	default:
		return fmt.Sprintf("%s %d/%d", step.Status, step.Inserted, step.Fetched)
	}
}

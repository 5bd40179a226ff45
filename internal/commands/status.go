package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/crypto-ingest/internal/app"
	"github.com/crypto-ingest/pkg/models"
	"github.com/spf13/cobra"
)

var (
	statusRunID   string
	statusAssetID string
)

// statusCmd reports what is stored and how the last run went
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ingestion status",
	Long: `Show the last stored day and row count of every asset, and the health of
the database and Redis connections.

With Redis enabled the summary of the last ingestion run is shown as well.

Examples:
  crypto-ingest status                      # Watermarks and last run
  crypto-ingest status --run <run-id>       # Summary of one run
  crypto-ingest status --asset bitcoin      # Last recorded outcome of one asset`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusRunID, "run", "", "Show the stored summary of this run id (requires Redis)")
	statusCmd.Flags().StringVar(&statusAssetID, "asset", "", "Show the last recorded outcome of this asset (requires Redis)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if statusRunID != "" && statusAssetID != "" {
		return fmt.Errorf("cannot specify both --run and --asset")
	}

	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	application := app.New(cfg, logger)
	defer application.Close()

	if err := application.InitializeStore(ctx); err != nil {
		return err
	}
	if err := application.InitializeCache(ctx); err != nil {
		logger.WithError(err).Warn("Redis unavailable, stored runs not shown")
	}

	switch {
	case statusRunID != "":
		run, err := application.RunSummary(ctx, statusRunID)
		if err != nil {
			return fmt.Errorf("failed to load run %s: %w", statusRunID, err)
		}
		if run == nil {
			return fmt.Errorf("run %s not found (summaries expire after REDIS_SUMMARY_TTL)", statusRunID)
		}
		printRun(os.Stdout, run)
		return nil

	case statusAssetID != "":
		outcome, err := application.AssetOutcome(ctx, statusAssetID)
		if err != nil {
			return fmt.Errorf("failed to load outcome of %s: %w", statusAssetID, err)
		}
		if outcome == nil {
			return fmt.Errorf("no recorded outcome for asset %s", statusAssetID)
		}
		printOutcome(os.Stdout, outcome)
		return nil
	}

	status, err := application.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}

	printStatus(os.Stdout, status)
	return nil
}

func printStatus(w io.Writer, status *app.Status) {
	for _, c := range status.Components {
		state := "ok"
		if !c.Healthy() {
			state = "unhealthy: " + c.Error
		}
		fmt.Fprintf(w, "%-10s %s\n", c.Name, state)
	}
	if len(status.Components) > 0 {
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "History:")
	fmt.Fprintf(w, "%-30s %-12s %s\n", "Asset", "Latest Day", "Rows")
	fmt.Fprintln(w, strings.Repeat("-", 60))
	if len(status.Watermarks) == 0 {
		fmt.Fprintln(w, "(no history stored)")
	}
	for _, wm := range status.Watermarks {
		fmt.Fprintf(w, "%-30s %-12s %d\n", wm.AssetID, wm.LatestDate.Format(time.DateOnly), wm.Rows)
	}

	if status.LastRun == nil {
		return
	}

	fmt.Fprintln(w)
	fmt.Fprint(w, "Last ")
	printRun(w, status.LastRun)
}

func printRun(w io.Writer, run *models.RunSummary) {
	fmt.Fprintf(w, "run %s (%s, %s)\n",
		run.RunID,
		run.StartedAt.UTC().Format(time.RFC3339),
		run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(w, "succeeded=%d skipped=%d failed=%d\n", run.Succeeded, run.Skipped, run.Failed)
	for _, o := range run.Outcomes {
		line := fmt.Sprintf("  %-30s %-8s", o.AssetID, o.Status)
		if o.Error != "" {
			line += " " + o.Error
		} else if o.Reason != "" {
			line += " " + o.Reason
		}
		fmt.Fprintln(w, line)
	}
}

func printOutcome(w io.Writer, o *models.AssetOutcome) {
	fmt.Fprintf(w, "%s %s (finished %s, took %s)\n",
		o.AssetID,
		o.Status,
		o.FinishedAt.UTC().Format(time.RFC3339),
		o.Duration.Round(time.Millisecond))
	if o.History != nil {
		fmt.Fprintf(w, "  history  %s\n", stepField(o.History))
	}
	if o.Markets != nil {
		fmt.Fprintf(w, "  markets  %s\n", stepField(o.Markets))
	}
	if o.Error != "" {
		fmt.Fprintf(w, "  error    %s\n", o.Error)
	} else if o.Reason != "" {
		fmt.Fprintf(w, "  reason   %s\n", o.Reason)
	}
}

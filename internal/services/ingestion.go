package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/crypto-ingest/internal/external"
	"github.com/crypto-ingest/pkg/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// HistoryInterval is the API interval used for daily history
const HistoryInterval = "d1"

// Skip reasons recorded on step and asset outcomes
const (
	ReasonUpToDate      = "up to date"
	ReasonNoData        = "no data returned"
	ReasonAlreadyStored = "all records already stored"
	ReasonNoMarkets     = "no markets returned"
	ReasonCanceled      = "canceled"
	ReasonHistoryFailed = "history step failed"
)

// PriceSource fetches history and market pages from the price API
type PriceSource interface {
	FetchHistory(ctx context.Context, assetID, interval string, startMs, endMs int64) ([]external.HistoryPoint, error)
	FetchMarkets(ctx context.Context, assetID string, limit, offset int) ([]external.MarketQuote, error)
}

// Store is the part of the persistence layer the ingestor writes through
type Store interface {
	LatestHistoryDate(ctx context.Context, assetID string) (time.Time, bool, error)
	HistoryDatesInRange(ctx context.Context, assetID string, start, end time.Time) ([]time.Time, error)
	InsertHistory(ctx context.Context, records []models.AssetHistory) (int64, error)
	InsertMarkets(ctx context.Context, records []models.Market) (int64, error)
}

// HistoryMirror receives every history batch after it is committed
type HistoryMirror interface {
	WriteHistory(ctx context.Context, records []models.AssetHistory) error
}

// OutcomePublisher announces asset outcomes and run summaries
type OutcomePublisher interface {
	PublishAssetOutcome(ctx context.Context, runID string, outcome *models.AssetOutcome) error
	PublishRunSummary(ctx context.Context, summary *models.RunSummary) error
}

// Window is an inclusive fetch range. Start is a UTC day, End is an instant.
type Window struct {
	Start time.Time
	End   time.Time
}

// Empty reports whether there is nothing to fetch
func (w Window) Empty() bool {
	return w.Start.After(w.End)
}

// RunOptions configures one multi-asset run
type RunOptions struct {
	Assets        []string
	Start         *time.Time
	IngestHistory bool
	IngestMarkets bool
	MarketLimit   int
	MarketOffset  int
	Workers       int
}

// Option configures an Ingestor
type Option func(*Ingestor)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(i *Ingestor) { i.now = now }
}

// WithDefaultStart sets the first day fetched for assets with no stored history
func WithDefaultStart(start time.Time) Option {
	return func(i *Ingestor) { i.defaultStart = models.Day(start) }
}

// WithMirror mirrors committed history to a secondary sink
func WithMirror(m HistoryMirror) Option {
	return func(i *Ingestor) { i.mirror = m }
}

// WithPublisher publishes outcomes as they complete
func WithPublisher(p OutcomePublisher) Option {
	return func(i *Ingestor) { i.publisher = p }
}

// WithRunIDGenerator replaces the UUID run id generator
func WithRunIDGenerator(fn func() string) Option {
	return func(i *Ingestor) { i.newRunID = fn }
}

// Ingestor loads daily price history and market snapshots for a list of assets
type Ingestor struct {
	source    PriceSource
	store     Store
	mirror    HistoryMirror
	publisher OutcomePublisher
	logger    *logrus.Entry

	defaultStart time.Time
	now          func() time.Time
	newRunID     func() string
}

// NewIngestor creates a new ingestor
func NewIngestor(source PriceSource, store Store, logger *logrus.Logger, opts ...Option) *Ingestor {
	i := &Ingestor{
		source:       source,
		store:        store,
		logger:       logger.WithField("component", "ingestor"),
		defaultStart: models.DefaultHistoryStart,
		now:          time.Now,
		newRunID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// ResolveWindow computes the range still missing for an asset.
// An explicit start is used as given; otherwise the day after the latest stored
// day, or the default start when nothing is stored. End is always now minus one day.
func (i *Ingestor) ResolveWindow(ctx context.Context, assetID string, start *time.Time) (Window, error) {
	w := Window{End: i.now().UTC().Add(-24 * time.Hour)}

	if start != nil {
		w.Start = models.Day(*start)
		return w, nil
	}

	latest, ok, err := i.store.LatestHistoryDate(ctx, assetID)
	if err != nil {
		return Window{}, fmt.Errorf("failed to resolve watermark: %w", err)
	}

	if ok {
		w.Start = models.Day(latest).AddDate(0, 0, 1)
		i.logger.WithFields(logrus.Fields{
			"asset":  assetID,
			"latest": latest.Format(time.DateOnly),
		}).Debug("Found stored history")
	} else {
		w.Start = i.defaultStart
	}

	return w, nil
}

// FilterNewHistory maps fetched points to records, dropping days already stored.
// Within one batch the first point for a day wins.
func FilterNewHistory(assetID string, points []external.HistoryPoint, stored []time.Time, createdAt time.Time) []models.AssetHistory {
	seen := make(map[time.Time]struct{}, len(stored)+len(points))
	for _, d := range stored {
		seen[models.Day(d)] = struct{}{}
	}

	records := make([]models.AssetHistory, 0, len(points))
	for _, p := range points {
		day := models.DayFromMillis(p.Time)
		if _, ok := seen[day]; ok {
			continue
		}
		seen[day] = struct{}{}

		records = append(records, models.AssetHistory{
			AssetID:   assetID,
			PriceUSD:  p.PriceUSD,
			Date:      day,
			Time:      p.Time,
			CreatedAt: createdAt,
		})
	}

	return records
}

// IngestHistory fetches and stores the missing daily history of one asset
func (i *Ingestor) IngestHistory(ctx context.Context, assetID string, start *time.Time) (*models.StepOutcome, error) {
	step := &models.StepOutcome{Status: models.StatusSkipped}
	log := i.logger.WithField("asset", assetID)

	w, err := i.ResolveWindow(ctx, assetID, start)
	if err != nil {
		return failStep(step, err)
	}

	if w.Empty() {
		step.Reason = ReasonUpToDate
		log.WithField("start", w.Start.Format(time.DateOnly)).Info("History is up to date")
		return step, nil
	}

	log.WithFields(logrus.Fields{
		"start": w.Start.Format(time.DateOnly),
		"end":   w.End.Format(time.DateOnly),
	}).Info("Fetching history")

	points, err := i.source.FetchHistory(ctx, assetID, HistoryInterval, w.Start.UnixMilli(), w.End.UnixMilli())
	if err != nil {
		return failStep(step, fmt.Errorf("failed to fetch history: %w", err))
	}
	step.Fetched = len(points)

	if len(points) == 0 {
		step.Reason = ReasonNoData
		log.Warn("No history returned")
		return step, nil
	}

	stored, err := i.store.HistoryDatesInRange(ctx, assetID, w.Start, w.End)
	if err != nil {
		return failStep(step, fmt.Errorf("failed to load stored dates: %w", err))
	}

	records := FilterNewHistory(assetID, points, stored, i.now().UTC().Truncate(time.Microsecond))
	if len(records) == 0 {
		step.Reason = ReasonAlreadyStored
		log.Info("No new history records to insert")
		return step, nil
	}

	inserted, err := i.store.InsertHistory(ctx, records)
	if err != nil {
		return failStep(step, fmt.Errorf("failed to insert history: %w", err))
	}
	step.Status = models.StatusSuccess
	step.Inserted = inserted

	log.WithFields(logrus.Fields{
		"fetched":  len(points),
		"new":      len(records),
		"inserted": inserted,
	}).Info("History ingested")

	if i.mirror != nil {
		if err := i.mirror.WriteHistory(ctx, records); err != nil {
			log.WithError(err).Warn("Failed to mirror history")
		}
	}

	return step, nil
}

// IngestMarkets fetches one page of markets and appends it as a snapshot tagged with runID
func (i *Ingestor) IngestMarkets(ctx context.Context, runID, assetID string, limit, offset int) (*models.StepOutcome, error) {
	step := &models.StepOutcome{Status: models.StatusSkipped}
	log := i.logger.WithFields(logrus.Fields{
		"asset":  assetID,
		"limit":  limit,
		"offset": offset,
	})

	quotes, err := i.source.FetchMarkets(ctx, assetID, limit, offset)
	if err != nil {
		return failStep(step, fmt.Errorf("failed to fetch markets: %w", err))
	}
	step.Fetched = len(quotes)

	if len(quotes) == 0 {
		step.Reason = ReasonNoMarkets
		log.Warn("No market data returned")
		return step, nil
	}

	createdAt := i.now().UTC().Truncate(time.Microsecond)
	records := make([]models.Market, 0, len(quotes))
	seen := make(map[string]struct{}, len(quotes))
	for _, q := range quotes {
		m := models.Market{
			RunID:         runID,
			ExchangeID:    q.ExchangeID,
			BaseID:        q.BaseID,
			QuoteID:       q.QuoteID,
			BaseSymbol:    q.BaseSymbol,
			QuoteSymbol:   q.QuoteSymbol,
			VolumeUSD24h:  q.VolumeUSD24h,
			PriceUSD:      q.PriceUSD,
			VolumePercent: q.VolumePercent,
			CreatedAt:     createdAt,
		}
		key := m.PairKey()
		if _, ok := seen[key]; ok {
			log.WithField("pair", key).Debug("Dropping duplicate market in page")
			continue
		}
		seen[key] = struct{}{}
		records = append(records, m)
	}

	inserted, err := i.store.InsertMarkets(ctx, records)
	if err != nil {
		return failStep(step, fmt.Errorf("failed to insert markets: %w", err))
	}
	step.Status = models.StatusSuccess
	step.Inserted = inserted

	log.WithField("inserted", inserted).Info("Markets ingested")
	return step, nil
}

// Run ingests every asset and reports one outcome per asset in input order.
// A failing asset never stops the others.
func (i *Ingestor) Run(ctx context.Context, opts RunOptions) (*models.RunSummary, error) {
	if opts.IngestMarkets && opts.MarketLimit <= 0 {
		return nil, fmt.Errorf("invalid market limit: %d", opts.MarketLimit)
	}
	if opts.MarketOffset < 0 {
		return nil, fmt.Errorf("invalid market offset: %d", opts.MarketOffset)
	}

	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	assets := NormalizeAssets(opts.Assets)
	summary := &models.RunSummary{
		RunID:     i.newRunID(),
		StartedAt: i.now().UTC(),
		Outcomes:  make([]models.AssetOutcome, len(assets)),
	}

	i.logger.WithFields(logrus.Fields{
		"run_id":  summary.RunID,
		"assets":  len(assets),
		"history": opts.IngestHistory,
		"markets": opts.IngestMarkets,
		"workers": workers,
	}).Info("Starting ingestion run")

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for idx, assetID := range assets {
		if !acquire(ctx, sem) {
			summary.Outcomes[idx] = i.canceledOutcome(assetID)
			i.publishOutcome(ctx, summary.RunID, &summary.Outcomes[idx])
			continue
		}

		wg.Add(1)
		go func(idx int, assetID string) {
			defer wg.Done()
			defer func() { <-sem }()

			summary.Outcomes[idx] = i.ingestAsset(ctx, summary.RunID, assetID, opts)
			i.publishOutcome(ctx, summary.RunID, &summary.Outcomes[idx])
		}(idx, assetID)
	}

	wg.Wait()

	summary.FinishedAt = i.now().UTC()
	summary.Tally()

	i.logger.WithFields(logrus.Fields{
		"run_id":    summary.RunID,
		"succeeded": summary.Succeeded,
		"skipped":   summary.Skipped,
		"failed":    summary.Failed,
		"duration":  summary.FinishedAt.Sub(summary.StartedAt).String(),
	}).Info("Ingestion run finished")

	if i.publisher != nil {
		if err := i.publisher.PublishRunSummary(context.WithoutCancel(ctx), summary); err != nil {
			i.logger.WithError(err).Warn("Failed to publish run summary")
		}
	}

	return summary, nil
}

// ingestAsset runs the enabled steps for one asset. Panics are turned into a failed outcome.
func (i *Ingestor) ingestAsset(ctx context.Context, runID, assetID string, opts RunOptions) (outcome models.AssetOutcome) {
	started := i.now()
	outcome.AssetID = assetID
	log := i.logger.WithField("asset", assetID)

	defer func() {
		if r := recover(); r != nil {
			outcome.Error = fmt.Sprintf("panic: %v", r)
			log.WithField("panic", r).Error("Asset ingestion panicked")
		}
		finished := i.now()
		outcome.Duration = finished.Sub(started)
		outcome.FinishedAt = finished.UTC()
		outcome.Resolve()
	}()

	if opts.IngestHistory {
		step, err := i.IngestHistory(ctx, assetID, opts.Start)
		outcome.History = step
		if err != nil {
			outcome.Error = err.Error()
			if opts.IngestMarkets {
				outcome.Markets = &models.StepOutcome{Status: models.StatusSkipped, Reason: ReasonHistoryFailed}
			}
			log.WithError(err).Error("Failed to ingest asset")
			return outcome
		}
	}

	if opts.IngestMarkets {
		step, err := i.IngestMarkets(ctx, runID, assetID, opts.MarketLimit, opts.MarketOffset)
		outcome.Markets = step
		if err != nil {
			outcome.Error = err.Error()
			log.WithError(err).Error("Failed to ingest asset")
		}
	}

	return outcome
}

func (i *Ingestor) canceledOutcome(assetID string) models.AssetOutcome {
	i.logger.WithField("asset", assetID).Warn("Run canceled, skipping asset")
	outcome := models.AssetOutcome{
		AssetID:    assetID,
		Reason:     ReasonCanceled,
		FinishedAt: i.now().UTC(),
	}
	outcome.Resolve()
	return outcome
}

// acquire takes a worker slot unless ctx is done first
func acquire(ctx context.Context, sem chan struct{}) bool {
	select {
	case <-ctx.Done():
		return false
	case sem <- struct{}{}:
	}
	if ctx.Err() != nil {
		<-sem
		return false
	}
	return true
}

func (i *Ingestor) publishOutcome(ctx context.Context, runID string, outcome *models.AssetOutcome) {
	if i.publisher == nil {
		return
	}
	if err := i.publisher.PublishAssetOutcome(context.WithoutCancel(ctx), runID, outcome); err != nil {
		i.logger.WithError(err).WithField("asset", outcome.AssetID).Warn("Failed to publish asset outcome")
	}
}

// NormalizeAssets trims ids and drops blanks and repeats, keeping first-seen order
func NormalizeAssets(assets []string) []string {
	seen := make(map[string]struct{}, len(assets))
	out := make([]string, 0, len(assets))
	for _, a := range assets {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

func failStep(step *models.StepOutcome, err error) (*models.StepOutcome, error) {
	step.Status = models.StatusFailed
	step.Error = err.Error()
	return step, err
}

package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crypto-ingest/internal/cache"
	"github.com/crypto-ingest/internal/database"
	"github.com/crypto-ingest/internal/services"
	"github.com/crypto-ingest/pkg/config"
	"github.com/crypto-ingest/pkg/models"
	"github.com/sethvargo/go-envconfig"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	history []models.AssetHistory
	markets []models.Market
	closed  bool
}

func (s *memoryStore) LatestHistoryDate(ctx context.Context, assetID string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func (s *memoryStore) HistoryDatesInRange(ctx context.Context, assetID string, start, end time.Time) ([]time.Time, error) {
	return nil, nil
}

func (s *memoryStore) InsertHistory(ctx context.Context, records []models.AssetHistory) (int64, error) {
	s.history = append(s.history, records...)
	return int64(len(records)), nil
}

func (s *memoryStore) InsertMarkets(ctx context.Context, records []models.Market) (int64, error) {
	s.markets = append(s.markets, records...)
	return int64(len(records)), nil
}

func (s *memoryStore) HistoryWatermarks(ctx context.Context) ([]models.Watermark, error) {
	if len(s.history) == 0 {
		return nil, nil
	}
	last := s.history[len(s.history)-1]
	return []models.Watermark{{AssetID: last.AssetID, LatestDate: last.Date, Rows: int64(len(s.history))}}, nil
}

func (s *memoryStore) Migrate(ctx context.Context) (int, error)                  { return 0, nil }
func (s *memoryStore) Rollback(ctx context.Context) (*database.Migration, error) { return nil, nil }
func (s *memoryStore) MigrationStatus(ctx context.Context) ([]database.Migration, error) {
	return nil, nil
}
func (s *memoryStore) Health(ctx context.Context) error { return nil }
func (s *memoryStore) Close() error                     { s.closed = true; return nil }

func coincapServer(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		switch {
		case strings.HasSuffix(r.URL.Path, "/history"):
			_, _ = w.Write([]byte(`{"data": [{"priceUsd": "94330.6106960000000000", "time": 1714348800000, "date": "2024-04-29T00:00:00.000Z"}]}`))
		default:
			_, _ = w.Write([]byte(`{"data": []}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestApp(t *testing.T, srv *httptest.Server, mr *miniredis.Miniredis) (*App, *memoryStore) {
	t.Helper()

	cfg, err := config.LoadWithLookuper(context.Background(), envconfig.MapLookuper(map[string]string{
		"COINCAP_BASE_URL":      srv.URL,
		"COINCAP_RATE_LIMIT":    "0",
		"COINCAP_RETRY_BACKOFF": "1ms",
		"REDIS_ENABLED":         "true",
		"REDIS_HOST":            mr.Host(),
		"REDIS_PORT":            mr.Port(),
	}))
	require.NoError(t, err)

	log := logrus.New()
	log.SetOutput(io.Discard)

	store := &memoryStore{}
	a := New(cfg, log)
	a.store = store

	require.NoError(t, a.InitializeCache(context.Background()))
	require.NoError(t, a.initializeIngestor())
	t.Cleanup(func() { _ = a.Close() })

	return a, store
}

func TestRunHoldsLockAndStoresSummary(t *testing.T) {
	var calls int32
	srv := coincapServer(t, &calls)
	mr := miniredis.RunT(t)
	a, store := newTestApp(t, srv, mr)

	summary, err := a.Run(context.Background(), services.RunOptions{
		Assets:        []string{"bitcoin"},
		IngestHistory: true,
		IngestMarkets: true,
		MarketLimit:   100,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Succeeded)
	require.Len(t, store.history, 1)
	assert.Equal(t, "94330.610696", store.history[0].PriceUSD.String())
	assert.Empty(t, store.markets)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.False(t, mr.Exists("ingest:lock"))

	status, err := a.Status(context.Background())
	require.NoError(t, err)
	require.NotNil(t, status.LastRun)
	assert.Equal(t, summary.RunID, status.LastRun.RunID)
	require.Len(t, status.Watermarks, 1)
	assert.Equal(t, "bitcoin", status.Watermarks[0].AssetID)
	require.Len(t, status.Components, 2)
	assert.Equal(t, "redis", status.Components[1].Name)
	assert.True(t, status.Components[1].Healthy())

	run, err := a.RunSummary(context.Background(), summary.RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, 1, run.Succeeded)

	outcome, err := a.AssetOutcome(context.Background(), " bitcoin ")
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, models.StatusSuccess, outcome.Status)
	require.NotNil(t, outcome.History)
	assert.Equal(t, int64(1), outcome.History.Inserted)

	missing, err := a.RunSummary(context.Background(), "unknown-run")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStatusReportsUnhealthyRedis(t *testing.T) {
	var calls int32
	srv := coincapServer(t, &calls)
	mr := miniredis.RunT(t)
	a, _ := newTestApp(t, srv, mr)

	mr.Close()

	status, err := a.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, status.Components, 2)
	assert.True(t, status.Components[0].Healthy())
	assert.False(t, status.Components[1].Healthy())
	assert.Contains(t, status.Components[1].Error, "failed to ping Redis")
}

func TestStoredLookupsNeedRedis(t *testing.T) {
	a := New(&config.Config{}, logrus.New())

	_, err := a.RunSummary(context.Background(), "run-1")
	assert.ErrorIs(t, err, ErrCacheDisabled)

	_, err = a.AssetOutcome(context.Background(), "bitcoin")
	assert.ErrorIs(t, err, ErrCacheDisabled)
}

func TestRunRefusesWhileLocked(t *testing.T) {
	var calls int32
	srv := coincapServer(t, &calls)
	mr := miniredis.RunT(t)
	a, _ := newTestApp(t, srv, mr)

	require.NoError(t, mr.Set("ingest:lock", "another-run"))

	_, err := a.Run(context.Background(), services.RunOptions{
		Assets:        []string{"bitcoin"},
		IngestHistory: true,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, cache.ErrLocked))
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestRunRequiresInitialize(t *testing.T) {
	a := New(&config.Config{}, logrus.New())

	_, err := a.Run(context.Background(), services.RunOptions{})
	assert.Error(t, err)

	_, err = a.Status(context.Background())
	assert.Error(t, err)
}

func TestCloseClosesStore(t *testing.T) {
	store := &memoryStore{}
	a := New(&config.Config{}, logrus.New())
	a.store = store

	require.NoError(t, a.Close())
	assert.True(t, store.closed)
}

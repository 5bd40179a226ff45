package database

import (
	"context"
	"fmt"
	"time"

	"github.com/crypto-ingest/pkg/config"
	"github.com/crypto-ingest/pkg/models"
	"github.com/sirupsen/logrus"
)

// insertChunkSize bounds the rows per multi-row INSERT statement
const insertChunkSize = 500

// Store is the relational persistence layer for history and market rows.
// Every method is atomic relative to the caller and commits on its own.
type Store interface {
	LatestHistoryDate(ctx context.Context, assetID string) (time.Time, bool, error)
	HistoryDatesInRange(ctx context.Context, assetID string, start, end time.Time) ([]time.Time, error)
	InsertHistory(ctx context.Context, records []models.AssetHistory) (int64, error)
	InsertMarkets(ctx context.Context, records []models.Market) (int64, error)
	HistoryWatermarks(ctx context.Context) ([]models.Watermark, error)

	Migrate(ctx context.Context) (int, error)
	Rollback(ctx context.Context) (*Migration, error)
	MigrationStatus(ctx context.Context) ([]Migration, error)

	Health(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*MySQLClient)(nil)
	_ Store = (*PostgresClient)(nil)
)

// Open connects to the store selected by cfg.Database.Driver
func Open(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (Store, error) {
	switch cfg.Database.Driver {
	case config.DriverMySQL:
		client, err := NewMySQLClient(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	case config.DriverPostgres:
		client, err := NewPostgresClient(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Database.Driver)
	}
}

func chunkHistory(records []models.AssetHistory, size int) [][]models.AssetHistory {
	var chunks [][]models.AssetHistory
	for size < len(records) {
		records, chunks = records[size:], append(chunks, records[:size])
	}
	if len(records) > 0 {
		chunks = append(chunks, records)
	}
	return chunks
}

func chunkMarkets(records []models.Market, size int) [][]models.Market {
	var chunks [][]models.Market
	for size < len(records) {
		records, chunks = records[size:], append(chunks, records[:size])
	}
	if len(records) > 0 {
		chunks = append(chunks, records)
	}
	return chunks
}

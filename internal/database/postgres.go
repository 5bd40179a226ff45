package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/crypto-ingest/pkg/config"
	"github.com/crypto-ingest/pkg/models"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

var marketColumns = []string{
	"run_id", "exchange_id", "base_id", "quote_id", "base_symbol", "quote_symbol",
	"volume_usd_24h", "price_usd", "volume_percent", "created_at",
}

// pgxConn is the subset of *pgxpool.Pool the store uses
type pgxConn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresClient handles PostgreSQL database operations
type PostgresClient struct {
	db     pgxConn
	logger *logrus.Entry
}

// NewPostgresClient creates a pooled PostgreSQL client
func NewPostgresClient(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*PostgresClient, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	if cfg.Database.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 && cfg.Database.MaxIdleConns <= int(poolConfig.MaxConns) {
		poolConfig.MinConns = int32(cfg.Database.MaxIdleConns)
	}
	poolConfig.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	logger.WithFields(logrus.Fields{
		"host":     poolConfig.ConnConfig.Host,
		"port":     poolConfig.ConnConfig.Port,
		"database": poolConfig.ConnConfig.Database,
	}).Debug("Connecting to PostgreSQL")

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return newPostgresClient(pool, logger), nil
}

func newPostgresClient(db pgxConn, logger *logrus.Logger) *PostgresClient {
	return &PostgresClient{
		db:     db,
		logger: logger.WithField("component", "postgres"),
	}
}

// Close closes the connection pool
func (pc *PostgresClient) Close() error {
	pc.db.Close()
	return nil
}

// Health checks database health
func (pc *PostgresClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	return pc.db.Ping(ctx)
}

// LatestHistoryDate returns the most recent stored day for an asset
func (pc *PostgresClient) LatestHistoryDate(ctx context.Context, assetID string) (time.Time, bool, error) {
	query := `
		SELECT date
		FROM asset_history
		WHERE asset_id = $1
		ORDER BY date DESC
		LIMIT 1
	`

	var latest time.Time
	err := pc.db.QueryRow(ctx, query, assetID).Scan(&latest)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get latest history date: %w", err)
	}

	return models.Day(latest), true, nil
}

// HistoryDatesInRange returns the stored days for an asset within [start, end]
func (pc *PostgresClient) HistoryDatesInRange(ctx context.Context, assetID string, start, end time.Time) ([]time.Time, error) {
	query := `
		SELECT date
		FROM asset_history
		WHERE asset_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date
	`

	rows, err := pc.db.Query(ctx, query, assetID, models.Day(start), models.Day(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query history dates: %w", err)
	}

	dates, err := pgx.CollectRows(rows, pgx.RowTo[time.Time])
	if err != nil {
		return nil, fmt.Errorf("failed to scan history dates: %w", err)
	}

	for i := range dates {
		dates[i] = models.Day(dates[i])
	}
	return dates, nil
}

// InsertHistory inserts history rows in one transaction, skipping existing (asset_id, date) keys
func (pc *PostgresClient) InsertHistory(ctx context.Context, records []models.AssetHistory) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	var inserted int64
	err := pc.execTx(ctx, func(tx pgx.Tx) error {
		for _, chunk := range chunkHistory(records, insertChunkSize) {
			placeholders := make([]string, 0, len(chunk))
			args := make([]any, 0, len(chunk)*5)
			for i, r := range chunk {
				n := i * 5
				placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5))
				args = append(args, r.AssetID, r.PriceUSD, models.Day(r.Date), r.Time, r.CreatedAt)
			}

			query := `INSERT INTO asset_history (asset_id, price_usd, date, time, created_at) VALUES ` +
				strings.Join(placeholders, ", ") +
				` ON CONFLICT (asset_id, date) DO NOTHING`

			tag, err := tx.Exec(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("failed to insert history: %w", err)
			}
			inserted += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return inserted, nil
}

// InsertMarkets bulk-loads market snapshot rows with COPY
func (pc *PostgresClient) InsertMarkets(ctx context.Context, records []models.Market) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(records))
	for _, m := range records {
		rows = append(rows, []any{
			m.RunID,
			m.ExchangeID,
			m.BaseID,
			m.QuoteID,
			m.BaseSymbol,
			m.QuoteSymbol,
			m.VolumeUSD24h,
			m.PriceUSD,
			m.VolumePercent,
			m.CreatedAt,
		})
	}

	n, err := pc.db.CopyFrom(ctx, pgx.Identifier{"markets"}, marketColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("failed to copy markets: %w", err)
	}

	return n, nil
}

// HistoryWatermarks returns the latest stored day and row count per asset
func (pc *PostgresClient) HistoryWatermarks(ctx context.Context) ([]models.Watermark, error) {
	query := `
		SELECT asset_id, MAX(date), COUNT(*)
		FROM asset_history
		GROUP BY asset_id
		ORDER BY asset_id
	`

	rows, err := pc.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query watermarks: %w", err)
	}

	watermarks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Watermark, error) {
		var w models.Watermark
		err := row.Scan(&w.AssetID, &w.LatestDate, &w.Rows)
		w.LatestDate = models.Day(w.LatestDate)
		return w, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan watermarks: %w", err)
	}

	return watermarks, nil
}

// Migrate applies pending schema migrations
func (pc *PostgresClient) Migrate(ctx context.Context) (int, error) {
	return migrateUp(ctx, pc, config.DriverPostgres, pc.logger)
}

// Rollback reverts the last applied migration
func (pc *PostgresClient) Rollback(ctx context.Context) (*Migration, error) {
	return migrateDown(ctx, pc, config.DriverPostgres, pc.logger)
}

// MigrationStatus lists migrations with their applied state
func (pc *PostgresClient) MigrationStatus(ctx context.Context) ([]Migration, error) {
	return migrationStatus(ctx, pc, config.DriverPostgres)
}

func (pc *PostgresClient) createMigrationsTable(ctx context.Context) error {
	_, err := pc.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(14) PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}

func (pc *PostgresClient) appliedMigrations(ctx context.Context) (map[string]time.Time, error) {
	rows, err := pc.db.Query(ctx, "SELECT version, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var version string
		var appliedAt time.Time
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, err
		}
		applied[version] = appliedAt
	}

	return applied, rows.Err()
}

func (pc *PostgresClient) applyMigration(ctx context.Context, m Migration) error {
	return pc.execTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, m.UpSQL); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			"INSERT INTO schema_migrations (version, name, applied_at) VALUES ($1, $2, $3)",
			m.Version, m.Name, time.Now().UTC(),
		)
		return err
	})
}

func (pc *PostgresClient) revertMigration(ctx context.Context, m Migration) error {
	return pc.execTx(ctx, func(tx pgx.Tx) error {
		if m.DownSQL != "" {
			if _, err := tx.Exec(ctx, m.DownSQL); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, "DELETE FROM schema_migrations WHERE version = $1", m.Version)
		return err
	})
}

func (pc *PostgresClient) execTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := pc.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit(ctx)
}

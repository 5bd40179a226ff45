package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/crypto-ingest/pkg/config"
	"github.com/crypto-ingest/pkg/models"
	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
)

// MySQLClient handles MySQL database operations
type MySQLClient struct {
	db     *sql.DB
	logger *logrus.Entry
}

// NewMySQLClient creates a new MySQL client
func NewMySQLClient(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*MySQLClient, error) {
	logger.WithFields(logrus.Fields{
		"host":     cfg.MySQL.Host,
		"port":     cfg.MySQL.Port,
		"database": cfg.MySQL.Database,
	}).Debug("Connecting to MySQL")

	dsn, err := mysqlDSN(cfg.GetDSN())
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	return newMySQLClient(db, logger), nil
}

// mysqlDSN forces the parameters the store depends on: DATE columns scan into
// time.Time only with parseTime, and migration files hold several statements.
// A DATABASE_URL without them is fixed up rather than failing at the first scan.
func mysqlDSN(raw string) (string, error) {
	dsn, err := mysql.ParseDSN(raw)
	if err != nil {
		return "", fmt.Errorf("invalid MySQL DSN: %w", err)
	}
	dsn.ParseTime = true
	dsn.MultiStatements = true
	if dsn.Loc == nil {
		dsn.Loc = time.UTC
	}
	return dsn.FormatDSN(), nil
}

func newMySQLClient(db *sql.DB, logger *logrus.Logger) *MySQLClient {
	return &MySQLClient{
		db:     db,
		logger: logger.WithField("component", "mysql"),
	}
}

// Close closes the database connection
func (mc *MySQLClient) Close() error {
	return mc.db.Close()
}

// Health checks database health
func (mc *MySQLClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	return mc.db.PingContext(ctx)
}

// History operations

// LatestHistoryDate returns the most recent stored day for an asset
func (mc *MySQLClient) LatestHistoryDate(ctx context.Context, assetID string) (time.Time, bool, error) {
	query := `
		SELECT date
		FROM asset_history
		WHERE asset_id = ?
		ORDER BY date DESC
		LIMIT 1
	`

	var latest time.Time
	err := mc.db.QueryRowContext(ctx, query, assetID).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get latest history date: %w", err)
	}

	return models.Day(latest), true, nil
}

// HistoryDatesInRange returns the stored days for an asset within [start, end]
func (mc *MySQLClient) HistoryDatesInRange(ctx context.Context, assetID string, start, end time.Time) ([]time.Time, error) {
	query := `
		SELECT date
		FROM asset_history
		WHERE asset_id = ? AND date >= ? AND date <= ?
		ORDER BY date
	`

	rows, err := mc.db.QueryContext(ctx, query, assetID, models.Day(start), models.Day(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query history dates: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var date time.Time
		if err := rows.Scan(&date); err != nil {
			return nil, fmt.Errorf("failed to scan history date: %w", err)
		}
		dates = append(dates, models.Day(date))
	}

	return dates, rows.Err()
}

// InsertHistory inserts history rows in one transaction.
// Rows whose (asset_id, date) already exists are left untouched and not counted.
func (mc *MySQLClient) InsertHistory(ctx context.Context, records []models.AssetHistory) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	var inserted int64
	err := mc.ExecTx(ctx, func(tx *sql.Tx) error {
		for _, chunk := range chunkHistory(records, insertChunkSize) {
			placeholders := make([]string, 0, len(chunk))
			args := make([]interface{}, 0, len(chunk)*5)
			for _, r := range chunk {
				placeholders = append(placeholders, "(?, ?, ?, ?, ?)")
				args = append(args, r.AssetID, r.PriceUSD, models.Day(r.Date), r.Time, r.CreatedAt)
			}

			query := `INSERT INTO asset_history (asset_id, price_usd, date, time, created_at) VALUES ` +
				strings.Join(placeholders, ", ") +
				` ON DUPLICATE KEY UPDATE asset_id = asset_id`

			result, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("failed to insert history: %w", err)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read affected rows: %w", err)
			}
			inserted += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return inserted, nil
}

// HistoryWatermarks returns the latest stored day and row count per asset
func (mc *MySQLClient) HistoryWatermarks(ctx context.Context) ([]models.Watermark, error) {
	query := `
		SELECT asset_id, MAX(date), COUNT(*)
		FROM asset_history
		GROUP BY asset_id
		ORDER BY asset_id
	`

	rows, err := mc.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query watermarks: %w", err)
	}
	defer rows.Close()

	var watermarks []models.Watermark
	for rows.Next() {
		var w models.Watermark
		if err := rows.Scan(&w.AssetID, &w.LatestDate, &w.Rows); err != nil {
			return nil, fmt.Errorf("failed to scan watermark: %w", err)
		}
		w.LatestDate = models.Day(w.LatestDate)
		watermarks = append(watermarks, w)
	}

	return watermarks, rows.Err()
}

// Market operations

// InsertMarkets inserts market snapshot rows in one transaction
func (mc *MySQLClient) InsertMarkets(ctx context.Context, records []models.Market) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	var inserted int64
	err := mc.ExecTx(ctx, func(tx *sql.Tx) error {
		for _, chunk := range chunkMarkets(records, insertChunkSize) {
			placeholders := make([]string, 0, len(chunk))
			args := make([]interface{}, 0, len(chunk)*10)
			for _, m := range chunk {
				placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
				args = append(args,
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
				)
			}

			query := `INSERT INTO markets (
				run_id, exchange_id, base_id, quote_id, base_symbol, quote_symbol,
				volume_usd_24h, price_usd, volume_percent, created_at
			) VALUES ` + strings.Join(placeholders, ", ")

			result, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("failed to insert markets: %w", err)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read affected rows: %w", err)
			}
			inserted += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return inserted, nil
}

// Migrations

// Migrate applies pending schema migrations
func (mc *MySQLClient) Migrate(ctx context.Context) (int, error) {
	return migrateUp(ctx, mc, config.DriverMySQL, mc.logger)
}

// Rollback reverts the last applied migration
func (mc *MySQLClient) Rollback(ctx context.Context) (*Migration, error) {
	return migrateDown(ctx, mc, config.DriverMySQL, mc.logger)
}

// MigrationStatus lists migrations with their applied state
func (mc *MySQLClient) MigrationStatus(ctx context.Context) ([]Migration, error) {
	return migrationStatus(ctx, mc, config.DriverMySQL)
}

func (mc *MySQLClient) createMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(14) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		) ENGINE=InnoDB
	`
	_, err := mc.db.ExecContext(ctx, query)
	return err
}

func (mc *MySQLClient) appliedMigrations(ctx context.Context) (map[string]time.Time, error) {
	rows, err := mc.db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations ORDER BY version")
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

func (mc *MySQLClient) applyMigration(ctx context.Context, m Migration) error {
	return mc.ExecTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Name, time.Now().UTC(),
		)
		return err
	})
}

func (mc *MySQLClient) revertMigration(ctx context.Context, m Migration) error {
	return mc.ExecTx(ctx, func(tx *sql.Tx) error {
		if m.DownSQL != "" {
			if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", m.Version)
		return err
	})
}

// Transaction support

// ExecTx executes a function within a transaction
func (mc *MySQLClient) ExecTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := mc.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

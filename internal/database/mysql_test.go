package database

import (
	"context"
	"errors"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/crypto-ingest/pkg/models"
	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newMockMySQL(t *testing.T) (*MySQLClient, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newMySQLClient(db, testLogger()), mock
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestMySQLLatestHistoryDate(t *testing.T) {
	client, mock := newMockMySQL(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM asset_history")).
		WithArgs("bitcoin").
		WillReturnRows(sqlmock.NewRows([]string{"date"}).AddRow(day(2024, 4, 29)))

	latest, ok, err := client.LatestHistoryDate(context.Background(), "bitcoin")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, day(2024, 4, 29), latest)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLLatestHistoryDateEmpty(t *testing.T) {
	client, mock := newMockMySQL(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM asset_history")).
		WithArgs("cardano").
		WillReturnRows(sqlmock.NewRows([]string{"date"}))

	_, ok, err := client.LatestHistoryDate(context.Background(), "cardano")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLLatestHistoryDateError(t *testing.T) {
	client, mock := newMockMySQL(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM asset_history")).
		WithArgs("bitcoin").
		WillReturnError(errors.New("connection reset"))

	_, _, err := client.LatestHistoryDate(context.Background(), "bitcoin")
	assert.ErrorContains(t, err, "connection reset")
}

func TestMySQLHistoryDatesInRange(t *testing.T) {
	client, mock := newMockMySQL(t)

	start := day(2024, 4, 28)
	end := time.Date(2024, 4, 30, 13, 45, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE asset_id = ? AND date >= ? AND date <= ?")).
		WithArgs("bitcoin", start, day(2024, 4, 30)).
		WillReturnRows(sqlmock.NewRows([]string{"date"}).
			AddRow(day(2024, 4, 28)).
			AddRow(day(2024, 4, 29)))

	dates, err := client.HistoryDatesInRange(context.Background(), "bitcoin", start, end)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{day(2024, 4, 28), day(2024, 4, 29)}, dates)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLInsertHistoryKeepsDecimalPrecision(t *testing.T) {
	client, mock := newMockMySQL(t)

	records := []models.AssetHistory{
		{
			AssetID:   "bitcoin",
			PriceUSD:  decimal.RequireFromString("94330.6106960000000000"),
			Date:      day(2024, 4, 29),
			Time:      1714348800000,
			CreatedAt: time.Now().UTC(),
		},
		{
			AssetID:   "bitcoin",
			PriceUSD:  decimal.RequireFromString("62792.1302611715766342"),
			Date:      day(2024, 4, 30),
			Time:      1714435200000,
			CreatedAt: time.Now().UTC(),
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO asset_history (asset_id, price_usd, date, time, created_at) VALUES (?, ?, ?, ?, ?), (?, ?, ?, ?, ?)")).
		WithArgs(
			"bitcoin", "94330.610696", day(2024, 4, 29), int64(1714348800000), sqlmock.AnyArg(),
			"bitcoin", "62792.1302611715766342", day(2024, 4, 30), int64(1714435200000), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := client.InsertHistory(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLInsertHistoryRollsBackOnError(t *testing.T) {
	client, mock := newMockMySQL(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO asset_history")).
		WillReturnError(errors.New("deadlock"))
	mock.ExpectRollback()

	_, err := client.InsertHistory(context.Background(), []models.AssetHistory{
		{AssetID: "bitcoin", PriceUSD: decimal.NewFromInt(1), Date: day(2024, 1, 1), Time: 1704067200000},
	})
	assert.ErrorContains(t, err, "deadlock")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLInsertEmptyIsNoop(t *testing.T) {
	client, mock := newMockMySQL(t)

	n, err := client.InsertHistory(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = client.InsertMarkets(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLInsertMarkets(t *testing.T) {
	client, mock := newMockMySQL(t)

	createdAt := time.Date(2024, 4, 30, 10, 0, 0, 0, time.UTC)
	records := []models.Market{{
		RunID:         "2b1f7c1e-8f0e-4a53-9b43-3f1c1c0c2d11",
		ExchangeID:    "Binance",
		BaseID:        "bitcoin",
		QuoteID:       "tether",
		BaseSymbol:    "BTC",
		QuoteSymbol:   "USDT",
		VolumeUSD24h:  decimal.RequireFromString("1052454026.6015994220800000"),
		PriceUSD:      decimal.RequireFromString("94330.6106960000000000"),
		VolumePercent: decimal.RequireFromString("17.1112453842931043"),
		CreatedAt:     createdAt,
	}}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO markets")).
		WithArgs(
			"2b1f7c1e-8f0e-4a53-9b43-3f1c1c0c2d11", "Binance", "bitcoin", "tether", "BTC", "USDT",
			"1052454026.60159942208", "94330.610696", "17.1112453842931043", createdAt,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := client.InsertMarkets(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLInsertHistoryChunks(t *testing.T) {
	client, mock := newMockMySQL(t)

	records := make([]models.AssetHistory, insertChunkSize+1)
	for i := range records {
		d := day(2020, 1, 1).AddDate(0, 0, i)
		records[i] = models.AssetHistory{AssetID: "bitcoin", PriceUSD: decimal.NewFromInt(int64(i)), Date: d, Time: d.UnixMilli()}
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO asset_history")).WillReturnResult(sqlmock.NewResult(0, insertChunkSize))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO asset_history")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := client.InsertHistory(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, int64(insertChunkSize+1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLHistoryWatermarks(t *testing.T) {
	client, mock := newMockMySQL(t)

	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY asset_id")).
		WillReturnRows(sqlmock.NewRows([]string{"asset_id", "max", "count"}).
			AddRow("bitcoin", day(2024, 4, 29), int64(2311)).
			AddRow("ethereum", day(2024, 4, 28), int64(2310)))

	marks, err := client.HistoryWatermarks(context.Background())
	require.NoError(t, err)
	require.Len(t, marks, 2)
	assert.Equal(t, models.Watermark{AssetID: "bitcoin", LatestDate: day(2024, 4, 29), Rows: 2311}, marks[0])
	assert.Equal(t, "ethereum", marks[1].AssetID)
}

func TestMySQLMigrateAppliesPending(t *testing.T) {
	client, mock := newMockMySQL(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, applied_at FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version", "applied_at"}).
			AddRow("20240101000000", time.Now()))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS markets")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations")).
		WithArgs("20240101000100", "create_markets", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := client.Migrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLRollbackRevertsLast(t *testing.T) {
	client, mock := newMockMySQL(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, applied_at FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version", "applied_at"}).
			AddRow("20240101000000", time.Now()).
			AddRow("20240101000100", time.Now()))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DROP TABLE IF EXISTS markets")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM schema_migrations")).
		WithArgs("20240101000100").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	m, err := client.Rollback(context.Background())
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "create_markets", m.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLDSNAddsRequiredParams(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"bare url", "ingest:pw@tcp(db:3306)/crypto"},
		{"other params kept", "ingest:pw@tcp(db:3306)/crypto?timeout=5s"},
		{"already complete", "ingest:pw@tcp(db:3306)/crypto?parseTime=true&loc=UTC&multiStatements=true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsn, err := mysqlDSN(tt.raw)
			require.NoError(t, err)

			parsed, err := mysql.ParseDSN(dsn)
			require.NoError(t, err)
			assert.True(t, parsed.ParseTime)
			assert.True(t, parsed.MultiStatements)
			assert.Equal(t, time.UTC, parsed.Loc)
			assert.Equal(t, "db:3306", parsed.Addr)
			assert.Equal(t, "crypto", parsed.DBName)
		})
	}

	dsn, err := mysqlDSN("ingest:pw@tcp(db:3306)/crypto?timeout=5s")
	require.NoError(t, err)
	parsed, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, parsed.Timeout)
}

func TestMySQLDSNRejectsGarbage(t *testing.T) {
	_, err := mysqlDSN("postgres://u:p@db:5432/crypto")
	assert.ErrorContains(t, err, "invalid MySQL DSN")
}

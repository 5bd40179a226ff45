package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultHistoryStart is the first day fetched for an asset with no stored history
var DefaultHistoryStart = time.Date(2018, time.January, 1, 0, 0, 0, 0, time.UTC)

// AssetHistory is one daily USD price for an asset.
// Natural key: (AssetID, Date).
type AssetHistory struct {
	AssetID   string          `json:"asset_id" db:"asset_id"`
	PriceUSD  decimal.Decimal `json:"price_usd" db:"price_usd"`
	Date      time.Time       `json:"date" db:"date"`
	Time      int64           `json:"time" db:"time"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Market is a point-in-time snapshot of one trading pair on one exchange.
// Natural key: (BaseID, QuoteID, ExchangeID, CreatedAt), widened with RunID.
type Market struct {
	RunID         string          `json:"run_id" db:"run_id"`
	ExchangeID    string          `json:"exchange_id" db:"exchange_id"`
	BaseID        string          `json:"base_id" db:"base_id"`
	QuoteID       string          `json:"quote_id" db:"quote_id"`
	BaseSymbol    string          `json:"base_symbol" db:"base_symbol"`
	QuoteSymbol   string          `json:"quote_symbol" db:"quote_symbol"`
	VolumeUSD24h  decimal.Decimal `json:"volume_usd_24h" db:"volume_usd_24h"`
	PriceUSD      decimal.Decimal `json:"price_usd" db:"price_usd"`
	VolumePercent decimal.Decimal `json:"volume_percent" db:"volume_percent"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// PairKey identifies a pair on an exchange within one snapshot
func (m *Market) PairKey() string {
	return m.ExchangeID + "|" + m.BaseID + "|" + m.QuoteID
}

// Watermark is the last stored history day for an asset
type Watermark struct {
	AssetID    string    `json:"asset_id"`
	LatestDate time.Time `json:"latest_date"`
	Rows       int64     `json:"rows"`
}

// Day truncates t to its UTC calendar day
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DayFromMillis converts an epoch-millisecond timestamp to its UTC calendar day
func DayFromMillis(ms int64) time.Time {
	return Day(time.UnixMilli(ms))
}

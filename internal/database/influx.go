package database

import (
	"context"
	"fmt"

	"github.com/crypto-ingest/pkg/config"
	"github.com/crypto-ingest/pkg/models"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
)

// priceMeasurement holds one point per asset per day
const priceMeasurement = "asset_price"

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxClient mirrors stored price history into InfluxDB
type InfluxClient struct {
	client   influxdb2.Client
	writeAPI pointWriter
	logger   *logrus.Entry
	bucket   string
}

// NewInfluxClient creates a new InfluxDB client
func NewInfluxClient(cfg *config.InfluxConfig, logger *logrus.Logger) *InfluxClient {
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetHTTPRequestTimeout(uint(cfg.Timeout.Seconds())).
			SetLogLevel(0),
	)

	return &InfluxClient{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		logger:   logger.WithField("component", "influxdb"),
		bucket:   cfg.Bucket,
	}
}

// Close closes the InfluxDB client
func (ic *InfluxClient) Close() {
	if ic.client != nil {
		ic.client.Close()
	}
}

// Health checks InfluxDB health
func (ic *InfluxClient) Health(ctx context.Context) error {
	health, err := ic.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("influxdb health check failed: %s", msg)
	}

	return nil
}

// WriteHistory writes one point per history record
func (ic *InfluxClient) WriteHistory(ctx context.Context, records []models.AssetHistory) error {
	if len(records) == 0 {
		return nil
	}

	if err := ic.writeAPI.WritePoint(ctx, historyPoints(records)...); err != nil {
		return fmt.Errorf("failed to write history points: %w", err)
	}

	ic.logger.WithFields(logrus.Fields{
		"bucket": ic.bucket,
		"points": len(records),
	}).Debug("Mirrored history to InfluxDB")

	return nil
}

// historyPoints keeps the exact decimal in price_usd next to a float price for Flux math
func historyPoints(records []models.AssetHistory) []*write.Point {
	points := make([]*write.Point, 0, len(records))
	for _, r := range records {
		points = append(points, influxdb2.NewPoint(
			priceMeasurement,
			map[string]string{
				"asset": r.AssetID,
			},
			map[string]interface{}{
				"price":     r.PriceUSD.InexactFloat64(),
				"price_usd": r.PriceUSD.String(),
				"time_ms":   r.Time,
			},
			models.Day(r.Date),
		))
	}
	return points
}

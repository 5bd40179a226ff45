package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/crypto-ingest/pkg/config"
	"github.com/crypto-ingest/pkg/models"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// conn is the part of *nats.Conn used for publishing
type conn interface {
	Publish(subj string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Drain() error
	Close()
	IsConnected() bool
}

// AssetEvent is published once per asset when it finishes
type AssetEvent struct {
	RunID      string              `json:"run_id"`
	AssetID    string              `json:"asset_id"`
	Status     models.Status       `json:"status"`
	History    *models.StepOutcome `json:"history,omitempty"`
	Markets    *models.StepOutcome `json:"markets,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	Error      string              `json:"error,omitempty"`
	DurationMs int64               `json:"duration_ms"`
	Timestamp  int64               `json:"timestamp"`
}

// NATSClient publishes ingestion events
type NATSClient struct {
	conn         conn
	prefix       string
	drainTimeout time.Duration
	logger       *logrus.Entry
}

// NewNATSClient creates a new NATS client
func NewNATSClient(cfg *config.NATSConfig, logger *logrus.Logger) (*NATSClient, error) {
	log := logger.WithField("component", "nats")

	opts := []nats.Option{
		nats.Name("crypto-ingest"),
		nats.MaxReconnects(cfg.MaxReconnect),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Debug("NATS connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return newNATSClient(nc, cfg, logger), nil
}

func newNATSClient(c conn, cfg *config.NATSConfig, logger *logrus.Logger) *NATSClient {
	return &NATSClient{
		conn:         c,
		prefix:       strings.TrimSuffix(cfg.SubjectPrefix, "."),
		drainTimeout: cfg.DrainTimeout,
		logger:       logger.WithField("component", "nats"),
	}
}

// Close drains pending messages and closes the connection
func (nc *NATSClient) Close() error {
	if err := nc.conn.Drain(); err != nil {
		nc.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

// IsConnected checks if NATS is connected
func (nc *NATSClient) IsConnected() bool {
	return nc.conn.IsConnected()
}

// AssetSubject is the subject an asset outcome is published on
func (nc *NATSClient) AssetSubject(status models.Status) string {
	return fmt.Sprintf("%s.asset.%s", nc.prefix, subjectToken(string(status)))
}

// RunSubject is the subject run summaries are published on
func (nc *NATSClient) RunSubject() string {
	return nc.prefix + ".run.completed"
}

// NewAssetEvent builds the event for one asset outcome
func NewAssetEvent(runID string, o *models.AssetOutcome) AssetEvent {
	return AssetEvent{
		RunID:      runID,
		AssetID:    o.AssetID,
		Status:     o.Status,
		History:    o.History,
		Markets:    o.Markets,
		Reason:     o.Reason,
		Error:      o.Error,
		DurationMs: o.Duration.Milliseconds(),
		Timestamp:  o.FinishedAt.UnixMilli(),
	}
}

// PublishAssetOutcome publishes one asset outcome
func (nc *NATSClient) PublishAssetOutcome(ctx context.Context, runID string, outcome *models.AssetOutcome) error {
	return nc.publish(ctx, nc.AssetSubject(outcome.Status), NewAssetEvent(runID, outcome))
}

// PublishRunSummary publishes the summary of a finished run and flushes
func (nc *NATSClient) PublishRunSummary(ctx context.Context, summary *models.RunSummary) error {
	if err := nc.publish(ctx, nc.RunSubject(), summary); err != nil {
		return err
	}

	flushCtx, cancel := context.WithTimeout(ctx, nc.flushTimeout())
	defer cancel()

	if err := nc.conn.FlushWithContext(flushCtx); err != nil {
		return fmt.Errorf("failed to flush NATS: %w", err)
	}
	return nil
}

func (nc *NATSClient) publish(ctx context.Context, subject string, v interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := nc.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	nc.logger.WithField("subject", subject).Debug("Published event")
	return nil
}

func (nc *NATSClient) flushTimeout() time.Duration {
	if nc.drainTimeout > 0 {
		return nc.drainTimeout
	}
	return 5 * time.Second
}

// subjectToken replaces characters NATS treats as separators or wildcards
func subjectToken(s string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}

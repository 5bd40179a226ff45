package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crypto-ingest/pkg/config"
	"github.com/crypto-ingest/pkg/models"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	runLockKey     = "ingest:lock"
	lastSummaryKey = "ingest:summary:last"
	summaryKeyFmt  = "ingest:summary:%s"
	assetKeyFmt    = "ingest:asset:%s"
)

// ErrLocked is returned when another run holds the lock
var ErrLocked = errors.New("another ingestion run is in progress")

// releaseScript deletes the lock only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisClient coordinates runs and keeps their summaries
type RedisClient struct {
	client     *redis.Client
	logger     *logrus.Entry
	lockTTL    time.Duration
	summaryTTL time.Duration
}

// NewRedisClient creates a new Redis client
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig, logger *logrus.Logger) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  4 * time.Second,
		MaxRetries:   2,
	})

	rc := newRedisClient(client, cfg, logger)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rc.Health(pingCtx); err != nil {
		client.Close()
		return nil, err
	}

	return rc, nil
}

func newRedisClient(client *redis.Client, cfg *config.RedisConfig, logger *logrus.Logger) *RedisClient {
	return &RedisClient{
		client:     client,
		logger:     logger.WithField("component", "redis"),
		lockTTL:    cfg.LockTTL,
		summaryTTL: cfg.SummaryTTL,
	}
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

// Health pings Redis
func (rc *RedisClient) Health(ctx context.Context) error {
	if err := rc.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// RunLock is a held ingestion lock
type RunLock struct {
	rc    *RedisClient
	token string
}

// AcquireRunLock takes the run lock or returns ErrLocked
func (rc *RedisClient) AcquireRunLock(ctx context.Context) (*RunLock, error) {
	token := uuid.NewString()

	ok, err := rc.client.SetNX(ctx, runLockKey, token, rc.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !ok {
		ttl, _ := rc.client.TTL(ctx, runLockKey).Result()
		return nil, fmt.Errorf("%w (lock expires in %s)", ErrLocked, ttl.Round(time.Second))
	}

	rc.logger.WithField("ttl", rc.lockTTL.String()).Debug("Acquired run lock")
	return &RunLock{rc: rc, token: token}, nil
}

// Release drops the lock if it is still ours
func (l *RunLock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.rc.client, []string{runLockKey}, l.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	if n == 0 {
		l.rc.logger.Warn("Run lock expired before release")
	}
	return nil
}

// SaveRunSummary stores the summary as the latest run and under its run id,
// and records each asset's last outcome
func (rc *RedisClient) SaveRunSummary(ctx context.Context, summary *models.RunSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}

	pipe := rc.client.TxPipeline()
	pipe.Set(ctx, lastSummaryKey, data, rc.summaryTTL)
	pipe.Set(ctx, fmt.Sprintf(summaryKeyFmt, summary.RunID), data, rc.summaryTTL)

	for _, o := range summary.Outcomes {
		outcome, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("failed to marshal outcome for %s: %w", o.AssetID, err)
		}
		pipe.Set(ctx, fmt.Sprintf(assetKeyFmt, o.AssetID), outcome, rc.summaryTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save run summary: %w", err)
	}
	return nil
}

// LastRunSummary returns the most recent summary, or nil if none is stored
func (rc *RedisClient) LastRunSummary(ctx context.Context) (*models.RunSummary, error) {
	var summary models.RunSummary
	found, err := rc.GetJSON(ctx, lastSummaryKey, &summary)
	if err != nil || !found {
		return nil, err
	}
	return &summary, nil
}

// RunSummary returns the summary of a given run, or nil if it expired
func (rc *RedisClient) RunSummary(ctx context.Context, runID string) (*models.RunSummary, error) {
	var summary models.RunSummary
	found, err := rc.GetJSON(ctx, fmt.Sprintf(summaryKeyFmt, runID), &summary)
	if err != nil || !found {
		return nil, err
	}
	return &summary, nil
}

// LastAssetOutcome returns the last recorded outcome of an asset, or nil
func (rc *RedisClient) LastAssetOutcome(ctx context.Context, assetID string) (*models.AssetOutcome, error) {
	var outcome models.AssetOutcome
	found, err := rc.GetJSON(ctx, fmt.Sprintf(assetKeyFmt, assetID), &outcome)
	if err != nil || !found {
		return nil, err
	}
	return &outcome, nil
}

// GetJSON gets a JSON value
func (rc *RedisClient) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := rc.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}

	return true, nil
}

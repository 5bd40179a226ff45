package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/crypto-ingest/pkg/config"
	"github.com/crypto-ingest/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type message struct {
	subject string
	data    []byte
}

type fakeConn struct {
	published  []message
	publishErr error
	flushed    int
	drained    bool
}

func (f *fakeConn) Publish(subj string, data []byte) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, message{subj, data})
	return nil
}

func (f *fakeConn) FlushWithContext(ctx context.Context) error {
	f.flushed++
	return nil
}

func (f *fakeConn) Drain() error {
	f.drained = true
	return nil
}

func (f *fakeConn) Close()            {}
func (f *fakeConn) IsConnected() bool { return true }

func newTestNATS(prefix string) (*NATSClient, *fakeConn) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	fc := &fakeConn{}
	return newNATSClient(fc, &config.NATSConfig{SubjectPrefix: prefix, DrainTimeout: time.Second}, log), fc
}

func TestSubjects(t *testing.T) {
	nc, _ := newTestNATS("ingest.")

	assert.Equal(t, "ingest.asset.success", nc.AssetSubject(models.StatusSuccess))
	assert.Equal(t, "ingest.asset.failed", nc.AssetSubject(models.StatusFailed))
	assert.Equal(t, "ingest.run.completed", nc.RunSubject())
	assert.Equal(t, "a_b_c_d", subjectToken("a.b*c>d"))
}

func TestPublishAssetOutcome(t *testing.T) {
	nc, fc := newTestNATS("ingest")

	outcome := &models.AssetOutcome{
		AssetID:    "ethereum",
		Status:     models.StatusFailed,
		History:    &models.StepOutcome{Status: models.StatusFailed, Error: "rate limit exceeded"},
		Error:      "rate limit exceeded",
		Duration:   1500 * time.Millisecond,
		FinishedAt: time.UnixMilli(1714557600000),
	}

	require.NoError(t, nc.PublishAssetOutcome(context.Background(), "run-1", outcome))
	require.Len(t, fc.published, 1)
	assert.Equal(t, "ingest.asset.failed", fc.published[0].subject)

	var event AssetEvent
	require.NoError(t, json.Unmarshal(fc.published[0].data, &event))
	assert.Equal(t, "run-1", event.RunID)
	assert.Equal(t, "ethereum", event.AssetID)
	assert.Equal(t, models.StatusFailed, event.Status)
	assert.Equal(t, int64(1500), event.DurationMs)
	assert.Equal(t, int64(1714557600000), event.Timestamp)
	require.NotNil(t, event.History)
	assert.Equal(t, "rate limit exceeded", event.History.Error)
	assert.Nil(t, event.Markets)
}

func TestPublishRunSummaryFlushes(t *testing.T) {
	nc, fc := newTestNATS("ingest")

	summary := &models.RunSummary{RunID: "run-1", Succeeded: 2, Failed: 1}
	require.NoError(t, nc.PublishRunSummary(context.Background(), summary))

	require.Len(t, fc.published, 1)
	assert.Equal(t, "ingest.run.completed", fc.published[0].subject)
	assert.Equal(t, 1, fc.flushed)

	var got models.RunSummary
	require.NoError(t, json.Unmarshal(fc.published[0].data, &got))
	assert.Equal(t, 2, got.Succeeded)
}

func TestPublishErrors(t *testing.T) {
	nc, fc := newTestNATS("ingest")
	fc.publishErr = errors.New("nats: connection closed")

	err := nc.PublishAssetOutcome(context.Background(), "run-1", &models.AssetOutcome{AssetID: "bitcoin", Status: models.StatusSuccess})
	assert.ErrorContains(t, err, "connection closed")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fc.publishErr = nil
	assert.Error(t, nc.PublishRunSummary(ctx, &models.RunSummary{}))
	assert.Empty(t, fc.published)
}

func TestCloseDrains(t *testing.T) {
	nc, fc := newTestNATS("ingest")
	require.NoError(t, nc.Close())
	assert.True(t, fc.drained)
}

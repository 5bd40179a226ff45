package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/crypto-ingest/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	log, err := New(&config.LoggingConfig{Level: "warn", Format: "json", Output: "stdout"})
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, log.GetLevel())

	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.WithField("asset", "bitcoin").Warn("rate limited")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "rate limited", line["message"])
	assert.Equal(t, "warning", line["level"])
	assert.Equal(t, "bitcoin", line["asset"])
	assert.Contains(t, line, "timestamp")
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New(&config.LoggingConfig{Level: "loud", Format: "json", Output: "stdout"})
	assert.Error(t, err)

	_, err = New(&config.LoggingConfig{Level: "info", Format: "xml", Output: "stdout"})
	assert.Error(t, err)
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingest.log")
	log, err := New(&config.LoggingConfig{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)
	log.Info("hello")
}

func testEntry(level logrus.Level, msg string, data logrus.Fields) *logrus.Entry {
	return &logrus.Entry{
		Logger:  logrus.New(),
		Time:    time.Date(2024, 4, 29, 0, 0, 0, 0, time.UTC),
		Level:   level,
		Message: msg,
		Data:    data,
	}
}

func TestLineFormatter(t *testing.T) {
	f := &LineFormatter{TimestampFormat: "2006-01-02 15:04:05"}

	tests := []struct {
		name  string
		entry *logrus.Entry
		want  string
	}{
		{
			name: "fields sorted after the message",
			entry: testEntry(logrus.ErrorLevel, "Failed to ingest asset", logrus.Fields{
				"error":     errors.New("boom"),
				"asset":     "ethereum",
				"component": "ingestor",
			}),
			want: "2024-04-29 00:00:00 ERROR [ingestor] Failed to ingest asset | asset=ethereum error=boom\n",
		},
		{
			name:  "no fields",
			entry: testEntry(logrus.InfoLevel, "Ingestion summary", nil),
			want:  "2024-04-29 00:00:00 INFO Ingestion summary\n",
		},
		{
			name: "values with spaces are quoted",
			entry: testEntry(logrus.WarnLevel, "Asset failed", logrus.Fields{
				"error": "rate limit exceeded",
				"rows":  3,
			}),
			want: "2024-04-29 00:00:00 WARNING Asset failed | error=\"rate limit exceeded\" rows=3\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := f.Format(tt.entry)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(out))
		})
	}
}

func TestLineFormatterColors(t *testing.T) {
	f := &LineFormatter{TimestampFormat: "2006-01-02", Colors: true}

	out, err := f.Format(testEntry(logrus.ErrorLevel, "Failed to ingest asset", logrus.Fields{"asset": "ethereum"}))
	require.NoError(t, err)
	assert.Equal(t, "\x1b[90m2024-04-29\x1b[0m \x1b[31mERROR\x1b[0m Failed to ingest asset | asset=ethereum\n", string(out))
}

func TestNewTextToFileHasNoColors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingest.log")
	log, err := New(&config.LoggingConfig{Level: "info", Format: "text", Output: path})
	require.NoError(t, err)

	f, ok := log.Formatter.(*LineFormatter)
	require.True(t, ok)
	assert.False(t, f.Colors)

	log.WithField("asset", "bitcoin").Info("History is up to date")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "History is up to date | asset=bitcoin\n"), string(data))
}

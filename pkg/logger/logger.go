package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/crypto-ingest/pkg/config"
	"github.com/sirupsen/logrus"
)

// componentKey is lifted out of the field list into the line prefix
const componentKey = "component"

const (
	colorReset = "\033[0m"
	colorGray  = "\033[90m"
)

// New builds the process logger from LOG_LEVEL, LOG_FORMAT and LOG_OUTPUT
func New(cfg *config.LoggingConfig) (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	output, console, err := openOutput(cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to set output: %w", err)
	}
	logger.SetOutput(output)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05.000",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	case "text", "":
		logger.SetFormatter(&LineFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
			Colors:          console,
		})
	default:
		return nil, fmt.Errorf("invalid log format %s", cfg.Format)
	}

	logger.SetReportCaller(level >= logrus.DebugLevel)

	return logger, nil
}

// LineFormatter renders one entry per line:
//
//	2024-04-29 10:30:00 ERROR [ingestor] Failed to ingest asset | asset=ethereum error=boom
type LineFormatter struct {
	TimestampFormat string
	Colors          bool
}

// Format renders a single log entry
func (f *LineFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer

	f.paint(&b, colorGray, entry.Time.Format(f.TimestampFormat))
	b.WriteByte(' ')
	f.paint(&b, levelColor(entry.Level), strings.ToUpper(entry.Level.String()))

	if component, ok := entry.Data[componentKey]; ok {
		fmt.Fprintf(&b, " [%v]", component)
	}
	if entry.HasCaller() {
		fmt.Fprintf(&b, " (%s:%d)", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}

	b.WriteByte(' ')
	b.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k != componentKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	if len(keys) > 0 {
		b.WriteString(" |")
		for _, k := range keys {
			b.WriteByte(' ')
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(fieldValue(entry.Data[k]))
		}
	}

	b.WriteByte('\n')
	return b.Bytes(), nil
}

func (f *LineFormatter) paint(b *bytes.Buffer, color, s string) {
	if !f.Colors {
		b.WriteString(s)
		return
	}
	b.WriteString(color)
	b.WriteString(s)
	b.WriteString(colorReset)
}

// fieldValue quotes values that would otherwise blur into the next field
func fieldValue(v interface{}) string {
	s := fmt.Sprint(v)
	if s == "" || strings.ContainsAny(s, " =\"\n\t") {
		return strconv.Quote(s)
	}
	return s
}

func levelColor(level logrus.Level) string {
	switch level {
	case logrus.DebugLevel, logrus.TraceLevel:
		return "\033[36m"
	case logrus.InfoLevel:
		return "\033[32m"
	case logrus.WarnLevel:
		return "\033[33m"
	case logrus.ErrorLevel:
		return "\033[31m"
	case logrus.FatalLevel, logrus.PanicLevel:
		return "\033[35m"
	default:
		return colorReset
	}
}

// openOutput resolves LOG_OUTPUT; console reports whether colors make sense
func openOutput(output string) (w io.Writer, console bool, err error) {
	switch output {
	case "stdout", "":
		return os.Stdout, true, nil
	case "stderr":
		return os.Stderr, true, nil
	default:
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, false, fmt.Errorf("failed to open log file %s: %w", output, err)
		}
		return file, false, nil
	}
}

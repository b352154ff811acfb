// Package logging provides structured, context-aware logging for the CRC
// pipeline, built around logrus the same way the rest of this codebase does.
package logging

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type used for context values carried into log entries.
type ContextKey string

const (
	// TraceIDKey correlates a chain of log entries across a single request
	// or pipeline run.
	TraceIDKey ContextKey = "trace_id"
	// DropIDKey identifies the drop a log entry concerns, when applicable.
	DropIDKey ContextKey = "drop_id"
	// ServiceKey names the emitting component.
	ServiceKey ContextKey = "service"
)

// Config controls how a Logger is constructed.
type Config struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// Logger wraps logrus.Logger with a fixed service name and context helpers.
type Logger struct {
	*logrus.Logger
	service string
}

// New builds a Logger from an explicit Config.
func New(service string, cfg Config) *Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "crc-pipeline"
		}
		logDir := "logs"
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			logger.Errorf("failed to create log directory: %v", err)
			logger.SetOutput(os.Stdout)
			break
		}
		path := filepath.Join(logDir, prefix+".log")
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Errorf("failed to open log file: %v", err)
			logger.SetOutput(os.Stdout)
			break
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, file))
	default:
		logger.SetOutput(os.Stdout)
	}

	return &Logger{Logger: logger, service: service}
}

// NewFromEnv builds a Logger using LOG_LEVEL/LOG_FORMAT/LOG_OUTPUT, defaulting
// to info/json/stdout when unset.
func NewFromEnv(service string) *Logger {
	cfg := Config{
		Level:  envOrDefault("LOG_LEVEL", "info"),
		Format: envOrDefault("LOG_FORMAT", "json"),
		Output: envOrDefault("LOG_OUTPUT", "stdout"),
	}
	return New(service, cfg)
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// WithContext returns a log entry pre-populated with service/trace/drop
// fields found on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok && traceID != "" {
		entry = entry.WithField("trace_id", traceID)
	}
	if dropID, ok := ctx.Value(DropIDKey).(string); ok && dropID != "" {
		entry = entry.WithField("drop_id", dropID)
	}
	return entry
}

// WithDrop returns a log entry scoped to a single drop.
func (l *Logger) WithDrop(dropID string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"service": l.service, "drop_id": dropID})
}

// LogStageTransition records a pipeline stage transition for a drop.
func (l *Logger) LogStageTransition(ctx context.Context, dropID, stage, status string, confidence float64) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"drop_id":    dropID,
		"stage":      stage,
		"status":     status,
		"confidence": confidence,
	}).Info("pipeline stage transition")
}

// LogLedgerAppend records a successful ledger append.
func (l *Logger) LogLedgerAppend(ctx context.Context, logName, entryHash string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"log":        logName,
		"entry_hash": entryHash,
	}).Debug("ledger entry appended")
}

// NewTraceID generates a fresh trace identifier.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID attaches a trace id to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithDropID attaches a drop id to ctx.
func WithDropID(ctx context.Context, dropID string) context.Context {
	return context.WithValue(ctx, DropIDKey, dropID)
}

package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"derpme/internal/config"
)

type Logger struct {
	*slog.Logger
	config *config.LoggingConfig
}

type ContextKey string

const (
	CorrelationIDKey ContextKey = "correlation_id"
	RequestIDKey     ContextKey = "request_id"
	OperationKey     ContextKey = "operation"
	ServiceKey       ContextKey = "service"
)

// NewLogger creates a new structured logger using slog
func NewLogger(cfg *config.LoggingConfig) *Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var writer io.Writer
	switch cfg.Output {
	case "stdout":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		if cfg.Output != "" {
			file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err == nil {
				writer = file
			} else {
				writer = os.Stdout
				slog.Warn("Failed to open log file, using stdout", "error", err, "file", cfg.Output)
			}
		} else {
			writer = os.Stdout
		}
	}

	logger := slog.New(newHandler(writer, cfg.Format, level))
	slog.SetDefault(logger)

	return &Logger{
		Logger: logger,
		config: cfg,
	}
}

// NewDiscardLogger returns a logger that drops every record. It does not
// replace the slog default.
func NewDiscardLogger() *Logger {
	cfg := &config.LoggingConfig{Level: "error", Format: "json", Output: "discard"}
	return &Logger{
		Logger: slog.New(newHandler(io.Discard, cfg.Format, slog.LevelError)),
		config: cfg,
	}
}

func newHandler(writer io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}

	switch format {
	case "text", "console":
		return slog.NewTextHandler(writer, opts)
	default:
		return slog.NewJSONHandler(writer, opts)
	}
}

// WithContext creates a new logger with context values
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if correlationID := ctx.Value(CorrelationIDKey); correlationID != nil {
		logger = logger.With("correlation_id", correlationID)
	}
	if requestID := ctx.Value(RequestIDKey); requestID != nil {
		logger = logger.With("request_id", requestID)
	}
	if operation := ctx.Value(OperationKey); operation != nil {
		logger = logger.With("operation", operation)
	}
	if service := ctx.Value(ServiceKey); service != nil {
		logger = logger.With("service", service)
	}

	return &Logger{
		Logger: logger,
		config: l.config,
	}
}

// WithFields creates a new logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	var args []interface{}
	for key, value := range fields {
		args = append(args, key, value)
	}

	return &Logger{
		Logger: l.Logger.With(args...),
		config: l.config,
	}
}

// WithField creates a new logger with a single additional field
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{
		Logger: l.Logger.With(key, value),
		config: l.config,
	}
}

// WithError creates a new logger with an error field
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		Logger: l.Logger.With("error", err.Error()),
		config: l.config,
	}
}

func (l *Logger) DebugContext(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Debug(msg, args...)
}

func (l *Logger) InfoContext(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Info(msg, args...)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Warn(msg, args...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Error(msg, args...)
}

// RequestEnd logs the completion of one dispatched RPC.
func (l *Logger) RequestEnd(ctx context.Context, transport, operation string, status int, duration time.Duration) {
	level := slog.LevelDebug
	if status == 0 {
		level = slog.LevelWarn
	}

	l.WithContext(ctx).Log(ctx, level, "Request completed",
		"transport", transport,
		"operation", operation,
		"status", status,
		"duration_ms", duration.Milliseconds(),
	)
}

// StorageOperation logs one backend call.
func (l *Logger) StorageOperation(ctx context.Context, operation, tier, key string, duration time.Duration, err error) {
	logger := l.WithContext(ctx).With(
		"storage_operation", operation,
		"tier", tier,
		"duration_ms", duration.Milliseconds(),
	)
	if key != "" {
		logger = logger.With("key", key)
	}

	if err != nil {
		logger.Error("Storage operation failed", "error", err.Error())
	} else {
		logger.Debug("Storage operation completed")
	}
}

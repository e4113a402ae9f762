package logging

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// contextKey for request-scoped values
type contextKey string

const RequestIDKey contextKey = "request_id"

var logger *zap.Logger

// Init initializes the structured logger. environment "development" selects
// the colored console encoder.
func Init(level, environment string) error {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}
	config.Level = zap.NewAtomicLevelAt(parseLevel(level))

	if environment == "development" {
		config.Development = true
		config.Encoding = "console"
		config.EncoderConfig = zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		}
	}

	l, err := config.Build()
	if err != nil {
		return err
	}
	logger = l
	return nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// GetLogger returns the global logger instance
func GetLogger() *zap.Logger {
	if logger == nil {
		// Fallback to default production logger
		logger, _ = zap.NewProduction()
	}
	return logger
}

// SetLogger replaces the global logger, mainly for tests.
func SetLogger(l *zap.Logger) {
	logger = l
}

// NewRequestID returns a fresh request id.
func NewRequestID() string {
	return uuid.NewString()
}

// WithRequestID adds request ID to context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

func withRequestID(ctx context.Context, fields []zap.Field) []zap.Field {
	if id := GetRequestID(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	return fields
}

// LogHTTPRequest logs a served request with structured fields
func LogHTTPRequest(ctx context.Context, method, path, query, status, traceID string, latency, size int64) {
	fields := []zap.Field{
		zap.String("method", method),
		zap.String("path", path),
		zap.String("query", query),
		zap.String("status", status),
		zap.Int64("latency_ms", latency),
		zap.Int64("size_bytes", size),
	}
	if traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}
	GetLogger().Info("http_request", withRequestID(ctx, fields)...)
}

// LogPipelineError logs a request that ended in a 500
func LogPipelineError(ctx context.Context, stage string, err error) {
	fields := []zap.Field{
		zap.String("stage", stage),
		zap.Error(err),
	}
	GetLogger().Error("pipeline_error", withRequestID(ctx, fields)...)
}

// LogHTTPServerStart logs HTTP server startup
func LogHTTPServerStart(addr string) {
	GetLogger().Info("http_server_start",
		zap.String("listen_addr", addr),
	)
}

// LogInfo logs general info messages with structured fields
func LogInfo(message string, fields map[string]interface{}) {
	GetLogger().Info(message, toZapFields(fields)...)
}

// LogError logs error messages with structured fields
func LogError(message string, fields map[string]interface{}) {
	GetLogger().Error(message, toZapFields(fields)...)
}

func toZapFields(fields map[string]interface{}) []zap.Field {
	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			zapFields = append(zapFields, zap.String(k, val))
		case int:
			zapFields = append(zapFields, zap.Int(k, val))
		case bool:
			zapFields = append(zapFields, zap.Bool(k, val))
		case float64:
			zapFields = append(zapFields, zap.Float64(k, val))
		case error:
			zapFields = append(zapFields, zap.NamedError(k, val))
		default:
			zapFields = append(zapFields, zap.Any(k, v))
		}
	}
	return zapFields
}

// Sync flushes any buffered log entries
func Sync() error {
	if logger != nil {
		return logger.Sync()
	}
	return nil
}

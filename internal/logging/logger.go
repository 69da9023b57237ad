// Package logging provides the structured logger used across snipbox.
//
// The Logger interface keeps context-first, key/value call sites while the
// default implementation is backed by zap. Errors are always passed as a
// separate argument so that warn/error records carry an "error" field.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents different log levels
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a config string into a LogLevel, defaulting to info.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError, LevelFatal:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger interface for structured logging
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...interface{})
	Info(ctx context.Context, msg string, fields ...interface{})
	Warn(ctx context.Context, err error, msg string, fields ...interface{})
	Error(ctx context.Context, err error, msg string, fields ...interface{})
	Fatal(ctx context.Context, err error, msg string, fields ...interface{})

	With(fields ...interface{}) Logger
	WithComponent(component string) Logger
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level     LogLevel
	Format    string // "json" or "console"
	Output    io.Writer
	AddSource bool
	Component string
}

// DefaultConfig returns default logger configuration
func DefaultConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:  LevelInfo,
		Format: "console",
		Output: os.Stderr,
	}
}

// ZapLogger implements Logger on top of a zap core.
type ZapLogger struct {
	logger    *zap.Logger
	component string
}

// NewLogger creates a new structured logger
func NewLogger(config *LoggerConfig) *ZapLogger {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Output == nil {
		config.Output = os.Stderr
	}

	var encoder zapcore.Encoder
	if config.Format == "json" {
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.RFC3339TimeEncoder
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(config.Output), zap.NewAtomicLevelAt(config.Level.zapLevel()))

	var opts []zap.Option
	if config.AddSource {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(2))
	}

	return &ZapLogger{
		logger:    zap.New(core, opts...),
		component: config.Component,
	}
}

// NewFromCore wraps an existing zap core; tests pair it with zaptest/observer.
func NewFromCore(core zapcore.Core) *ZapLogger {
	return &ZapLogger{logger: zap.New(core)}
}

// NewNop returns a logger that discards everything.
func NewNop() *ZapLogger {
	return &ZapLogger{logger: zap.NewNop()}
}

// Debug logs a debug message
func (l *ZapLogger) Debug(ctx context.Context, msg string, fields ...interface{}) {
	l.log(ctx, zapcore.DebugLevel, nil, msg, fields...)
}

// Info logs an info message
func (l *ZapLogger) Info(ctx context.Context, msg string, fields ...interface{}) {
	l.log(ctx, zapcore.InfoLevel, nil, msg, fields...)
}

// Warn logs a warning message
func (l *ZapLogger) Warn(ctx context.Context, err error, msg string, fields ...interface{}) {
	l.log(ctx, zapcore.WarnLevel, err, msg, fields...)
}

// Error logs an error message
func (l *ZapLogger) Error(ctx context.Context, err error, msg string, fields ...interface{}) {
	l.log(ctx, zapcore.ErrorLevel, err, msg, fields...)
}

// Fatal logs at ERROR level but does not exit; the caller decides how to stop.
func (l *ZapLogger) Fatal(ctx context.Context, err error, msg string, fields ...interface{}) {
	l.log(ctx, zapcore.ErrorLevel, err, msg, append(fields, "fatal", true)...)
}

// With creates a new logger with additional fields
func (l *ZapLogger) With(fields ...interface{}) Logger {
	return &ZapLogger{
		logger:    l.logger.With(toFields(fields)...),
		component: l.component,
	}
}

// WithComponent creates a new logger with component context
func (l *ZapLogger) WithComponent(component string) Logger {
	return &ZapLogger{
		logger:    l.logger,
		component: component,
	}
}

// Sync flushes buffered records.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

func (l *ZapLogger) log(ctx context.Context, level zapcore.Level, err error, msg string, fields ...interface{}) {
	ce := l.logger.Check(level, msg)
	if ce == nil {
		return
	}

	zf := make([]zap.Field, 0, len(fields)/2+3)
	if l.component != "" {
		zf = append(zf, zap.String("component", l.component))
	}
	if err != nil {
		zf = append(zf, zap.String("error", err.Error()))
	}
	if id, ok := RequestIDFromContext(ctx); ok {
		zf = append(zf, zap.String("request_id", id))
	}
	zf = append(zf, toFields(fields)...)

	ce.Write(zf...)
}

// toFields converts alternating key/value pairs, dropping a trailing key
// without a value and pairs whose key is not a string.
func toFields(kv []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, zap.Any(key, kv[i+1]))
	}
	return out
}

type requestIDKey struct{}

// WithRequestID stores a request id on the context; it is added to every
// record logged with that context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok && id != ""
}

// Security-focused logging utilities

// SanitizeForLog sanitizes data for safe logging (removes sensitive info)
func SanitizeForLog(data string) string {
	sensitive := []string{
		"password", "token", "secret", "key", "auth",
	}

	lower := strings.ToLower(data)
	for _, word := range sensitive {
		if strings.Contains(lower, word) {
			return "[REDACTED]"
		}
	}

	if len(data) > 1000 {
		return data[:1000] + "...[TRUNCATED]"
	}

	return data
}

// LogSecurityEvent logs security-related events with special handling
func LogSecurityEvent(logger Logger, ctx context.Context, event string, details map[string]interface{}) {
	fields := []interface{}{"event_type", "security", "event", event}
	for k, v := range details {
		if str, ok := v.(string); ok {
			v = SanitizeForLog(str)
		}
		fields = append(fields, k, v)
	}

	logger.Warn(ctx, nil, "Security event occurred", fields...)
}

// Performance logging utilities

// PerfLogger tracks how long an operation takes.
type PerfLogger struct {
	Logger
	startTime time.Time
	operation string
}

// StartOperation begins performance tracking
func StartOperation(logger Logger, operation string) *PerfLogger {
	return &PerfLogger{
		Logger:    logger.With("operation", operation),
		startTime: time.Now(),
		operation: operation,
	}
}

// End completes performance tracking and logs the duration at debug level.
func (p *PerfLogger) End(ctx context.Context, fields ...interface{}) {
	duration := time.Since(p.startTime)
	p.Debug(ctx, "Operation completed",
		append([]interface{}{"duration_ms", duration.Milliseconds()}, fields...)...)
}

// EndWithError completes performance tracking and logs an error
func (p *PerfLogger) EndWithError(ctx context.Context, err error) {
	duration := time.Since(p.startTime)
	p.Error(ctx, err, fmt.Sprintf("%s failed", p.operation),
		"duration_ms", duration.Milliseconds(),
	)
}

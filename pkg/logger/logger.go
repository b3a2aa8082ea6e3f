// Package logger provides structured logging utilities.
package logger

import (
	"context"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a wrapper around zap.Logger.
type Logger struct {
	*zap.Logger
}

// New creates a JSON logger writing to stdout.
func New(level string) (*Logger, error) {
	return build(level, "stdout")
}

// NewStderr creates a JSON logger writing to stderr, for commands whose
// stdout carries protocol traffic such as the MCP stdio transport.
func NewStderr(level string) (*Logger, error) {
	return build(level, "stderr")
}

func build(level, output string) (*Logger, error) {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.SecondsDurationEncoder

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(ParseLevel(level)),
		Encoding:         "json",
		EncoderConfig:    enc,
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
	}
	zl, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: zl}, nil
}

// NewDevelopment creates a console logger with colored levels.
func NewDevelopment() (*Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	zl, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: zl}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// With creates a child logger with additional fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

// WithContext tags a child logger with the request's correlation id and owner.
func (l *Logger) WithContext(correlationID, ownerID string) *Logger {
	return l.With(
		zap.String("correlation_id", correlationID),
		zap.String("user_id", ownerID),
	)
}

type ctxKey struct{}

// IntoContext stores l in ctx.
func IntoContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored by IntoContext, or fallback.
func FromContext(ctx context.Context, fallback *Logger) *Logger {
	if l, ok := ctx.Value(ctxKey{}).(*Logger); ok && l != nil {
		return l
	}
	return fallback
}

// ParseLevel maps a LOG_LEVEL value to a zap level. Unknown values and the
// empty string mean info.
func ParseLevel(level string) zapcore.Level {
	switch l := strings.ToLower(strings.TrimSpace(level)); l {
	case "warning":
		return zapcore.WarnLevel
	default:
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(l)); err != nil || l == "" {
			return zapcore.InfoLevel
		}
		return lvl
	}
}

var global atomic.Pointer[Logger]

func init() {
	var l *Logger
	if os.Getenv("ENV") == "development" {
		l, _ = NewDevelopment()
	} else {
		l, _ = New("info")
	}
	if l == nil {
		l = NewNop()
	}
	global.Store(l)
}

// Global returns the process-wide logger.
func Global() *Logger {
	return global.Load()
}

// SetGlobal replaces the process-wide logger.
func SetGlobal(l *Logger) {
	if l != nil {
		global.Store(l)
	}
}

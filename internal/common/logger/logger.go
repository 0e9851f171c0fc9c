// Package logger provides a thin wrapper around zap used across all
// orchestrator components.
package logger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig controls logger construction
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json or console
}

// Logger wraps zap.Logger with field-chaining helpers
type Logger struct {
	*zap.Logger
}

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

// NewLogger creates a logger from the given configuration
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.TimeKey = "timestamp"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if cfg.Format == "console" {
		zapCfg.Encoding = "console"
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zl, err := zapCfg.Build(zap.AddCallerSkip(0))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return &Logger{Logger: zl}, nil
}

// NewNop returns a no-op logger for tests
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// WithFields returns a child logger with the given fields attached
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

// SetDefault sets the process-wide default logger
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// Default returns the process-wide default logger, falling back to a no-op
// logger if SetDefault was never called
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	if defaultLogger == nil {
		return NewNop()
	}
	return defaultLogger
}

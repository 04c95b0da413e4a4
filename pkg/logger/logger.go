// Package logger provides the process-wide structured logger, a thin
// wrapper over go.uber.org/zap configured from LOG_LEVEL/LOG_FORMAT
// env vars.
package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.RWMutex
	base *zap.SugaredLogger
)

func init() {
	base = build().Sugar()
}

// Init (re)configures the logger from LOG_LEVEL and LOG_FORMAT env
// vars. LOG_FORMAT=json selects the production JSON encoder; anything
// else uses the development console encoder.
func Init() {
	mu.Lock()
	defer mu.Unlock()
	base = build().Sugar()
}

func build() *zap.Logger {
	level := parseLevel(os.Getenv("LOG_LEVEL"))

	var cfg zap.Config
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	l, err := cfg.Build()
	if err != nil {
		// Logger construction only fails on malformed config; fall
		// back to a no-frills logger so the process can still boot.
		return zap.NewExample()
	}
	return l
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// With returns a child logger with the given structured key/value
// pairs attached to every subsequent entry.
func With(args ...interface{}) *zap.SugaredLogger {
	return current().With(args...)
}

// Debug logs a debug-level message (only emitted if LOG_LEVEL=debug).
func Debug(format string, v ...interface{}) { current().Debugf(format, v...) }

// Info logs an info-level message.
func Info(format string, v ...interface{}) { current().Infof(format, v...) }

// Warn logs a warning-level message.
func Warn(format string, v ...interface{}) { current().Warnf(format, v...) }

// Error logs an error-level message.
func Error(format string, v ...interface{}) { current().Errorf(format, v...) }

// Sync flushes any buffered log entries; call before process exit.
func Sync() error { return current().Sync() }

package config

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var globalLogger *zap.Logger

// ParseLevel maps a level name to a zap level. Unknown names mean info.
func ParseLevel(name string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace", "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	case "silent":
		return zap.FatalLevel
	default:
		return zap.InfoLevel
	}
}

// EngineLogLevel normalizes name to one of the engine's level names
// (TRACE, DEBUG, INFO, WARN, ERROR, SILENT).
func EngineLogLevel(name string) string {
	switch up := strings.ToUpper(strings.TrimSpace(name)); up {
	case "TRACE", "DEBUG", "INFO", "WARN", "ERROR", "SILENT":
		return up
	case "WARNING":
		return "WARN"
	default:
		return "INFO"
	}
}

// InitLogger builds the process logger at level and keeps it for Cleanup.
func InitLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	globalLogger = logger
	return logger, nil
}

// Cleanup flushes any buffered log entries
func Cleanup() {
	if globalLogger != nil {
		_ = globalLogger.Sync()
	}
}

// Package observability provides logging and metrics construction for the
// receiver runtime.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// NewLogger creates a new structured logger based on configuration.
func NewLogger(config LoggingConfig) (*zap.Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(config.Format) {
	case "console", "text":
		cfg = zap.NewDevelopmentConfig()
	case "json", "":
		cfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("unsupported log format: %s", config.Format)
	}

	level, err := parseLevel(config.Level)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	switch strings.ToLower(config.Output) {
	case "stderr":
		cfg.OutputPaths = []string{"stderr"}
	case "stdout", "":
		cfg.OutputPaths = []string{"stdout"}
	default:
		cfg.OutputPaths = []string{config.Output}
	}

	return cfg.Build()
}

func parseLevel(level string) (zap.AtomicLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zap.NewAtomicLevelAt(zapcore.DebugLevel), nil
	case "info", "":
		return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
	case "warn", "warning":
		return zap.NewAtomicLevelAt(zapcore.WarnLevel), nil
	case "error":
		return zap.NewAtomicLevelAt(zapcore.ErrorLevel), nil
	default:
		return zap.AtomicLevel{}, fmt.Errorf("unsupported log level: %s", level)
	}
}

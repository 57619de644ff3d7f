// Package utils holds process-level helpers shared by the commands.
package utils

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerName names the root logger of the commands.
const LoggerName = "sbtransport"

// NewSugaredLogger creates a sugared logger based on the verbose flag.
// Verbose logging uses the development config at debug level. Otherwise
// JSON is written at info level with ISO-8601 timestamps.
func NewSugaredLogger(verbose bool) (*zap.SugaredLogger, error) {
	cfg := loggerConfig(verbose)
	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return l.Named(LoggerName).Sugar(), nil
}

func loggerConfig(verbose bool) zap.Config {
	if verbose {
		return zap.NewDevelopmentConfig()
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

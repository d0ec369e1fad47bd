package main

import (
	"strings"

	"go.uber.org/zap"
)

// newLogger builds the process logger. Components receive named children
// so every line carries its origin.
func newLogger(level string, format string) (*zap.Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(format) {
	case "json":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}

	parsed, err := zap.ParseAtomicLevel(strings.ToLower(level))
	if err != nil {
		parsed = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg.Level = parsed

	return cfg.Build(zap.AddStacktrace(zap.ErrorLevel))
}

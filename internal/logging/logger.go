// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options tune the logger beyond the development/production split.
type Options struct {
	// Level is a zap level name such as "debug" or "warn". Empty keeps the preset.
	Level string
	// File is an extra output path written alongside stderr/stdout.
	File string
}

// New builds a zap.Logger configured for development or production.
func New(development bool, opts ...Options) (*zap.Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.DisableStacktrace = false
	}
	cfg.EncoderConfig.TimeKey = "ts"

	for _, o := range opts {
		if o.Level != "" {
			level, err := zap.ParseAtomicLevel(o.Level)
			if err != nil {
				return nil, fmt.Errorf("parse log level %q: %w", o.Level, err)
			}
			cfg.Level = level
		}
		if o.File != "" {
			cfg.OutputPaths = append(cfg.OutputPaths, o.File)
		}
	}

	logger, err := cfg.Build()
	if err != nil {
		if development {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
		return nil, fmt.Errorf("build prod logger: %w", err)
	}
	return logger, nil
}

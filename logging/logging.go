// Package logging builds the *zap.SugaredLogger every other package logs
// through, from a small yaml-configurable level/format knob rather than
// zap's full Config surface.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the logger's verbosity and format.
type Config struct {
	// Level is one of debug, info, warn, error. Empty defaults to info.
	Level string `yaml:"level"`
	// Development switches to zap's human-readable console encoder and
	// enables debug-level output regardless of Level.
	Development bool `yaml:"development"`
}

// New builds a *zap.SugaredLogger per config.
func New(config Config) (*zap.SugaredLogger, error) {
	if config.Development {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		return logger.Sugar(), nil
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(orDefault(config.Level, "info"))); err != nil {
		return nil, err
	}
	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	logger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

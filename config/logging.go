package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap logger from the logging section. The returned
// AtomicLevel can be changed at runtime when the config file is reloaded.
func NewLogger(cfg LoggingConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("parse log level: %w", err)
	}
	atom := zap.NewAtomicLevelAt(level)

	var zcfg zap.Config
	if cfg.Format == "text" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = atom

	logger, err := zcfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("build logger: %w", err)
	}
	return logger, atom, nil
}

// ApplyLogLevel updates atom from a reloaded config. Invalid levels are
// rejected by Validate before a config is published, so errors here are
// only reported.
func ApplyLogLevel(atom zap.AtomicLevel, cfg LoggingConfig) error {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	atom.SetLevel(level)
	return nil
}

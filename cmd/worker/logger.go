package main

import (
	"github.com/septivank/energy-metering-cache/internal/config"
	"github.com/septivank/energy-metering-cache/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
}

package main

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"taskfleet-controlplane/pkg/config"
	"taskfleet-controlplane/pkg/logger"
	"taskfleet-controlplane/pkg/redis"
	"taskfleet-controlplane/services/delegate"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		redis.Module,
		delegate.Module,
		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

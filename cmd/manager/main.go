package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"taskfleet-controlplane/pkg/config"
	"taskfleet-controlplane/pkg/db"
	"taskfleet-controlplane/pkg/logger"
	"taskfleet-controlplane/pkg/queue"
	"taskfleet-controlplane/pkg/redis"
	"taskfleet-controlplane/pkg/server"
	"taskfleet-controlplane/services/perpetualtask"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		queue.Client,
		queue.Server,
		fx.Provide(
			provideSnowflakeNode,
		),
		perpetualtask.Module,
		server.ProvideHTTPServer,
		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

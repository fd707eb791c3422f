package perpetualtask

import (
	"net/http"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("perpetualtask.service",
	fx.Provide(
		NewTaskRecordStore,
		NewScheduleOverrideStore,
		NewRedisBroadcaster,
		NewCoordinator,
		NewAssigner,
		NewSweeper,
		NewHandler,
		fx.Annotate(NewEngine, fx.As(new(http.Handler))),
	),
	fx.Invoke(
		AutoMigrate,
		RegisterHandlers,
		StartSweepScheduler,
		StartBroadcastLoop,
	),
)

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&TaskRecord{}, &ScheduleOverride{})
}

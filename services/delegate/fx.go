package delegate

import (
	"context"

	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("delegate.service",
	fx.Provide(
		NewGateway,
		NewExecutorRegistry,
		NewExecutionGuard,
		NewReconciler,
	),
	fx.Invoke(StartReconciler),
)

// NewExecutorRegistry wires the executors this delegate ships with. The
// provider-specific fleet registers here.
func NewExecutorRegistry() *Registry {
	registry := NewRegistry()
	registry.Register(TaskTypeHTTPProbe, NewHTTPProbeExecutor(resty.New()))
	return registry
}

type startParams struct {
	fx.In
	Reconciler *Reconciler
	Redis      *redis.Client `optional:"true"`
}

func StartReconciler(lc fx.Lifecycle, p startParams) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if p.Redis != nil {
				p.Reconciler.SubscribeWake(ctx, p.Redis)
			}
			go p.Reconciler.Run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

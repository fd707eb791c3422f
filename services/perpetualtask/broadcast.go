package perpetualtask

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// WakeChannel is the pub/sub channel a delegate listens on for
// assignment-changed hints.
func WakeChannel(delegateID string) string {
	return "perpetual:wake:" + delegateID
}

// redisBroadcaster publishes wake-up hints over redis pub/sub. Publishing
// is fire and forget: a delegate without an open subscription simply waits
// for its next poll.
type redisBroadcaster struct {
	rdb *redis.Client
}

func NewRedisBroadcaster(rdb *redis.Client) Broadcaster {
	return &redisBroadcaster{rdb: rdb}
}

func (b *redisBroadcaster) Notify(ctx context.Context, delegateID, accountID string) {
	sendCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	if err := b.rdb.Publish(sendCtx, WakeChannel(delegateID), accountID).Err(); err != nil {
		zap.L().Debug("wake-up hint dropped",
			zap.String("delegate_id", delegateID),
			zap.Error(err),
		)
		return
	}
	zap.L().Debug("wake-up hint published", zap.String("delegate_id", delegateID))
}

// StartBroadcastLoop drains the coordinator's pending wake-up set on a
// short fixed period.
func StartBroadcastLoop(lc fx.Lifecycle, c *Coordinator) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				ticker := time.NewTicker(5 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						c.BroadcastToDelegates(ctx)
					case <-ctx.Done():
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

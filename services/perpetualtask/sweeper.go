package perpetualtask

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"taskfleet-controlplane/pkg/config"
	"taskfleet-controlplane/pkg/queue"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const TaskRebalance = "perpetual:rebalance"

type rebalancePayload struct {
	CutoffMillis int64 `json:"cutoff_millis"`
}

// Sweeper returns tasks whose delegate stopped heartbeating to the
// UNASSIGNED pool so they can be handed out again.
type Sweeper struct {
	records    TaskRecordStore
	staleAfter time.Duration
}

func NewSweeper(records TaskRecordStore, cfg *config.Config) *Sweeper {
	return &Sweeper{
		records:    records,
		staleAfter: cfg.Sweep.StaleAfter,
	}
}

// HandleRebalance is the asynq handler for TaskRebalance jobs.
func (s *Sweeper) HandleRebalance(ctx context.Context, t *asynq.Task) error {
	var payload rebalancePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		zap.L().Error("invalid rebalance payload", zap.Error(err))
		return err
	}
	if payload.CutoffMillis == 0 {
		payload.CutoffMillis = time.Now().Add(-s.staleAfter).UnixMilli()
	}

	count, err := s.Sweep(ctx, payload.CutoffMillis)
	if err != nil {
		return err
	}
	if count > 0 {
		zap.L().Info("rebalanced stale tasks", zap.Int("count", count))
	}
	return nil
}

// Sweep resets every ASSIGNED record whose heartbeat is older than the
// cutoff back to UNASSIGNED, fanning out per account.
func (s *Sweeper) Sweep(ctx context.Context, cutoffMillis int64) (int, error) {
	stale, err := s.records.FindStaleAssigned(ctx, cutoffMillis)
	if err != nil {
		zap.L().Error("failed to find stale assignments", zap.Error(err))
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	byAccount := make(map[string][]*TaskRecord)
	for _, record := range stale {
		byAccount[record.AccountID] = append(byAccount[record.AccountID], record)
	}

	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for accountID, records := range byAccount {
		accountID, records := accountID, records
		g.Go(func() error {
			for _, record := range records {
				record.State = TaskUnassigned
				record.DelegateID = ""
				if err := s.records.Save(gctx, record); err != nil {
					zap.L().Error("failed to unassign stale task",
						zap.String("task_id", record.ID),
						zap.String("account_id", accountID),
						zap.Error(err),
					)
					continue
				}
				total.Add(1)
				zap.L().Info("unassigned stale task",
					zap.String("task_id", record.ID),
					zap.String("account_id", accountID),
				)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(total.Load()), err
	}
	return int(total.Load()), nil
}

// StartSweepScheduler enqueues a rebalance job on the configured cadence.
func StartSweepScheduler(lc fx.Lifecycle, cfg *config.Config, enqueuer queue.Enqueuer) error {
	c := cron.New()

	spec := "@every " + cfg.Sweep.Every.String()
	_, err := c.AddFunc(spec, func() {
		payload, _ := json.Marshal(rebalancePayload{
			CutoffMillis: time.Now().Add(-cfg.Sweep.StaleAfter).UnixMilli(),
		})
		if _, err := enqueuer.Enqueue(
			asynq.NewTask(TaskRebalance, payload),
			asynq.Queue("maintenance"),
		); err != nil {
			zap.L().Error("failed to enqueue rebalance", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			c.Start()
			zap.L().Info("sweep scheduler started", zap.String("every", cfg.Sweep.Every.String()))
			return nil
		},
		OnStop: func(context.Context) error {
			<-c.Stop().Done()
			return nil
		},
	})
	return nil
}

// RegisterHandlers binds asynq handlers for this package.
func RegisterHandlers(mux *asynq.ServeMux, sweeper *Sweeper) {
	mux.HandleFunc(TaskRebalance, sweeper.HandleRebalance)
}

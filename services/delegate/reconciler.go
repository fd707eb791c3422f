package delegate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"taskfleet-controlplane/pkg/config"
	"taskfleet-controlplane/services/perpetualtask"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Gateway is the delegate's view of the manager RPC surface.
type Gateway interface {
	ListAssignedTasks(ctx context.Context, delegateID string) ([]perpetualtask.AssignmentView, error)
	GetExecutionContext(ctx context.Context, taskID string) (*perpetualtask.ExecutionContext, error)
	Heartbeat(ctx context.Context, taskID string, timestamp int64, outcome perpetualtask.ExecutionOutcome) (bool, error)
}

type runningTask struct {
	cancel         context.CancelFunc
	contextVersion int64
	taskType       string
	params         map[string]string
	executor       Executor
}

// Reconciler converges this delegate's locally running executions to the
// manager-declared assignment set. One periodic tick fetches the desired
// set, diffs it against runningTasks and applies start/stop/update; each
// per-task recurrence dispatches into a semaphore-bounded pool.
type Reconciler struct {
	delegateID string
	gateway    Gateway
	registry   *Registry
	guard      *ExecutionGuard
	interval   time.Duration
	sem        *semaphore.Weighted

	mu      sync.Mutex
	running map[string]*runningTask

	wake chan struct{}
}

type ReconcilerParams struct {
	fx.In
	Config   *config.Config
	Gateway  Gateway
	Registry *Registry
	Guard    *ExecutionGuard
}

func NewReconciler(p ReconcilerParams) *Reconciler {
	maxConcurrent := p.Config.Delegate.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &Reconciler{
		delegateID: p.Config.Delegate.ID,
		gateway:    p.Gateway,
		registry:   p.Registry,
		guard:      p.Guard,
		interval:   p.Config.Delegate.PollInterval,
		sem:        semaphore.NewWeighted(maxConcurrent),
		running:    make(map[string]*runningTask),
		wake:       make(chan struct{}, 1),
	}
}

// Wake requests an immediate reconciliation tick. Non-blocking; extra
// wake-ups while one is pending are coalesced.
func (r *Reconciler) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// SubscribeWake listens for broadcast hints from the manager. Losing the
// subscription only costs latency, the poll loop stays authoritative.
func (r *Reconciler) SubscribeWake(ctx context.Context, rdb *redis.Client) {
	sub := rdb.Subscribe(ctx, perpetualtask.WakeChannel(r.delegateID))
	go func() {
		defer sub.Close()
		for {
			select {
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				zap.L().Debug("wake-up hint received", zap.String("payload", msg.Payload))
				r.Wake()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Run drives the reconciliation loop until ctx is cancelled. Ticks never
// overlap: the next one starts only after the previous returns.
func (r *Reconciler) Run(ctx context.Context) {
	zap.L().Info("reconciler started",
		zap.String("delegate_id", r.delegateID),
		zap.Duration("poll_interval", r.interval),
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ticker.C:
			r.tick(ctx)
		case <-r.wake:
			r.tick(ctx)
		case <-ctx.Done():
			zap.L().Info("reconciler stopped", zap.String("delegate_id", r.delegateID))
			r.stopAll()
			return
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	assigned, err := r.gateway.ListAssignedTasks(ctx, r.delegateID)
	if err != nil {
		zap.L().Warn("failed to fetch assigned tasks", zap.Error(err))
		return
	}

	r.mu.Lock()
	current := make(map[string]int64, len(r.running))
	for id, rt := range r.running {
		current[id] = rt.contextVersion
	}
	r.mu.Unlock()

	stop, start, update := splitTasks(current, assigned)

	// Each action is fault-isolated; one bad task never aborts the tick.
	for _, id := range stop {
		r.StopTask(id)
	}
	for _, a := range update {
		r.StopTask(a.TaskID)
		if err := r.StartTask(ctx, a); err != nil {
			zap.L().Warn("failed to restart task with new context",
				zap.String("task_id", a.TaskID),
				zap.Error(err),
			)
		}
	}
	for _, a := range start {
		if err := r.StartTask(ctx, a); err != nil {
			zap.L().Warn("failed to start task",
				zap.String("task_id", a.TaskID),
				zap.Error(err),
			)
		}
	}
}

// splitTasks diffs the locally running set against the desired assignment
// set. Pure function: running maps task id to context version.
func splitTasks(running map[string]int64, assigned []perpetualtask.AssignmentView) (stop []string, start, update []perpetualtask.AssignmentView) {
	desired := make(map[string]perpetualtask.AssignmentView, len(assigned))
	for _, a := range assigned {
		desired[a.TaskID] = a
	}

	for id, version := range running {
		a, ok := desired[id]
		switch {
		case !ok:
			stop = append(stop, id)
		case a.LastContextUpdated != version:
			update = append(update, a)
		}
	}
	for _, a := range assigned {
		if _, ok := running[a.TaskID]; !ok {
			start = append(start, a)
		}
	}
	return stop, start, update
}

// StartTask fetches the execution context, resolves the executor and
// schedules the recurring invocation. A task that is already running is
// left alone.
func (r *Reconciler) StartTask(ctx context.Context, a perpetualtask.AssignmentView) error {
	ec, err := r.gateway.GetExecutionContext(ctx, a.TaskID)
	if err != nil {
		return fmt.Errorf("fetch execution context: %w", err)
	}

	exec, ok := r.registry.Resolve(ec.TaskType)
	if !ok {
		return fmt.Errorf("no executor registered for task type %q", ec.TaskType)
	}

	taskCtx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	if _, exists := r.running[a.TaskID]; exists {
		r.mu.Unlock()
		cancel()
		return nil
	}
	r.running[a.TaskID] = &runningTask{
		cancel:         cancel,
		contextVersion: a.LastContextUpdated,
		taskType:       ec.TaskType,
		params:         ec.Params,
		executor:       exec,
	}
	r.mu.Unlock()

	go r.runRecurring(taskCtx, exec, ec)

	zap.L().Info("task started",
		zap.String("task_id", a.TaskID),
		zap.String("task_type", ec.TaskType),
		zap.Int64("interval_seconds", ec.IntervalSeconds),
	)
	return nil
}

// StopTask cancels future runs and releases the entry. An in-flight run is
// left to finish under its own timeout rather than being interrupted.
func (r *Reconciler) StopTask(id string) {
	r.mu.Lock()
	rt, ok := r.running[id]
	if ok {
		delete(r.running, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	rt.cancel()

	if !rt.executor.Cleanup(id, rt.params) {
		zap.L().Debug("executor cleanup reported failure", zap.String("task_id", id))
	}
	zap.L().Info("task stopped", zap.String("task_id", id))
}

// RunningTasks returns a snapshot of task id to context version.
func (r *Reconciler) RunningTasks() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.running))
	for id, rt := range r.running {
		out[id] = rt.contextVersion
	}
	return out
}

func (r *Reconciler) stopAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.StopTask(id)
	}
}

func (r *Reconciler) runRecurring(taskCtx context.Context, exec Executor, ec *perpetualtask.ExecutionContext) {
	interval := time.Duration(ec.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	timeout := time.Duration(ec.TimeoutMillis) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.dispatch(taskCtx, exec, ec, timeout)
	for {
		select {
		case <-ticker.C:
			r.dispatch(taskCtx, exec, ec, timeout)
		case <-taskCtx.Done():
			return
		}
	}
}

// dispatch queues the run behind the bounded pool. Cancellation while
// waiting for a slot skips the run; once the guard is entered the run
// completes under its own deadline regardless of taskCtx.
func (r *Reconciler) dispatch(taskCtx context.Context, exec Executor, ec *perpetualtask.ExecutionContext, timeout time.Duration) {
	if err := r.sem.Acquire(taskCtx, 1); err != nil {
		return
	}
	defer r.sem.Release(1)

	r.guard.Run(context.WithoutCancel(taskCtx), exec, ec.TaskID, ec.Params, timeout, time.Now())
}

package delegate

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"taskfleet-controlplane/services/perpetualtask"

	"go.uber.org/zap"
)

// ExecutionGuard bounds a single task run with its timeout, converts every
// failure mode into a structured outcome and reports it as a heartbeat.
// Nothing an executor does may escape the guard or kill the loop.
type ExecutionGuard struct {
	gateway  Gateway
	inFlight atomic.Int64
}

func NewExecutionGuard(gateway Gateway) *ExecutionGuard {
	return &ExecutionGuard{gateway: gateway}
}

// InFlight reports how many executions are currently inside the guard,
// for backpressure and observability upstream.
func (g *ExecutionGuard) InFlight() int64 {
	return g.inFlight.Load()
}

type runResult struct {
	outcome perpetualtask.ExecutionOutcome
	err     error
}

// Run invokes the executor under a deadline of timeout and heartbeats the
// outcome exactly once. A deadline miss yields a 408 outcome, any error or
// panic a 500; in every case the in-flight counter returns to its prior
// value.
func (g *ExecutionGuard) Run(ctx context.Context, exec Executor, taskID string, params map[string]string, timeout time.Duration, now time.Time) perpetualtask.ExecutionOutcome {
	g.inFlight.Add(1)
	defer g.inFlight.Add(-1)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- runResult{err: fmt.Errorf("executor panicked: %v", r)}
			}
		}()
		outcome, err := exec.RunOnce(runCtx, taskID, params, now)
		resultCh <- runResult{outcome: outcome, err: err}
	}()

	var outcome perpetualtask.ExecutionOutcome
	select {
	case res := <-resultCh:
		if res.err != nil {
			outcome = perpetualtask.ExecutionOutcome{
				ResponseCode:    perpetualtask.ResponseInternal,
				ResponseMessage: res.err.Error(),
			}
		} else {
			outcome = res.outcome
		}
	case <-runCtx.Done():
		outcome = perpetualtask.ExecutionOutcome{
			ResponseCode:    perpetualtask.ResponseTimeout,
			ResponseMessage: fmt.Sprintf("execution exceeded %s deadline", timeout),
		}
	}

	// One bounded heartbeat attempt; the next scheduled run re-reports
	// naturally after the task's interval.
	accepted, err := g.gateway.Heartbeat(ctx, taskID, now.UnixMilli(), outcome)
	if err != nil {
		zap.L().Warn("heartbeat delivery failed",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
	} else if !accepted {
		zap.L().Debug("heartbeat rejected by manager", zap.String("task_id", taskID))
	}

	return outcome
}

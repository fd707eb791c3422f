package delegate

import (
	"context"
	"fmt"
	"time"

	"taskfleet-controlplane/pkg/config"
	"taskfleet-controlplane/services/perpetualtask"

	"github.com/go-resty/resty/v2"
)

// httpGateway talks to the manager's HTTP surface.
type httpGateway struct {
	client    *resty.Client
	accountID string
}

// NewGateway builds the manager client from configuration. Every call
// carries a deadline so a wedged manager connection cannot stall the
// reconciliation loop or pin a pool slot.
func NewGateway(cfg *config.Config) Gateway {
	timeout := cfg.Manager.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.Manager.Addr).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &httpGateway{
		client:    client,
		accountID: cfg.Delegate.AccountID,
	}
}

type listTasksResponse struct {
	Tasks []perpetualtask.AssignmentView `json:"tasks"`
}

func (g *httpGateway) ListAssignedTasks(ctx context.Context, delegateID string) ([]perpetualtask.AssignmentView, error) {
	var out listTasksResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParam("account_id", g.accountID).
		SetResult(&out).
		Get(fmt.Sprintf("/v1/delegates/%s/tasks", delegateID))
	if err != nil {
		return nil, fmt.Errorf("list assigned tasks: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("list assigned tasks: manager returned %s", resp.Status())
	}
	return out.Tasks, nil
}

func (g *httpGateway) GetExecutionContext(ctx context.Context, taskID string) (*perpetualtask.ExecutionContext, error) {
	var out perpetualtask.ExecutionContext
	resp, err := g.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/v1/tasks/%s/context", taskID))
	if err != nil {
		return nil, fmt.Errorf("get execution context: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get execution context: manager returned %s", resp.Status())
	}
	return &out, nil
}

type heartbeatRequest struct {
	Timestamp int64                          `json:"timestamp"`
	Outcome   perpetualtask.ExecutionOutcome `json:"outcome"`
}

type heartbeatResponse struct {
	Accepted bool `json:"accepted"`
}

func (g *httpGateway) Heartbeat(ctx context.Context, taskID string, timestamp int64, outcome perpetualtask.ExecutionOutcome) (bool, error) {
	var out heartbeatResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(heartbeatRequest{Timestamp: timestamp, Outcome: outcome}).
		SetResult(&out).
		Post(fmt.Sprintf("/v1/tasks/%s/heartbeat", taskID))
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	if resp.IsError() {
		return false, fmt.Errorf("heartbeat: manager returned %s", resp.Status())
	}
	return out.Accepted, nil
}

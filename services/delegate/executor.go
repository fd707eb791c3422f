package delegate

import (
	"context"
	"fmt"
	"time"

	"taskfleet-controlplane/services/perpetualtask"

	"github.com/go-resty/resty/v2"
)

// Executor is the plugin contract every task type implements. RunOnce must
// return a failure outcome for expected failure modes instead of an error;
// Cleanup is a best-effort release of out-of-process resources.
type Executor interface {
	RunOnce(ctx context.Context, taskID string, params map[string]string, now time.Time) (perpetualtask.ExecutionOutcome, error)
	Cleanup(taskID string, params map[string]string) bool
}

// Registry resolves executors by task type. It is populated once at
// startup and injected wherever dispatch happens; there are no ambient
// globals.
type Registry struct {
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

func (r *Registry) Register(taskType string, e Executor) {
	r.executors[taskType] = e
}

func (r *Registry) Resolve(taskType string) (Executor, bool) {
	e, ok := r.executors[taskType]
	return e, ok
}

// TaskTypeHTTPProbe polls an HTTP endpoint and reports its status. It
// stands in for the fleet of provider-specific poll executors.
const TaskTypeHTTPProbe = "http_probe"

type httpProbeExecutor struct {
	client *resty.Client
}

func NewHTTPProbeExecutor(client *resty.Client) Executor {
	return &httpProbeExecutor{client: client}
}

func (e *httpProbeExecutor) RunOnce(ctx context.Context, taskID string, params map[string]string, now time.Time) (perpetualtask.ExecutionOutcome, error) {
	url := params["url"]
	if url == "" {
		return perpetualtask.ExecutionOutcome{
			ResponseCode:    perpetualtask.ResponseInternal,
			ResponseMessage: "missing url param",
		}, nil
	}

	resp, err := e.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return perpetualtask.ExecutionOutcome{
			ResponseCode:    perpetualtask.ResponseInternal,
			ResponseMessage: fmt.Sprintf("probe failed: %v", err),
		}, nil
	}

	return perpetualtask.ExecutionOutcome{
		ResponseCode:    resp.StatusCode(),
		ResponseMessage: resp.Status(),
	}, nil
}

func (e *httpProbeExecutor) Cleanup(taskID string, params map[string]string) bool {
	return true
}

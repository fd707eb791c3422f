package perpetualtask

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*gin.Engine, *Coordinator) {
	t.Helper()

	coordinator, _ := newTestCoordinator(t)
	assigner := NewAssigner(coordinator.records, coordinator)
	return NewEngine(NewHandler(coordinator, assigner)), coordinator
}

func doJSON(t *testing.T, engine *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestCreateAndHeartbeatOverHTTP(t *testing.T) {
	engine, coordinator := newTestEngine(t)
	ctx := context.Background()

	w := doJSON(t, engine, http.MethodPost, "/v1/tasks", gin.H{
		"task_type":        "instance_sync",
		"account_id":       "acct-1",
		"params":           map[string]string{"cloud": "aws"},
		"interval_seconds": 600,
		"timeout_millis":   180000,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var created struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.TaskID)

	// heartbeat while unassigned is refused, not an error
	w = doJSON(t, engine, http.MethodPost, fmt.Sprintf("/v1/tasks/%s/heartbeat", created.TaskID), gin.H{
		"timestamp": 100,
		"outcome":   gin.H{"response_code": 200},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"accepted":false`)

	require.NoError(t, coordinator.AppointDelegate(ctx, "acct-1", created.TaskID, "delegate-1", 1))

	w = doJSON(t, engine, http.MethodPost, fmt.Sprintf("/v1/tasks/%s/heartbeat", created.TaskID), gin.H{
		"timestamp": 150,
		"outcome":   gin.H{"response_code": 200, "response_message": "ok"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"accepted":true`)
}

func TestDelegatePollAssignsPendingWork(t *testing.T) {
	engine, coordinator := newTestEngine(t)
	ctx := context.Background()

	id, err := coordinator.CreateTask(ctx, basicCreateInput("acct-1"))
	require.NoError(t, err)

	w := doJSON(t, engine, http.MethodGet, "/v1/delegates/delegate-1/tasks?account_id=acct-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Tasks []AssignmentView `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Tasks, 1)
	require.Equal(t, id, resp.Tasks[0].TaskID)

	record, err := coordinator.records.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, TaskAssigned, record.State)
	require.Equal(t, "delegate-1", record.DelegateID)
}

func TestGetExecutionContextResolvesOverride(t *testing.T) {
	engine, coordinator := newTestEngine(t)
	ctx := context.Background()

	id, err := coordinator.CreateTask(ctx, basicCreateInput("acct-1"))
	require.NoError(t, err)
	require.NoError(t, coordinator.SaveScheduleOverride(ctx, "acct-1", "instance_sync", 90000))

	w := doJSON(t, engine, http.MethodGet, fmt.Sprintf("/v1/tasks/%s/context", id), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var ec ExecutionContext
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ec))
	require.Equal(t, int64(90), ec.IntervalSeconds)
	require.Equal(t, int64(180000), ec.TimeoutMillis)
	require.Equal(t, "aws", ec.Params["cloud"])
}

func TestGetExecutionContextNotFound(t *testing.T) {
	engine, _ := newTestEngine(t)

	w := doJSON(t, engine, http.MethodGet, "/v1/tasks/unknown/context", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestBulkRescheduleOverHTTP(t *testing.T) {
	engine, coordinator := newTestEngine(t)
	ctx := context.Background()

	in := basicCreateInput("acct-1")
	in.AllowDuplicates = true
	for i := 0; i < 3; i++ {
		_, err := coordinator.CreateTask(ctx, in)
		require.NoError(t, err)
	}

	w := doJSON(t, engine, http.MethodPost, "/v1/schedules", gin.H{
		"account_id":      "acct-1",
		"task_type":       "instance_sync",
		"interval_millis": 120000,
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"updated":3`)
}

func TestDeleteTaskOverHTTP(t *testing.T) {
	engine, coordinator := newTestEngine(t)
	ctx := context.Background()

	id, err := coordinator.CreateTask(ctx, basicCreateInput("acct-1"))
	require.NoError(t, err)

	w := doJSON(t, engine, http.MethodDelete, fmt.Sprintf("/v1/tasks/%s?account_id=acct-1", id), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, engine, http.MethodDelete, fmt.Sprintf("/v1/tasks/%s?account_id=acct-1", id), nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

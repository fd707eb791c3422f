package perpetualtask

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"taskfleet-controlplane/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	hints [][2]string
}

func (f *fakeBroadcaster) Notify(ctx context.Context, delegateID, accountID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hints = append(f.hints, [2]string{delegateID, accountID})
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeBroadcaster) {
	t.Helper()

	db := testutil.NewTestDB(t, &TaskRecord{}, &ScheduleOverride{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	broadcaster := &fakeBroadcaster{}
	coordinator := NewCoordinator(CoordinatorParams{
		Records:     NewTaskRecordStore(db),
		Overrides:   NewScheduleOverrideStore(db),
		Node:        node,
		Broadcaster: broadcaster,
	})
	return coordinator, broadcaster
}

func basicCreateInput(account string) CreateTaskInput {
	return CreateTaskInput{
		TaskType:  "instance_sync",
		AccountID: account,
		Context: ClientContext{
			Params: map[string]string{"cloud": "aws", "region": "us-east-1"},
		},
		Schedule: ScheduleConfig{IntervalSeconds: 600, TimeoutMillis: 180000},
	}
}

func TestCreateTaskIdempotent(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	ctx := context.Background()

	first, err := coordinator.CreateTask(ctx, basicCreateInput("acct-1"))
	require.NoError(t, err)
	second, err := coordinator.CreateTask(ctx, basicCreateInput("acct-1"))
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestCreateTaskAllowDuplicates(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	ctx := context.Background()

	in := basicCreateInput("acct-1")
	in.AllowDuplicates = true

	first, err := coordinator.CreateTask(ctx, in)
	require.NoError(t, err)
	second, err := coordinator.CreateTask(ctx, in)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestCreateTaskDifferentContextCreatesNewRecord(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	ctx := context.Background()

	first, err := coordinator.CreateTask(ctx, basicCreateInput("acct-1"))
	require.NoError(t, err)

	in := basicCreateInput("acct-1")
	in.Context.Params["region"] = "eu-west-1"
	second, err := coordinator.CreateTask(ctx, in)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestResetTaskMissingRecord(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)

	ok, err := coordinator.ResetTask(context.Background(), "acct-1", "unknown", nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResetTaskReplacesBundle(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	ctx := context.Background()

	id, err := coordinator.CreateTask(ctx, basicCreateInput("acct-1"))
	require.NoError(t, err)
	require.NoError(t, coordinator.AppointDelegate(ctx, "acct-1", id, "delegate-1", 1))

	before, err := coordinator.ExecutionContext(ctx, id)
	require.NoError(t, err)

	ok, err := coordinator.ResetTask(ctx, "acct-1", id, []byte("new-bundle"))
	require.NoError(t, err)
	require.True(t, ok)

	after, err := coordinator.ExecutionContext(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("new-bundle"), after.ExecutionBundle)
	require.Empty(t, after.Params)
	require.Greater(t, after.LastContextUpdated, before.LastContextUpdated)

	record, err := coordinator.records.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, TaskUnassigned, record.State)
	require.Empty(t, record.DelegateID)
}

func TestResetTaskKeepsParamsWithoutBundle(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	ctx := context.Background()

	id, err := coordinator.CreateTask(ctx, basicCreateInput("acct-1"))
	require.NoError(t, err)

	ok, err := coordinator.ResetTask(ctx, "acct-1", id, nil)
	require.NoError(t, err)
	require.True(t, ok)

	ec, err := coordinator.ExecutionContext(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "aws", ec.Params["cloud"])
}

func TestUpdateTasksScheduleScoping(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	ctx := context.Background()

	var matching []string
	for i := 0; i < 10; i++ {
		in := basicCreateInput("acct-A")
		in.AllowDuplicates = true
		id, err := coordinator.CreateTask(ctx, in)
		require.NoError(t, err)
		require.NoError(t, coordinator.AppointDelegate(ctx, "acct-A", id, "delegate-1", 1))
		matching = append(matching, id)
	}

	var others []string
	for i := 0; i < 5; i++ {
		in := basicCreateInput("acct-B")
		in.AllowDuplicates = true
		id, err := coordinator.CreateTask(ctx, in)
		require.NoError(t, err)
		others = append(others, id)
	}
	for i := 0; i < 5; i++ {
		in := basicCreateInput("acct-A")
		in.TaskType = "workflow_poll"
		in.AllowDuplicates = true
		id, err := coordinator.CreateTask(ctx, in)
		require.NoError(t, err)
		others = append(others, id)
	}

	count, err := coordinator.UpdateTasksSchedule(ctx, "acct-A", "instance_sync", 120000)
	require.NoError(t, err)
	require.Equal(t, int64(10), count)

	for _, id := range matching {
		record, err := coordinator.records.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, int64(120), record.IntervalSeconds)
		require.Equal(t, TaskUnassigned, record.State)
	}
	for _, id := range others {
		record, err := coordinator.records.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, int64(600), record.IntervalSeconds)
	}
}

func TestHeartbeatRejectedWhileUnassigned(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	ctx := context.Background()

	id, err := coordinator.CreateTask(ctx, basicCreateInput("acct-1"))
	require.NoError(t, err)

	accepted, err := coordinator.TriggerCallback(ctx, id, 100, ExecutionOutcome{ResponseCode: ResponseOK})
	require.NoError(t, err)
	require.False(t, accepted)

	record, err := coordinator.records.Get(ctx, id)
	require.NoError(t, err)
	require.Zero(t, record.LastHeartbeatAt)
}

func TestHeartbeatMonotonic(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	ctx := context.Background()

	id, err := coordinator.CreateTask(ctx, basicCreateInput("acct-1"))
	require.NoError(t, err)
	require.NoError(t, coordinator.AppointDelegate(ctx, "acct-1", id, "delegate-1", 1))

	accepted, err := coordinator.TriggerCallback(ctx, id, 100, ExecutionOutcome{ResponseCode: ResponseOK})
	require.NoError(t, err)
	require.True(t, accepted)

	accepted, err = coordinator.TriggerCallback(ctx, id, 200, ExecutionOutcome{ResponseCode: ResponseOK})
	require.NoError(t, err)
	require.True(t, accepted)

	// replay with an older timestamp must be a no-op
	accepted, err = coordinator.TriggerCallback(ctx, id, 150, ExecutionOutcome{ResponseCode: ResponseInternal})
	require.NoError(t, err)
	require.False(t, accepted)

	// equal timestamp is rejected too
	accepted, err = coordinator.TriggerCallback(ctx, id, 200, ExecutionOutcome{ResponseCode: ResponseInternal})
	require.NoError(t, err)
	require.False(t, accepted)

	record, err := coordinator.records.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(200), record.LastHeartbeatAt)
	require.Equal(t, ResponseOK, record.ResponseCode)
}

func TestHeartbeatUnknownTask(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)

	accepted, err := coordinator.TriggerCallback(context.Background(), "missing", 100, ExecutionOutcome{})
	require.NoError(t, err)
	require.False(t, accepted)
}

func TestTaskIntervalOverridePrecedence(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	ctx := context.Background()

	schedule := ScheduleConfig{IntervalSeconds: 600}

	interval, err := coordinator.TaskInterval(ctx, schedule, "acct-1", "instance_sync")
	require.NoError(t, err)
	require.Equal(t, int64(600), interval)

	require.NoError(t, coordinator.SaveScheduleOverride(ctx, "acct-1", "instance_sync", 90000))
	interval, err = coordinator.TaskInterval(ctx, schedule, "acct-1", "instance_sync")
	require.NoError(t, err)
	require.Equal(t, int64(90), interval)

	// a second save replaces the interval rather than duplicating the key
	require.NoError(t, coordinator.SaveScheduleOverride(ctx, "acct-1", "instance_sync", 30000))
	interval, err = coordinator.TaskInterval(ctx, schedule, "acct-1", "instance_sync")
	require.NoError(t, err)
	require.Equal(t, int64(30), interval)

	// other accounts keep the embedded schedule
	interval, err = coordinator.TaskInterval(ctx, schedule, "acct-2", "instance_sync")
	require.NoError(t, err)
	require.Equal(t, int64(600), interval)
}

func TestAppointDelegateObserversAndBroadcast(t *testing.T) {
	coordinator, broadcaster := newTestCoordinator(t)
	ctx := context.Background()

	var observed [][3]string
	coordinator.RegisterObserver(func(accountID, taskID, delegateID string) {
		observed = append(observed, [3]string{accountID, taskID, delegateID})
	})

	id, err := coordinator.CreateTask(ctx, basicCreateInput("acct-1"))
	require.NoError(t, err)

	require.NoError(t, coordinator.AppointDelegate(ctx, "acct-1", id, "delegate-1", 7))
	require.NoError(t, coordinator.AppointDelegate(ctx, "acct-1", id, "delegate-2", 7))

	require.Len(t, observed, 2)
	require.Equal(t, [3]string{"acct-1", id, "delegate-1"}, observed[0])
	require.Equal(t, [3]string{"acct-1", id, "delegate-2"}, observed[1])

	// one pending entry per (delegate, account) pair
	require.Equal(t, 2, coordinator.PendingBroadcasts())

	coordinator.BroadcastToDelegates(ctx)
	require.Equal(t, 0, coordinator.PendingBroadcasts())

	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	require.Len(t, broadcaster.hints, 2)
}

func TestBroadcastWithoutBroadcasterKeepsPending(t *testing.T) {
	db := testutil.NewTestDB(t, &TaskRecord{}, &ScheduleOverride{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	coordinator := NewCoordinator(CoordinatorParams{
		Records:   NewTaskRecordStore(db),
		Overrides: NewScheduleOverrideStore(db),
		Node:      node,
	})
	ctx := context.Background()

	id, err := coordinator.CreateTask(ctx, basicCreateInput("acct-1"))
	require.NoError(t, err)
	require.NoError(t, coordinator.AppointDelegate(ctx, "acct-1", id, "delegate-1", 1))

	coordinator.BroadcastToDelegates(ctx)
	require.Equal(t, 1, coordinator.PendingBroadcasts())
}

func TestListAssignments(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	ctx := context.Background()

	var want []string
	for i := 0; i < 3; i++ {
		in := basicCreateInput("acct-1")
		in.Context.Params["n"] = fmt.Sprint(i)
		id, err := coordinator.CreateTask(ctx, in)
		require.NoError(t, err)
		require.NoError(t, coordinator.AppointDelegate(ctx, "acct-1", id, "delegate-1", int64(i)))
		want = append(want, id)
	}

	// a task owned by someone else must not show up
	other, err := coordinator.CreateTask(ctx, basicCreateInput("acct-2"))
	require.NoError(t, err)
	require.NoError(t, coordinator.AppointDelegate(ctx, "acct-2", other, "delegate-2", 0))

	views, err := coordinator.ListAssignments(ctx, "delegate-1")
	require.NoError(t, err)
	require.Len(t, views, 3)
	ids := make(map[string]bool)
	for _, v := range views {
		ids[v.TaskID] = true
	}
	for _, id := range want {
		require.True(t, ids[id])
	}
}

func TestEndToEndAssignmentScenario(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	ctx := context.Background()

	id, err := coordinator.CreateTask(ctx, CreateTaskInput{
		TaskType:  "instance_sync",
		AccountID: "A1",
		Context:   ClientContext{Params: map[string]string{"cloud": "aws"}},
		Schedule:  ScheduleConfig{IntervalSeconds: 600, TimeoutMillis: 180000},
	})
	require.NoError(t, err)

	// heartbeat before appointment is rejected
	accepted, err := coordinator.TriggerCallback(ctx, id, 50, ExecutionOutcome{ResponseCode: ResponseOK})
	require.NoError(t, err)
	require.False(t, accepted)

	require.NoError(t, coordinator.AppointDelegate(ctx, "A1", id, "D1", 100))

	accepted, err = coordinator.TriggerCallback(ctx, id, 150, ExecutionOutcome{ResponseCode: ResponseOK})
	require.NoError(t, err)
	require.True(t, accepted)

	record, err := coordinator.records.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(150), record.LastHeartbeatAt)
	require.Equal(t, "D1", record.DelegateID)

	// out-of-order delivery is a no-op
	accepted, err = coordinator.TriggerCallback(ctx, id, 120, ExecutionOutcome{ResponseCode: ResponseOK})
	require.NoError(t, err)
	require.False(t, accepted)

	record, err = coordinator.records.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(150), record.LastHeartbeatAt)
}

func TestDeleteTask(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	ctx := context.Background()

	id, err := coordinator.CreateTask(ctx, basicCreateInput("acct-1"))
	require.NoError(t, err)

	deleted, err := coordinator.DeleteTask(ctx, "acct-1", id)
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = coordinator.DeleteTask(ctx, "acct-1", id)
	require.NoError(t, err)
	require.False(t, deleted)
}

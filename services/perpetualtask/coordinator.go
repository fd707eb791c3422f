package perpetualtask

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gorm.io/datatypes"
)

// AssignmentObserver is notified whenever a task changes owner.
type AssignmentObserver func(accountID, taskID, delegateID string)

// Broadcaster pushes a best-effort "assignment changed" hint to a delegate.
// Failures only cost latency; the delegate poll loop remains authoritative.
type Broadcaster interface {
	Notify(ctx context.Context, delegateID, accountID string)
}

type broadcastKey struct {
	DelegateID string
	AccountID  string
}

// Coordinator owns the manager-side task lifecycle: creation, delegate
// assignment, heartbeat acceptance and the pending wake-up broadcast set.
type Coordinator struct {
	records     TaskRecordStore
	overrides   ScheduleOverrideStore
	node        *snowflake.Node
	broadcaster Broadcaster

	mu        sync.Mutex
	observers []AssignmentObserver
	pending   map[broadcastKey]struct{}
}

type CoordinatorParams struct {
	fx.In
	Records     TaskRecordStore
	Overrides   ScheduleOverrideStore
	Node        *snowflake.Node
	Broadcaster Broadcaster `optional:"true"`
}

func NewCoordinator(p CoordinatorParams) *Coordinator {
	return &Coordinator{
		records:     p.Records,
		overrides:   p.Overrides,
		node:        p.Node,
		broadcaster: p.Broadcaster,
		pending:     make(map[broadcastKey]struct{}),
	}
}

// RegisterObserver adds an assignment-changed callback. Observers run
// synchronously inside AppointDelegate.
func (c *Coordinator) RegisterObserver(fn AssignmentObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

type CreateTaskInput struct {
	TaskType        string
	AccountID       string
	Context         ClientContext
	Schedule        ScheduleConfig
	AllowDuplicates bool
	Description     string
}

// CreateTask registers a recurring job and returns its id. With
// AllowDuplicates false an existing record with an equivalent
// (account, type, context) signature is returned unchanged.
func (c *Coordinator) CreateTask(ctx context.Context, in CreateTaskInput) (string, error) {
	if !in.AllowDuplicates {
		existing, err := c.records.FindByAccountAndType(ctx, in.AccountID, in.TaskType)
		if err != nil {
			zap.L().Error("failed to look up existing tasks",
				zap.String("account_id", in.AccountID),
				zap.String("task_type", in.TaskType),
				zap.Error(err),
			)
			return "", status.Error(codes.Internal, "failed to look up existing tasks")
		}
		for _, record := range existing {
			if in.Context.matches(record) {
				return record.ID, nil
			}
		}
	}

	record := &TaskRecord{
		ID:                 c.node.Generate().String(),
		AccountID:          in.AccountID,
		TaskType:           in.TaskType,
		Description:        in.Description,
		ExecutionBundle:    in.Context.ExecutionBundle,
		LastContextUpdated: time.Now().UnixMilli(),
		IntervalSeconds:    in.Schedule.IntervalSeconds,
		TimeoutMillis:      in.Schedule.TimeoutMillis,
		State:              TaskUnassigned,
	}
	if len(in.Context.Params) > 0 {
		payload, err := json.Marshal(in.Context.Params)
		if err != nil {
			return "", status.Error(codes.InvalidArgument, "invalid client params")
		}
		record.ClientParams = datatypes.JSON(payload)
	}

	if err := c.records.Create(ctx, record); err != nil {
		zap.L().Error("failed to create task record", zap.Error(err))
		return "", status.Error(codes.Internal, "failed to create task record")
	}

	zap.L().Info("created perpetual task",
		zap.String("task_id", record.ID),
		zap.String("account_id", in.AccountID),
		zap.String("task_type", in.TaskType),
	)
	return record.ID, nil
}

// ResetTask forces a record back to UNASSIGNED. A non-nil bundle replaces
// the stored client context verbatim and bumps the context version;
// otherwise the existing params are left untouched. Returns false when the
// record does not exist.
func (c *Coordinator) ResetTask(ctx context.Context, accountID, id string, bundle []byte) (bool, error) {
	record, err := c.records.Get(ctx, id)
	if err != nil {
		return false, status.Error(codes.Internal, "failed to load task record")
	}
	if record == nil || record.AccountID != accountID {
		return false, nil
	}

	record.State = TaskUnassigned
	record.DelegateID = ""
	if bundle != nil {
		record.ClientParams = nil
		record.ExecutionBundle = bundle
		record.LastContextUpdated = time.Now().UnixMilli()
	}

	if err := c.records.Save(ctx, record); err != nil {
		zap.L().Error("failed to reset task", zap.String("task_id", id), zap.Error(err))
		return false, status.Error(codes.Internal, "failed to reset task")
	}
	return true, nil
}

// DeleteTask removes a record entirely.
func (c *Coordinator) DeleteTask(ctx context.Context, accountID, id string) (bool, error) {
	deleted, err := c.records.Delete(ctx, accountID, id)
	if err != nil {
		return false, status.Error(codes.Internal, "failed to delete task")
	}
	return deleted, nil
}

// UpdateTasksSchedule bulk-sets the interval on every record matching
// (account, type) and forces them UNASSIGNED so the next reconciliation
// picks the new interval up. Returns the number of records mutated.
func (c *Coordinator) UpdateTasksSchedule(ctx context.Context, accountID, taskType string, intervalMillis int64) (int64, error) {
	count, err := c.records.BulkReschedule(ctx, accountID, taskType, intervalMillis/1000)
	if err != nil {
		zap.L().Error("failed to bulk reschedule",
			zap.String("account_id", accountID),
			zap.String("task_type", taskType),
			zap.Error(err),
		)
		return 0, status.Error(codes.Internal, "failed to bulk reschedule")
	}
	return count, nil
}

// TaskInterval resolves the effective interval in seconds: a per
// (account, type) override wins over the schedule embedded in the record.
func (c *Coordinator) TaskInterval(ctx context.Context, schedule ScheduleConfig, accountID, taskType string) (int64, error) {
	override, err := c.overrides.Get(ctx, accountID, taskType)
	if err != nil {
		return 0, status.Error(codes.Internal, "failed to load schedule override")
	}
	if override != nil {
		return override.IntervalMillis / 1000, nil
	}
	return schedule.IntervalSeconds, nil
}

// SaveScheduleOverride upserts the override for (account, type).
func (c *Coordinator) SaveScheduleOverride(ctx context.Context, accountID, taskType string, intervalMillis int64) error {
	if err := c.overrides.Upsert(ctx, accountID, taskType, intervalMillis); err != nil {
		return status.Error(codes.Internal, "failed to save schedule override")
	}
	return nil
}

// AppointDelegate hands a task to a delegate: state moves to ASSIGNED, the
// owner and context version are stamped, observers fire, and a wake-up
// broadcast entry is queued for the delegate. Entries accumulate per
// (delegate, account) pair; repeated appointments to different delegates
// each add their own.
func (c *Coordinator) AppointDelegate(ctx context.Context, accountID, id, delegateID string, contextVersion int64) error {
	record, err := c.records.Get(ctx, id)
	if err != nil {
		return status.Error(codes.Internal, "failed to load task record")
	}
	if record == nil || record.AccountID != accountID {
		return status.Error(codes.NotFound, "task record not found")
	}

	record.State = TaskAssigned
	record.DelegateID = delegateID
	record.LastContextUpdated = contextVersion
	if err := c.records.Save(ctx, record); err != nil {
		zap.L().Error("failed to appoint delegate",
			zap.String("task_id", id),
			zap.String("delegate_id", delegateID),
			zap.Error(err),
		)
		return status.Error(codes.Internal, "failed to appoint delegate")
	}

	c.mu.Lock()
	observers := make([]AssignmentObserver, len(c.observers))
	copy(observers, c.observers)
	c.pending[broadcastKey{DelegateID: delegateID, AccountID: accountID}] = struct{}{}
	c.mu.Unlock()

	for _, fn := range observers {
		fn(accountID, id, delegateID)
	}

	zap.L().Info("appointed delegate",
		zap.String("task_id", id),
		zap.String("delegate_id", delegateID),
		zap.Int64("context_version", contextVersion),
	)
	return nil
}

// TriggerCallback records one execution heartbeat. It refuses heartbeats
// for records that are not ASSIGNED (a delegate that has since lost the
// task must not resurrect it) and heartbeats whose timestamp is not
// strictly greater than the stored one.
func (c *Coordinator) TriggerCallback(ctx context.Context, id string, heartbeatAt int64, outcome ExecutionOutcome) (bool, error) {
	record, err := c.records.Get(ctx, id)
	if err != nil {
		return false, status.Error(codes.Internal, "failed to load task record")
	}
	if record == nil {
		return false, nil
	}
	if record.State != TaskAssigned {
		return false, nil
	}
	if heartbeatAt <= record.LastHeartbeatAt {
		return false, nil
	}

	record.LastHeartbeatAt = heartbeatAt
	record.ResponseCode = outcome.ResponseCode
	record.ResponseMessage = outcome.ResponseMessage
	record.ResponsePayload = outcome.Payload
	if err := c.records.Save(ctx, record); err != nil {
		zap.L().Error("failed to record heartbeat", zap.String("task_id", id), zap.Error(err))
		return false, status.Error(codes.Internal, "failed to record heartbeat")
	}
	return true, nil
}

// ListAssignments returns the desired assignment set for a delegate.
func (c *Coordinator) ListAssignments(ctx context.Context, delegateID string) ([]AssignmentView, error) {
	records, err := c.records.FindAssigned(ctx, delegateID)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to list assignments")
	}
	views := make([]AssignmentView, 0, len(records))
	for _, record := range records {
		views = append(views, AssignmentView{
			TaskID:             record.ID,
			LastContextUpdated: record.LastContextUpdated,
		})
	}
	return views, nil
}

// ExecutionContext loads the full run context for a task, with the
// interval already resolved against any schedule override.
func (c *Coordinator) ExecutionContext(ctx context.Context, taskID string) (*ExecutionContext, error) {
	record, err := c.records.Get(ctx, taskID)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to load task record")
	}
	if record == nil {
		return nil, status.Error(codes.NotFound, "task record not found")
	}

	interval, err := c.TaskInterval(ctx, ScheduleConfig{
		IntervalSeconds: record.IntervalSeconds,
		TimeoutMillis:   record.TimeoutMillis,
	}, record.AccountID, record.TaskType)
	if err != nil {
		return nil, err
	}

	out := &ExecutionContext{
		TaskID:             record.ID,
		TaskType:           record.TaskType,
		ExecutionBundle:    record.ExecutionBundle,
		IntervalSeconds:    interval,
		TimeoutMillis:      record.TimeoutMillis,
		LastContextUpdated: record.LastContextUpdated,
	}
	if len(record.ClientParams) > 0 {
		if err := json.Unmarshal(record.ClientParams, &out.Params); err != nil {
			return nil, status.Error(codes.Internal, "corrupt client params")
		}
	}
	return out, nil
}

// ListTasks exposes records per account and type for the admin surface.
func (c *Coordinator) ListTasks(ctx context.Context, accountID, taskType string) ([]*TaskRecord, error) {
	records, err := c.records.FindByAccountAndType(ctx, accountID, taskType)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to list tasks")
	}
	return records, nil
}

// BroadcastToDelegates drains the pending set and pushes a wake-up hint
// for each (delegate, account) pair. Best effort only. Without a wired
// broadcaster the set is left intact so hints survive until one exists.
func (c *Coordinator) BroadcastToDelegates(ctx context.Context) {
	if c.broadcaster == nil {
		return
	}

	c.mu.Lock()
	drained := c.pending
	c.pending = make(map[broadcastKey]struct{})
	c.mu.Unlock()

	if len(drained) == 0 {
		return
	}
	for key := range drained {
		c.broadcaster.Notify(ctx, key.DelegateID, key.AccountID)
	}
}

// PendingBroadcasts reports the number of queued wake-up entries.
func (c *Coordinator) PendingBroadcasts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

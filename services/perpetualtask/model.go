package perpetualtask

import (
	"bytes"
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// TaskState tracks whether a record currently has an owning delegate.
type TaskState string

var (
	TaskUnassigned TaskState = "UNASSIGNED"
	TaskAssigned   TaskState = "ASSIGNED"
)

func (s TaskState) String() string {
	switch s {
	case TaskUnassigned, TaskAssigned:
		return string(s)
	default:
		return ""
	}
}

// Well-known response codes carried on heartbeats. Timeout and internal
// outcomes are synthesized by the delegate-side execution guard.
const (
	ResponseOK       = 200
	ResponseTimeout  = 408
	ResponseInternal = 500
)

// TaskRecord is one recurring job. Exactly one of ClientParams or
// ExecutionBundle carries the client context; LastContextUpdated is bumped
// whenever either changes so delegates can detect a restart is needed.
type TaskRecord struct {
	ID          string `gorm:"column:id;primaryKey;type:char(26)"`
	AccountID   string `gorm:"column:account_id;index:idx_account_task_type;not null"`
	TaskType    string `gorm:"column:task_type;index:idx_account_task_type;not null"`
	Description string `gorm:"column:description;type:text"`

	ClientParams       datatypes.JSON `gorm:"column:client_params"`
	ExecutionBundle    []byte         `gorm:"column:execution_bundle"`
	LastContextUpdated int64          `gorm:"column:last_context_updated"`

	IntervalSeconds int64 `gorm:"column:interval_seconds"`
	TimeoutMillis   int64 `gorm:"column:timeout_millis"`

	State      TaskState `gorm:"column:state;type:varchar(20);default:'UNASSIGNED';index"`
	DelegateID string    `gorm:"column:delegate_id;index"`

	LastHeartbeatAt int64  `gorm:"column:last_heartbeat_at"`
	ResponseCode    int    `gorm:"column:response_code"`
	ResponseMessage string `gorm:"column:response_message;type:text"`
	ResponsePayload []byte `gorm:"column:response_payload"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (TaskRecord) TableName() string {
	return "perpetual_task_records"
}

// ScheduleOverride is a per (account, task type) interval that takes
// precedence over the interval stored on individual records. Saving the
// same key again replaces the interval.
type ScheduleOverride struct {
	AccountID      string    `gorm:"column:account_id;primaryKey"`
	TaskType       string    `gorm:"column:task_type;primaryKey"`
	IntervalMillis int64     `gorm:"column:interval_millis;not null"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

func (ScheduleOverride) TableName() string {
	return "perpetual_task_schedule_overrides"
}

// ScheduleConfig is the per-task schedule supplied at creation time.
type ScheduleConfig struct {
	IntervalSeconds int64 `json:"interval_seconds"`
	TimeoutMillis   int64 `json:"timeout_millis"`
}

// ClientContext carries either free-form string params or an opaque
// pre-serialized bundle; a given executor consumes exactly one of the two.
type ClientContext struct {
	Params          map[string]string `json:"params,omitempty"`
	ExecutionBundle []byte            `json:"execution_bundle,omitempty"`
}

// matches reports whether the stored record carries an equivalent client
// context, used for idempotent create.
func (c ClientContext) matches(r *TaskRecord) bool {
	if len(c.ExecutionBundle) > 0 || len(r.ExecutionBundle) > 0 {
		return bytes.Equal(c.ExecutionBundle, r.ExecutionBundle)
	}
	// json.Marshal sorts map keys, so byte comparison is canonical.
	want, err := json.Marshal(c.Params)
	if err != nil {
		return false
	}
	if len(r.ClientParams) == 0 {
		return len(c.Params) == 0
	}
	var stored map[string]string
	if err := json.Unmarshal(r.ClientParams, &stored); err != nil {
		return false
	}
	got, _ := json.Marshal(stored)
	return bytes.Equal(want, got)
}

// AssignmentView is the desired-state pair exposed to a delegate: which
// tasks it owns and at which context version.
type AssignmentView struct {
	TaskID             string `json:"task_id"`
	LastContextUpdated int64  `json:"last_context_updated"`
}

// ExecutionOutcome is the result of one execution, relayed verbatim as the
// heartbeat body.
type ExecutionOutcome struct {
	ResponseCode    int    `json:"response_code"`
	ResponseMessage string `json:"response_message,omitempty"`
	Payload         []byte `json:"payload,omitempty"`
}

// ExecutionContext is everything a delegate needs to run a task. The
// interval is already resolved against any schedule override.
type ExecutionContext struct {
	TaskID             string            `json:"task_id"`
	TaskType           string            `json:"task_type"`
	Params             map[string]string `json:"params,omitempty"`
	ExecutionBundle    []byte            `json:"execution_bundle,omitempty"`
	IntervalSeconds    int64             `json:"interval_seconds"`
	TimeoutMillis      int64             `json:"timeout_millis"`
	LastContextUpdated int64             `json:"last_context_updated"`
}

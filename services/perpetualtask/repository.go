package perpetualtask

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// TaskRecordStore is the durable keyed storage contract for task records.
type TaskRecordStore interface {
	Get(ctx context.Context, id string) (*TaskRecord, error)
	Create(ctx context.Context, record *TaskRecord) error
	Save(ctx context.Context, record *TaskRecord) error
	Delete(ctx context.Context, accountID, id string) (bool, error)
	FindByAccountAndType(ctx context.Context, accountID, taskType string) ([]*TaskRecord, error)
	FindAssigned(ctx context.Context, delegateID string) ([]*TaskRecord, error)
	FindByState(ctx context.Context, accountID string, state TaskState) ([]*TaskRecord, error)
	// BulkReschedule sets the interval and forces UNASSIGNED on every record
	// matching (accountID, taskType); returns the number mutated.
	BulkReschedule(ctx context.Context, accountID, taskType string, intervalSeconds int64) (int64, error)
	// FindStaleAssigned returns ASSIGNED records whose last heartbeat is
	// older than the cutoff (unix millis). Records that never heartbeated
	// are judged by their update time instead.
	FindStaleAssigned(ctx context.Context, cutoffMillis int64) ([]*TaskRecord, error)
}

// ScheduleOverrideStore holds per (account, task type) interval overrides.
type ScheduleOverrideStore interface {
	Get(ctx context.Context, accountID, taskType string) (*ScheduleOverride, error)
	Upsert(ctx context.Context, accountID, taskType string, intervalMillis int64) error
}

type taskRecordStore struct {
	db *gorm.DB
}

// NewTaskRecordStore returns the gorm-backed task record store.
func NewTaskRecordStore(db *gorm.DB) TaskRecordStore {
	return &taskRecordStore{db: db}
}

func (s *taskRecordStore) Get(ctx context.Context, id string) (*TaskRecord, error) {
	var record TaskRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (s *taskRecordStore) Create(ctx context.Context, record *TaskRecord) error {
	return s.db.WithContext(ctx).Create(record).Error
}

func (s *taskRecordStore) Save(ctx context.Context, record *TaskRecord) error {
	return s.db.WithContext(ctx).Save(record).Error
}

func (s *taskRecordStore) Delete(ctx context.Context, accountID, id string) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("account_id = ? AND id = ?", accountID, id).
		Delete(&TaskRecord{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *taskRecordStore) FindByAccountAndType(ctx context.Context, accountID, taskType string) ([]*TaskRecord, error) {
	var records []*TaskRecord
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND task_type = ?", accountID, taskType).
		Find(&records).Error
	return records, err
}

func (s *taskRecordStore) FindAssigned(ctx context.Context, delegateID string) ([]*TaskRecord, error) {
	var records []*TaskRecord
	err := s.db.WithContext(ctx).
		Where("delegate_id = ? AND state = ?", delegateID, TaskAssigned).
		Find(&records).Error
	return records, err
}

func (s *taskRecordStore) FindByState(ctx context.Context, accountID string, state TaskState) ([]*TaskRecord, error) {
	var records []*TaskRecord
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND state = ?", accountID, state).
		Find(&records).Error
	return records, err
}

func (s *taskRecordStore) BulkReschedule(ctx context.Context, accountID, taskType string, intervalSeconds int64) (int64, error) {
	res := s.db.WithContext(ctx).Model(&TaskRecord{}).
		Where("account_id = ? AND task_type = ?", accountID, taskType).
		Updates(map[string]any{
			"interval_seconds": intervalSeconds,
			"state":            TaskUnassigned,
			"delegate_id":      "",
		})
	return res.RowsAffected, res.Error
}

func (s *taskRecordStore) FindStaleAssigned(ctx context.Context, cutoffMillis int64) ([]*TaskRecord, error) {
	var records []*TaskRecord
	err := s.db.WithContext(ctx).
		Where("state = ?", TaskAssigned).
		Where(
			s.db.Where("last_heartbeat_at > 0 AND last_heartbeat_at < ?", cutoffMillis).
				Or("last_heartbeat_at = 0 AND updated_at < ?", millisToTime(cutoffMillis)),
		).
		Find(&records).Error
	return records, err
}

type scheduleOverrideStore struct {
	db *gorm.DB
}

// NewScheduleOverrideStore returns the gorm-backed override store.
func NewScheduleOverrideStore(db *gorm.DB) ScheduleOverrideStore {
	return &scheduleOverrideStore{db: db}
}

func (s *scheduleOverrideStore) Get(ctx context.Context, accountID, taskType string) (*ScheduleOverride, error) {
	var override ScheduleOverride
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND task_type = ?", accountID, taskType).
		First(&override).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &override, nil
}

// Upsert replaces the interval for an existing key rather than creating a
// second row.
func (s *scheduleOverrideStore) Upsert(ctx context.Context, accountID, taskType string, intervalMillis int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ScheduleOverride{}).
			Where("account_id = ? AND task_type = ?", accountID, taskType).
			Update("interval_millis", intervalMillis)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
		return tx.Create(&ScheduleOverride{
			AccountID:      accountID,
			TaskType:       taskType,
			IntervalMillis: intervalMillis,
		}).Error
	})
}

package perpetualtask

import (
	"context"

	"go.uber.org/zap"
)

// Assigner hands UNASSIGNED records to delegates as they poll. Manual
// AppointDelegate stays the primary API; this keeps the fleet converging
// without operator involvement when delegates come and go.
type Assigner struct {
	records     TaskRecordStore
	coordinator *Coordinator
}

func NewAssigner(records TaskRecordStore, coordinator *Coordinator) *Assigner {
	return &Assigner{records: records, coordinator: coordinator}
}

// AssignPending appoints every UNASSIGNED record in the account to the
// polling delegate. Individual appointment failures are logged and skipped
// so one bad record cannot block the rest.
func (a *Assigner) AssignPending(ctx context.Context, accountID, delegateID string) int {
	records, err := a.records.FindByState(ctx, accountID, TaskUnassigned)
	if err != nil {
		zap.L().Error("failed to list unassigned tasks",
			zap.String("account_id", accountID),
			zap.Error(err),
		)
		return 0
	}

	assigned := 0
	for _, record := range records {
		if err := a.coordinator.AppointDelegate(ctx, accountID, record.ID, delegateID, record.LastContextUpdated); err != nil {
			zap.L().Warn("failed to assign pending task",
				zap.String("task_id", record.ID),
				zap.String("delegate_id", delegateID),
				zap.Error(err),
			)
			continue
		}
		assigned++
	}
	return assigned
}

package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBalanceReconcile sweeps cached supplier balances against recomputed figures.
	TaskBalanceReconcile = "ledger:reconcile_balances"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "shared:idempotency_cleanup"
)

// BalanceReconcilePayload contains options for the reconciliation sweep.
type BalanceReconcilePayload struct {
	Repair bool `json:"repair"`
}

// NewBalanceReconcileTask builds a reconciliation sweep task.
func NewBalanceReconcileTask(repair bool) (*asynq.Task, error) {
	body, err := json.Marshal(BalanceReconcilePayload{Repair: repair})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBalanceReconcile, body, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload sets the retention window in hours.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask builds a cleanup task.
func NewIdempotencyCleanupTask(retentionHours int) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: retentionHours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}

package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSignaturePacketSweep expires open signature packets past their deadline.
	TaskSignaturePacketSweep = "signatures:packet_sweep"
	// TaskIdempotencyCleanup prunes idempotency keys past retention.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// SignaturePacketSweepPayload bounds one sweep run.
type SignaturePacketSweepPayload struct {
	Limit int `json:"limit"`
}

// NewSignaturePacketSweepTask constructs an Asynq task.
func NewSignaturePacketSweepTask(payload SignaturePacketSweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSignaturePacketSweep, data), nil
}

// NewIdempotencyCleanupTask constructs an Asynq task.
func NewIdempotencyCleanupTask() (*asynq.Task, error) {
	return asynq.NewTask(TaskIdempotencyCleanup, nil), nil
}

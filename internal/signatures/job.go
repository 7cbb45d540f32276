package signatures

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sagepath/sagepath/jobs"
)

// SweepJob processes packet expiry sweep tasks.
type SweepJob struct {
	service *Service
	logger  *slog.Logger
	expired prometheus.Counter
}

// NewSweepJob constructs a job handler.
func NewSweepJob(service *Service, logger *slog.Logger, expired prometheus.Counter) *SweepJob {
	return &SweepJob{service: service, logger: logger, expired: expired}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *SweepJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload jobs.SignaturePacketSweepPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	count, err := j.service.ExpireDue(ctx, payload.Limit)
	if count > 0 && j.expired != nil {
		j.expired.Add(float64(count))
	}
	if err != nil {
		if j.logger != nil {
			j.logger.Error("packet sweep", slog.Int("expired", count), slog.Any("error", err))
		}
		return err
	}
	if j.logger != nil {
		j.logger.Info("packet sweep", slog.Int("expired", count))
	}
	return nil
}

package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/vantage-erp/vantage-erp/internal/jobs"
	"github.com/vantage-erp/vantage-erp/internal/shared"
)

// IdempotencyCleaner prunes processed idempotency keys past retention.
type IdempotencyCleaner struct {
	store   *shared.IdempotencyStore
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
}

// NewIdempotencyCleaner wires the cleanup dependencies.
func NewIdempotencyCleaner(store *shared.IdempotencyStore, metrics *jobmetrics.Metrics, logger *slog.Logger) *IdempotencyCleaner {
	return &IdempotencyCleaner{store: store, metrics: metrics, logger: logger}
}

// Handle processes TaskIdempotencyCleanup tasks.
func (c *IdempotencyCleaner) Handle(ctx context.Context, t *asynq.Task) error {
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	retention := time.Duration(payload.RetentionHours) * time.Hour
	if retention <= 0 {
		retention = 72 * time.Hour
	}
	tracker := c.metrics.Track("idempotency_cleanup")
	err := c.store.Cleanup(ctx, retention)
	if err == nil {
		c.logger.Info("idempotency keys pruned", slog.Duration("retention", retention))
	}
	return tracker.End(err)
}

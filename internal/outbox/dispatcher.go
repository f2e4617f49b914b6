package outbox

import (
	"context"
	"log/slog"
	"time"

	"tenant-outbox-engine/internal/models"
	"tenant-outbox-engine/internal/retry"
	"tenant-outbox-engine/internal/telemetry"
)

// Publisher hands a claimed event to the downstream transport. Implementations
// typically enqueue one or more consumer jobs; they may also publish
// synchronously to a bus. Errors trigger the dispatcher's retry path.
type Publisher interface {
	Publish(ctx context.Context, event models.OutboxEvent) error
}

// EventStore is the persistence surface the dispatcher drives. Claim calls
// must hand each row to at most one concurrent caller.
type EventStore interface {
	ClaimPending(ctx context.Context, workerID string, limit int) ([]models.OutboxEvent, error)
	ClaimRetryable(ctx context.Context, workerID string, limit int) ([]models.OutboxEvent, error)
	MarkPublished(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id string, attempts int, nextRetryAt time.Time, errMsg string) error
	MarkFailed(ctx context.Context, id string, attempts int, errMsg string) error
	ReclaimStuck(ctx context.Context, olderThan time.Time) (int, error)
}

// Dispatcher claims pending outbox events, publishes them, and applies the
// retry state machine. Multiple dispatcher instances may run concurrently;
// exclusive claiming keeps them from double-publishing.
type Dispatcher struct {
	store     EventStore
	publisher Publisher
	policy    retry.Policy
	workerID  string
	logger    *slog.Logger
	now       func() time.Time
}

func NewDispatcher(store EventStore, publisher Publisher, policy retry.Policy, workerID string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		policy:    policy,
		workerID:  workerID,
		logger:    logger.With("component", "outbox_dispatcher", "worker_id", workerID),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ProcessPendingEvents claims up to limit due pending events in FIFO order and
// runs each through publish. It returns the number of events processed.
func (d *Dispatcher) ProcessPendingEvents(ctx context.Context, limit int) (int, error) {
	events, err := d.store.ClaimPending(ctx, d.workerID, limit)
	if err != nil {
		return 0, err
	}
	return d.publishBatch(ctx, events), nil
}

// RetryFailedEvents re-attempts transient-failed events whose retry time has
// come, through the same claim/publish/transition path.
func (d *Dispatcher) RetryFailedEvents(ctx context.Context, limit int) (int, error) {
	events, err := d.store.ClaimRetryable(ctx, d.workerID, limit)
	if err != nil {
		return 0, err
	}
	return d.publishBatch(ctx, events), nil
}

// ReclaimStuck frees claims held longer than the visibility timeout, returning
// the rows to pending. This models a worker that crashed mid-publish.
func (d *Dispatcher) ReclaimStuck(ctx context.Context, visibilityTimeout time.Duration) (int, error) {
	n, err := d.store.ReclaimStuck(ctx, d.now().Add(-visibilityTimeout))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		telemetry.EventsReclaimed.Add(float64(n))
		d.logger.Warn("reclaimed stuck outbox claims", "count", n, "visibility_timeout", visibilityTimeout)
	}
	return n, nil
}

func (d *Dispatcher) publishBatch(ctx context.Context, events []models.OutboxEvent) int {
	for _, ev := range events {
		d.publishOne(ctx, ev)
	}
	return len(events)
}

func (d *Dispatcher) publishOne(ctx context.Context, ev models.OutboxEvent) {
	pubErr := d.publisher.Publish(ctx, ev)
	if pubErr == nil {
		if err := d.store.MarkPublished(ctx, ev.ID); err != nil {
			// The claim stays in place; stuck-claim reconciliation returns the
			// row to pending and the event is published again. Consumers
			// dedup on the idempotency key.
			d.logger.Error("mark published failed", "event_id", ev.ID, "error", err)
			return
		}
		telemetry.EventsPublished.Inc()
		return
	}

	attempts := ev.Attempts + 1
	if attempts >= ev.MaxAttempts {
		if err := d.store.MarkFailed(ctx, ev.ID, attempts, pubErr.Error()); err != nil {
			d.logger.Error("mark failed failed", "event_id", ev.ID, "error", err)
			return
		}
		telemetry.EventsFailed.Inc()
		d.logger.Error("outbox event exhausted attempts",
			"event_id", ev.ID,
			"event_type", ev.EventType,
			"tenant_id", ev.Metadata.TenantID,
			"attempts", attempts,
			"error", pubErr.Error(),
		)
		return
	}

	nextRetry := d.now().Add(d.policy.Delay(attempts))
	if err := d.store.MarkRetry(ctx, ev.ID, attempts, nextRetry, pubErr.Error()); err != nil {
		d.logger.Error("mark retry failed", "event_id", ev.ID, "error", err)
		return
	}
	telemetry.EventsRetried.Inc()
	d.logger.Warn("outbox publish failed, retry scheduled",
		"event_id", ev.ID,
		"event_type", ev.EventType,
		"tenant_id", ev.Metadata.TenantID,
		"attempts", attempts,
		"next_retry_at", nextRetry,
		"error", pubErr.Error(),
	)
}

package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tenant-outbox-engine/internal/idempotency"
	"tenant-outbox-engine/internal/models"
)

// Enqueuer is the job transport the publisher feeds. Satisfied by jobqueue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job models.Job) error
}

// JobFactory maps one outbox event to the consumer jobs it fans out to. A
// factory fills Class, Queue, and Payload; the publisher fills the rest.
type JobFactory func(event models.OutboxEvent) ([]models.Job, error)

// QueuePublisher turns claimed outbox events into jobs on the Redis queue.
// An error from any enqueue makes the whole publish fail, and the dispatcher
// retries the event; consumers dedup redelivered jobs by idempotency key.
type QueuePublisher struct {
	queue              Enqueuer
	routes             map[string]JobFactory
	defaultMaxAttempts int
	logger             *slog.Logger
}

func New(queue Enqueuer, defaultMaxAttempts int, logger *slog.Logger) *QueuePublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultMaxAttempts == 0 {
		defaultMaxAttempts = 3
	}
	return &QueuePublisher{
		queue:              queue,
		routes:             make(map[string]JobFactory),
		defaultMaxAttempts: defaultMaxAttempts,
		logger:             logger.With("component", "queue_publisher"),
	}
}

// Route binds a factory to an event type.
func (p *QueuePublisher) Route(eventType string, factory JobFactory) {
	if eventType == "" || factory == nil {
		return
	}
	p.routes[eventType] = factory
}

// Publish fans the event out to jobs. Job identity is derived from the event
// id and class, so republishing the same event overwrites rather than
// duplicates queue envelopes.
func (p *QueuePublisher) Publish(ctx context.Context, event models.OutboxEvent) error {
	factory, ok := p.routes[event.EventType]
	if !ok {
		return fmt.Errorf("no route for event type %q", event.EventType)
	}
	jobs, err := factory(event)
	if err != nil {
		return fmt.Errorf("build jobs for event %s: %w", event.ID, err)
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.ID == "" {
			job.ID = fmt.Sprintf("%s:%s", event.ID, job.Class)
		}
		job.TenantID = event.Metadata.TenantID
		job.UserID = event.Metadata.UserID
		job.CorrelationID = event.Metadata.CorrelationID
		if job.MaxAttempts == 0 {
			job.MaxAttempts = p.defaultMaxAttempts
		}
		if job.IdempotencyKey == "" {
			job.IdempotencyKey = idempotency.Derive(job.TenantID, job.UserID, job.Class, job.Payload)
		}
		job.EnqueuedAt = now

		if err := p.queue.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("enqueue job %s: %w", job.ID, err)
		}
		p.logger.Debug("job enqueued",
			"job_id", job.ID,
			"job_class", job.Class,
			"event_id", event.ID,
			"tenant_id", job.TenantID,
		)
	}
	return nil
}

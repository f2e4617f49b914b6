package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tenant-outbox-engine/internal/idempotency"
	"tenant-outbox-engine/internal/models"
	"tenant-outbox-engine/internal/retry"
	"tenant-outbox-engine/internal/telemetry"
	"tenant-outbox-engine/internal/tenant"
)

// Consumer is one downstream unit of work. Execute receives the decoded,
// validated payload for its job class and must be idempotent: the same
// idempotency key may be delivered more than once.
type Consumer interface {
	Execute(ctx context.Context, payload any) error
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc func(ctx context.Context, payload any) error

func (f ConsumerFunc) Execute(ctx context.Context, payload any) error {
	return f(ctx, payload)
}

// Throttle is the tenant admission check consulted before execution.
type Throttle interface {
	CanDispatch(ctx context.Context, tenantID, queue string) bool
	RecordDispatch(ctx context.Context, tenantID, queue string)
}

// DeadLetterStore receives jobs that exhausted their attempts.
type DeadLetterStore interface {
	MoveToDeadLetter(ctx context.Context, entry models.DeadLetterEntry) error
}

// Rescheduler re-queues a job for a later attempt.
type Rescheduler interface {
	Schedule(ctx context.Context, job models.Job, runAt time.Time) error
}

// Outcome tells the worker loop how to settle the job's lease.
type Outcome int

const (
	// OutcomeCompleted: the job finished (success or dead-lettered); ack it.
	OutcomeCompleted Outcome = iota
	// OutcomeRescheduled: the job was put back on the queue; release the
	// lease but keep the envelope.
	OutcomeRescheduled
)

// Runner wraps consumer execution with tenant scoping, throttle admission,
// idempotency key derivation, and dead-letter escalation.
type Runner struct {
	throttle      Throttle
	deadLetters   DeadLetterStore
	scheduler     Rescheduler
	policy        retry.Policy
	throttleDelay time.Duration
	logger        *slog.Logger
	now           func() time.Time
	consumers     map[string]Consumer
}

func New(throttle Throttle, deadLetters DeadLetterStore, scheduler Rescheduler, policy retry.Policy, throttleDelay time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if throttleDelay == 0 {
		throttleDelay = 60 * time.Second
	}
	return &Runner{
		throttle:      throttle,
		deadLetters:   deadLetters,
		scheduler:     scheduler,
		policy:        policy,
		throttleDelay: throttleDelay,
		logger:        logger.With("component", "job_runner"),
		now:           func() time.Time { return time.Now().UTC() },
		consumers:     make(map[string]Consumer),
	}
}

// Register binds a consumer to a job class.
func (r *Runner) Register(class string, c Consumer) {
	if class == "" || c == nil {
		return
	}
	r.consumers[class] = c
}

// Run executes one job. The tenant scope lives only on the context passed to
// the consumer, so it cannot leak into the next job this worker picks up.
func (r *Runner) Run(ctx context.Context, job models.Job) (Outcome, error) {
	if job.TenantID == "" {
		// Tenant-scoped consumers depend on this for data isolation; a job
		// without a tenant is malformed, not retryable.
		return r.deadLetter(ctx, job, fmt.Errorf("job %s has no tenant id", job.ID))
	}

	key := job.IdempotencyKey
	if key == "" {
		key = idempotency.Derive(job.TenantID, job.UserID, snakeCase(job.Class), job.Payload)
	}
	logger := r.logger.With(
		"job_id", job.ID,
		"job_class", job.Class,
		"tenant_id", job.TenantID,
		"user_id", job.UserID,
		"idempotency_key", key,
		"attempt", job.Attempts+1,
	)

	// Throttled dispatch is not a failure: the whole invocation moves out by
	// a fixed delay and the attempt counter is left unconsumed.
	if !r.throttle.CanDispatch(ctx, job.TenantID, job.Queue) {
		runAt := r.now().Add(r.throttleDelay)
		if err := r.scheduler.Schedule(ctx, job, runAt); err != nil {
			return OutcomeRescheduled, fmt.Errorf("reschedule throttled job %s: %w", job.ID, err)
		}
		telemetry.JobsThrottled.Inc()
		logger.Info("job throttled, rescheduled", "run_at", runAt)
		return OutcomeRescheduled, nil
	}
	r.throttle.RecordDispatch(ctx, job.TenantID, job.Queue)

	consumer, ok := r.consumers[job.Class]
	if !ok {
		return r.deadLetter(ctx, job, fmt.Errorf("%w: %q", models.ErrUnknownJobClass, job.Class))
	}
	payload, err := models.DecodeJobPayload(job.Class, job.Payload)
	if err != nil {
		return r.deadLetter(ctx, job, fmt.Errorf("malformed payload: %w", err))
	}

	scoped := tenant.WithScope(ctx, tenant.Scope{
		TenantID:      job.TenantID,
		UserID:        job.UserID,
		CorrelationID: job.CorrelationID,
	})
	execErr := consumer.Execute(scoped, payload)
	if execErr == nil {
		telemetry.JobsSucceeded.Inc()
		return OutcomeCompleted, nil
	}

	logger.Error("consumer execution failed", "error", execErr.Error())

	attempts := job.Attempts + 1
	if isFatal(execErr) || attempts >= job.MaxAttempts {
		job.Attempts = attempts
		return r.deadLetter(ctx, job, execErr)
	}

	job.Attempts = attempts
	runAt := r.now().Add(r.policy.Delay(attempts))
	if err := r.scheduler.Schedule(ctx, job, runAt); err != nil {
		return OutcomeRescheduled, fmt.Errorf("reschedule job %s: %w", job.ID, err)
	}
	telemetry.JobsRetried.Inc()
	logger.Warn("job retry scheduled", "run_at", runAt)
	return OutcomeRescheduled, nil
}

func (r *Runner) deadLetter(ctx context.Context, job models.Job, cause error) (Outcome, error) {
	entry := models.DeadLetterEntry{
		JobID:            job.ID,
		JobClass:         job.Class,
		Payload:          job.Payload,
		ExceptionMessage: cause.Error(),
		AttemptsMade:     job.Attempts,
		TenantID:         job.TenantID,
	}
	if err := r.deadLetters.MoveToDeadLetter(ctx, entry); err != nil {
		// Keep the lease unsettled; the queue redelivers and the upsert makes
		// the second escalation harmless.
		return OutcomeRescheduled, fmt.Errorf("move job %s to dead letter: %w", job.ID, err)
	}
	telemetry.JobsDeadLettered.Inc()
	r.logger.Error("job moved to dead letter store",
		"job_id", job.ID,
		"job_class", job.Class,
		"tenant_id", job.TenantID,
		"attempts_made", job.Attempts,
		"error", cause.Error(),
	)
	return OutcomeCompleted, nil
}

// snakeCase converts a job class name like "ArchiveReport" to
// "archive_report". Classes that are already snake_case pass through.
func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

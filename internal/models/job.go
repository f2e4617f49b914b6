package models

import (
	"encoding/json"
	"time"
)

// Job is the transport envelope handed from the outbox publisher to the
// worker over the job queue. Payload is decoded per Class, see payload.go.
type Job struct {
	ID             string          `json:"id"`
	Class          string          `json:"class"`
	Queue          string          `json:"queue"`
	TenantID       string          `json:"tenant_id"`
	UserID         string          `json:"user_id,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
}

// DeadLetterEntry is the durable record of a job that exhausted all automatic
// retry attempts. Entries are append-only and replayed manually by operators.
type DeadLetterEntry struct {
	JobID            string          `json:"job_id"`
	JobClass         string          `json:"job_class"`
	Payload          json.RawMessage `json:"payload"`
	ExceptionMessage string          `json:"exception_message"`
	AttemptsMade     int             `json:"attempts_made"`
	TenantID         string          `json:"tenant_id,omitempty"`
	MovedAt          time.Time       `json:"moved_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

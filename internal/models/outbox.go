package models

import (
	"encoding/json"
	"time"
)

// Outbox event lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusPublished  = "published"
	StatusFailed     = "failed"
)

// EventMetadata is carried on every outbox event for tracing and tenant isolation.
// It is immutable once written.
type EventMetadata struct {
	TenantID      string `json:"tenant_id"`
	UserID        string `json:"user_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// OutboxEvent is a durable intent-to-publish record written in the same
// transaction as the business mutation it describes.
type OutboxEvent struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      EventMetadata   `json:"metadata"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	NextRetryAt   *time.Time      `json:"next_retry_at,omitempty"`
	ClaimedBy     *string         `json:"claimed_by,omitempty"`
	ClaimedAt     *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	PublishedAt   *time.Time      `json:"published_at,omitempty"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
}

// Terminal reports whether the event can never transition again through
// normal dispatch: published rows and failed rows that exhausted attempts.
func (e OutboxEvent) Terminal() bool {
	if e.Status == StatusPublished {
		return true
	}
	return e.Status == StatusFailed && e.Attempts >= e.MaxAttempts
}

// Retryable reports whether a non-pending row is still eligible for retry.
func (e OutboxEvent) Retryable() bool {
	return e.Status == StatusFailed && e.Attempts < e.MaxAttempts
}

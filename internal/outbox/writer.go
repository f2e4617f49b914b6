package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"tenant-outbox-engine/internal/models"
)

// execer is the slice of pgx.Tx the writer needs. Taking the interface keeps
// the writer inside whatever transaction the business mutation opened.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AddParams collects inputs for one outbox event.
type AddParams struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       any
	Metadata      models.EventMetadata
	MaxAttempts   int
}

// Writer appends outbox events inside the caller's transaction. If the insert
// fails the whole transaction fails with it: no committed business change
// without a durable intent-to-publish record, and vice versa.
type Writer struct {
	DefaultMaxAttempts int
}

// Add inserts one pending event. Must be called with the same transaction
// that performs the business mutation.
func (w Writer) Add(ctx context.Context, tx execer, p AddParams) (models.OutboxEvent, error) {
	if p.AggregateType == "" || p.AggregateID == "" || p.EventType == "" {
		return models.OutboxEvent{}, errors.New("aggregate type, aggregate id, and event type are required")
	}
	if p.Metadata.TenantID == "" {
		return models.OutboxEvent{}, errors.New("tenant id is required on event metadata")
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = w.DefaultMaxAttempts
	}
	if maxAttempts == 0 {
		maxAttempts = 3
	}

	payloadJSON, err := marshalPayload(p.Payload)
	if err != nil {
		return models.OutboxEvent{}, err
	}
	metadataJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return models.OutboxEvent{}, fmt.Errorf("marshal metadata: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (id, aggregate_type, aggregate_id, event_type, payload, metadata, status, attempts, max_attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, $7, $8)
	`, id, p.AggregateType, p.AggregateID, p.EventType, payloadJSON, metadataJSON, maxAttempts, now)
	if err != nil {
		return models.OutboxEvent{}, fmt.Errorf("insert outbox event: %w", err)
	}

	return models.OutboxEvent{
		ID:            id,
		AggregateType: p.AggregateType,
		AggregateID:   p.AggregateID,
		EventType:     p.EventType,
		Payload:       payloadJSON,
		Metadata:      p.Metadata,
		Status:        models.StatusPending,
		Attempts:      0,
		MaxAttempts:   maxAttempts,
		CreatedAt:     now,
	}, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid json")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid json")
		}
		return json.RawMessage(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return b, nil
	}
}

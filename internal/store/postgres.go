package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"tenant-outbox-engine/internal/models"
)

// Store wraps pgxpool for Postgres persistence of outbox events and dead letters.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying pool so business code can open transactions
// that carry both its own writes and the outbox insert.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

const eventColumns = `id, aggregate_type, aggregate_id, event_type, payload, metadata,
	status, attempts, max_attempts, next_retry_at, claimed_by, claimed_at,
	created_at, published_at, error_message`

// ClaimPending moves up to limit due pending events to processing under this
// worker and returns them. Claiming uses FOR UPDATE SKIP LOCKED inside a short
// transaction, so concurrent callers never claim the same row.
func (s *Store) ClaimPending(ctx context.Context, workerID string, limit int) ([]models.OutboxEvent, error) {
	return s.claim(ctx, workerID, limit, `
		SELECT `+eventColumns+`
		FROM outbox_events
		WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`)
}

// ClaimRetryable claims transient-failed events whose retry time has come.
// Rows stamped failed with attempts still below max_attempts belong to this
// sweep; terminal failures are never selected.
func (s *Store) ClaimRetryable(ctx context.Context, workerID string, limit int) ([]models.OutboxEvent, error) {
	return s.claim(ctx, workerID, limit, `
		SELECT `+eventColumns+`
		FROM outbox_events
		WHERE status = 'failed' AND attempts < max_attempts
		  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`)
}

func (s *Store) claim(ctx context.Context, workerID string, limit int, query string) ([]models.OutboxEvent, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("select claimable events: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'processing', claimed_by = $2, claimed_at = $3
		WHERE id = ANY($1)
	`, ids, workerID, now)
	if err != nil {
		return nil, fmt.Errorf("mark events processing: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	for i := range events {
		events[i].Status = models.StatusProcessing
		events[i].ClaimedBy = &workerID
		events[i].ClaimedAt = &now
	}
	return events, nil
}

// MarkPublished finalizes a successfully published event. Attempts count
// failures only, so success leaves the counter untouched.
func (s *Store) MarkPublished(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'published', published_at = NOW(), error_message = NULL,
		    claimed_by = NULL, claimed_at = NULL
		WHERE id = $1 AND status = 'processing'
	`, id)
	return err
}

// MarkRetry returns a transiently failed event to pending with the given
// attempt count and retry time.
func (s *Store) MarkRetry(ctx context.Context, id string, attempts int, nextRetryAt time.Time, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'pending', attempts = $2, next_retry_at = $3, error_message = $4,
		    claimed_by = NULL, claimed_at = NULL
		WHERE id = $1 AND status = 'processing'
	`, id, attempts, nextRetryAt, errMsg)
	return err
}

// MarkFailed stamps an event terminally failed after exhausting attempts.
// The row stays visible for operator review and is never auto-reclaimed.
func (s *Store) MarkFailed(ctx context.Context, id string, attempts int, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'failed', attempts = $2, next_retry_at = NULL, error_message = $3,
		    claimed_by = NULL, claimed_at = NULL
		WHERE id = $1 AND status = 'processing'
	`, id, attempts, errMsg)
	return err
}

// ReclaimStuck returns processing rows whose claim is older than the cutoff
// back to pending, modeling a worker that crashed mid-publish.
func (s *Store) ReclaimStuck(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'pending', claimed_by = NULL, claimed_at = NULL
		WHERE status = 'processing' AND claimed_at < $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("reclaim stuck claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetEvent fetches an event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (models.OutboxEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM outbox_events WHERE id = $1
	`, id)
	if err != nil {
		return models.OutboxEvent{}, fmt.Errorf("query event: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return models.OutboxEvent{}, err
	}
	if len(events) == 0 {
		return models.OutboxEvent{}, fmt.Errorf("event %s: %w", id, pgx.ErrNoRows)
	}
	return events[0], nil
}

// StatusCounts returns the number of events per status, for the ops surface
// and the pending gauge.
func (s *Store) StatusCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM outbox_events GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ListTerminalFailed returns events that exhausted their attempts, newest first.
func (s *Store) ListTerminalFailed(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM outbox_events
		WHERE status = 'failed' AND attempts >= max_attempts
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed events: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]models.OutboxEvent, error) {
	defer rows.Close()

	var events []models.OutboxEvent
	for rows.Next() {
		var ev models.OutboxEvent
		var payload, metadata []byte
		var nextRetry, claimedAt, publishedAt pgtype.Timestamptz
		var claimedBy, errMsg pgtype.Text

		if err := rows.Scan(
			&ev.ID, &ev.AggregateType, &ev.AggregateID, &ev.EventType, &payload, &metadata,
			&ev.Status, &ev.Attempts, &ev.MaxAttempts, &nextRetry, &claimedBy, &claimedAt,
			&ev.CreatedAt, &publishedAt, &errMsg,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Payload = payload
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal event metadata: %w", err)
			}
		}
		ev.NextRetryAt = tsPtr(nextRetry)
		ev.ClaimedAt = tsPtr(claimedAt)
		ev.PublishedAt = tsPtr(publishedAt)
		ev.ClaimedBy = textPtr(claimedBy)
		ev.ErrorMessage = textPtr(errMsg)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

// ErrNotFound reports a missing row to callers that do not want to depend on pgx.
var ErrNotFound = errors.New("not found")

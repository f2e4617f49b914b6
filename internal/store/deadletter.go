package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"tenant-outbox-engine/internal/models"
)

// MoveToDeadLetter upserts a dead-letter entry for a job that exhausted its
// attempts. The same job may be escalated again across redeliveries before an
// operator intervenes, so a duplicate job_id updates the attempt/exception
// metadata instead of erroring.
func (s *Store) MoveToDeadLetter(ctx context.Context, entry models.DeadLetterEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters (job_id, job_class, payload, exception_message, attempts_made, tenant_id, moved_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (job_id) DO UPDATE
		SET exception_message = EXCLUDED.exception_message,
		    attempts_made = EXCLUDED.attempts_made,
		    updated_at = NOW()
	`, entry.JobID, entry.JobClass, []byte(entry.Payload), entry.ExceptionMessage, entry.AttemptsMade, emptyToNil(entry.TenantID))
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// GetDeadLetter fetches one entry by job id.
func (s *Store) GetDeadLetter(ctx context.Context, jobID string) (models.DeadLetterEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT job_id, job_class, payload, exception_message, attempts_made, tenant_id, moved_at, updated_at
		FROM dead_letters WHERE job_id = $1
	`, jobID)
	entry, err := scanDeadLetter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DeadLetterEntry{}, fmt.Errorf("dead letter %s: %w", jobID, ErrNotFound)
	}
	return entry, err
}

// ListDeadLetters returns entries newest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, job_class, payload, exception_message, attempts_made, tenant_id, moved_at, updated_at
		FROM dead_letters
		ORDER BY moved_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []models.DeadLetterEntry
	for rows.Next() {
		entry, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanDeadLetter(row pgx.Row) (models.DeadLetterEntry, error) {
	var entry models.DeadLetterEntry
	var payload []byte
	var tenantID pgtype.Text
	if err := row.Scan(&entry.JobID, &entry.JobClass, &payload, &entry.ExceptionMessage,
		&entry.AttemptsMade, &tenantID, &entry.MovedAt, &entry.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.DeadLetterEntry{}, err
		}
		return models.DeadLetterEntry{}, fmt.Errorf("scan dead letter: %w", err)
	}
	entry.Payload = payload
	if tenantID.Valid {
		entry.TenantID = tenantID.String
	}
	return entry, nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

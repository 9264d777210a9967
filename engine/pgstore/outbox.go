package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// OutboxStatus enumerates outbox_events.status.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxEvent is one staged write to outbox_events: a stage commits
// this row in the same transaction as its domain write, so the event
// only ever exists if the transaction it describes actually committed.
type OutboxEvent struct {
	ID             string
	Stream         string
	Event          string
	Payload        []byte
	IdempotencyKey string
	Status         OutboxStatus
	RetryCount     int
	NextRetryAt    time.Time
}

// StageOutboxEvent inserts a pending outbox row, to be called inside
// the same transaction as the caller's domain write. tx must be a
// *pgx.Tx obtained from s.Pool() or an equivalent transaction on the
// same pool.
func (s *Store) StageOutboxEvent(ctx context.Context, tx pgx.Tx, stream, event string, payload []byte, idempotencyKey string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (stream, event, payload, idempotency_key, status, retry_count, next_retry_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, now())
		ON CONFLICT (idempotency_key) DO NOTHING
	`, stream, event, payload, idempotencyKey)
	if err != nil {
		return fmt.Errorf("pgstore: stage outbox event: %w", err)
	}
	return nil
}

// Pool exposes the underlying pool so callers can open a transaction
// spanning both a domain write and StageOutboxEvent.
func (s *Store) Pool() PgxPool {
	return s.pool
}

// PgxPool is the subset of *pgxpool.Pool the outbox relay and callers
// staging a transactional write need.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// FetchPendingOutboxEvents loads up to limit pending rows in creation
// order.
func (s *Store) FetchPendingOutboxEvents(ctx context.Context, limit int) ([]OutboxEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, stream, event, payload, idempotency_key, status, retry_count, next_retry_at
		FROM outbox_events
		WHERE status = 'pending' AND next_retry_at <= now()
		ORDER BY id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: fetch pending outbox events: %w", err)
	}
	defer rows.Close()

	var out []OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		if err := rows.Scan(&e.ID, &e.Stream, &e.Event, &e.Payload, &e.IdempotencyKey, &e.Status, &e.RetryCount, &e.NextRetryAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan outbox event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkOutboxSent flips a row to sent after a successful publish.
func (s *Store) MarkOutboxSent(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox_events SET status = 'sent' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("pgstore: mark outbox sent %s: %w", id, err)
	}
	return nil
}

// MarkOutboxRetry records a failed publish attempt and schedules the
// next retry at nextRetryAt, or moves the row to failed if exhausted.
func (s *Store) MarkOutboxRetry(ctx context.Context, id string, exhausted bool, nextRetryAt time.Time) error {
	status := OutboxPending
	if exhausted {
		status = OutboxFailed
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, retry_count = retry_count + 1, next_retry_at = $3
		WHERE id = $1
	`, id, status, nextRetryAt)
	if err != nil {
		return fmt.Errorf("pgstore: mark outbox retry %s: %w", id, err)
	}
	return nil
}

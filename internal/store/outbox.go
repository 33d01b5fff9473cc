// Store methods for the outbox_items table. The dispatcher is single-instance
// per pass, so ListPendingOutbox is a plain read without row locking; failed
// attempts are rescheduled through the retry schedule injected at New.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/torotorokou/sanbou-app-sub002/internal/retry"
)

// Channel identifies the delivery mechanism of an outbox item. A closed,
// extensible tag: new channels are new constants plus a registered sender,
// not a type hierarchy.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
	ChannelPush    Channel = "push"
)

// OutboxStatus is the outbox item state machine tag. pending is the only
// non-terminal state; a pending row with next_retry_at set is awaiting retry.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
	OutboxSkipped OutboxStatus = "skipped"
)

// OutboxItem is a row of the outbox_items table.
type OutboxItem struct {
	ID           uuid.UUID
	Channel      Channel
	Status       OutboxStatus
	RecipientKey string
	Title        string
	Body         string
	URL          *string
	Meta         json.RawMessage
	ScheduledAt  *time.Time
	CreatedAt    time.Time
	SentAt       *time.Time
	RetryCount   int32
	NextRetryAt  *time.Time
	LastError    *string
	FailureType  *string
}

// EnqueueOutboxParams holds the fields for one outbox item to enqueue.
type EnqueueOutboxParams struct {
	Channel      Channel
	RecipientKey string
	Title        string
	Body         string
	URL          *string
	Meta         json.RawMessage
	// ScheduledAt defers delivery; nil means deliverable immediately.
	ScheduledAt *time.Time
}

// validate enforces the payload invariant at the enqueue boundary.
func (p EnqueueOutboxParams) validate() error {
	if p.Title == "" || p.Body == "" {
		return errors.New("title and body must be non-empty")
	}
	if p.RecipientKey == "" {
		return errors.New("recipient_key must be non-empty")
	}
	return nil
}

// EnqueueOutbox bulk-inserts items, all pending, in one transaction and
// returns their IDs in input order. Validation failure of any item rejects
// the whole batch before any row is written.
func (s *Store) EnqueueOutbox(ctx context.Context, items []EnqueueOutboxParams) ([]uuid.UUID, error) {
	if len(items) == 0 {
		return nil, nil
	}
	for i, p := range items {
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("enqueue outbox: item %d: %w", i, err)
		}
	}

	ids := make([]uuid.UUID, 0, len(items))
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, p := range items {
			meta := p.Meta
			if meta == nil {
				meta = json.RawMessage(`{}`)
			}
			var id uuid.UUID
			if err := tx.QueryRow(ctx, `
				INSERT INTO outbox_items (channel, recipient_key, title, body, url, meta, scheduled_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				RETURNING id`,
				p.Channel, p.RecipientKey, p.Title, p.Body, p.URL, meta, p.ScheduledAt,
			).Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("enqueue outbox", err)
	}
	return ids, nil
}

const outboxColumns = `id, channel, status, recipient_key, title, body, url, meta,
	scheduled_at, created_at, sent_at, retry_count, next_retry_at, last_error, failure_type`

// ListPendingOutbox returns up to limit due pending items ordered by
// created_at: status pending, scheduled_at absent or passed, next_retry_at
// absent or passed. Approximate FIFO only — retried items re-enter ordering
// at their new eligible time, not their original enqueue time.
func (s *Store) ListPendingOutbox(ctx context.Context, now time.Time, limit int) ([]OutboxItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_items
		WHERE status = 'pending'
		  AND (scheduled_at IS NULL OR scheduled_at <= $1)
		  AND (next_retry_at IS NULL OR next_retry_at <= $1)
		ORDER BY created_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, wrapErr("list pending outbox", err)
	}
	defer rows.Close()

	var items []OutboxItem
	for rows.Next() {
		var it OutboxItem
		if err := rows.Scan(
			&it.ID, &it.Channel, &it.Status, &it.RecipientKey, &it.Title, &it.Body,
			&it.URL, &it.Meta, &it.ScheduledAt, &it.CreatedAt, &it.SentAt,
			&it.RetryCount, &it.NextRetryAt, &it.LastError, &it.FailureType,
		); err != nil {
			return nil, wrapErr("list pending outbox: scan", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list pending outbox", err)
	}
	return items, nil
}

// GetOutboxItem returns the item with the given id, or (nil, nil) if missing.
func (s *Store) GetOutboxItem(ctx context.Context, id uuid.UUID) (*OutboxItem, error) {
	var it OutboxItem
	err := s.pool.QueryRow(ctx,
		`SELECT `+outboxColumns+` FROM outbox_items WHERE id = $1`, id,
	).Scan(
		&it.ID, &it.Channel, &it.Status, &it.RecipientKey, &it.Title, &it.Body,
		&it.URL, &it.Meta, &it.ScheduledAt, &it.CreatedAt, &it.SentAt,
		&it.RetryCount, &it.NextRetryAt, &it.LastError, &it.FailureType,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get outbox item", err)
	}
	return &it, nil
}

// MarkOutboxSent transitions a pending item to terminal 'sent', clearing any
// retry metadata left by earlier failed attempts so the terminal row does not
// read as still scheduled. A logged no-op when the item is already terminal
// or missing.
func (s *Store) MarkOutboxSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_items
		SET status = 'sent', sent_at = $2,
		    next_retry_at = NULL, last_error = NULL, failure_type = NULL
		WHERE id = $1 AND status = 'pending'`, id, sentAt)
	if err != nil {
		return wrapErr("mark outbox sent", err)
	}
	if tag.RowsAffected() == 0 {
		slog.WarnContext(ctx, "mark sent on non-pending outbox item ignored", "outbox_id", id)
	}
	return nil
}

// MarkOutboxFailed records a failed delivery attempt and applies the retry
// policy: increment retry_count, then either reschedule the item (still
// pending, next_retry_at from the backoff schedule) or finalize it as
// terminal 'failed'. The read-decide-write runs in one transaction with the
// row locked, so concurrent reports cannot double-count an attempt.
func (s *Store) MarkOutboxFailed(ctx context.Context, id uuid.UUID, lastError string, failureType retry.FailureType, now time.Time) error {
	if !failureType.Valid() {
		return fmt.Errorf("mark outbox failed: unknown failure type %q", failureType)
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			status     OutboxStatus
			retryCount int32
		)
		err := tx.QueryRow(ctx, `
			SELECT status, retry_count FROM outbox_items
			WHERE id = $1 FOR UPDATE`, id).Scan(&status, &retryCount)
		if errors.Is(err, pgx.ErrNoRows) {
			slog.WarnContext(ctx, "mark failed on missing outbox item ignored", "outbox_id", id)
			return nil
		}
		if err != nil {
			return err
		}
		if status != OutboxPending {
			slog.WarnContext(ctx, "mark failed on terminal outbox item ignored",
				"outbox_id", id, "status", status)
			return nil
		}

		retryCount++
		outcome := s.backoff.Next(failureType, int(retryCount), now)

		if outcome.Terminal {
			_, err = tx.Exec(ctx, `
				UPDATE outbox_items
				SET status = 'failed', retry_count = $2, next_retry_at = NULL,
				    last_error = $3, failure_type = $4
				WHERE id = $1`, id, retryCount, lastError, failureType)
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE outbox_items
			SET status = 'pending', retry_count = $2, next_retry_at = $3,
			    last_error = $4, failure_type = $5
			WHERE id = $1`, id, retryCount, outcome.NextRetryAt, lastError, failureType)
		return err
	})
	if err != nil {
		return wrapErr("mark outbox failed", err)
	}
	return nil
}

// MarkOutboxSkipped transitions a pending item to terminal 'skipped', used
// when the business layer decides delivery is unnecessary (deduplication).
// A logged no-op when the item is already terminal or missing.
func (s *Store) MarkOutboxSkipped(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_items
		SET status = 'skipped', last_error = $2, next_retry_at = NULL
		WHERE id = $1 AND status = 'pending'`, id, reason)
	if err != nil {
		return wrapErr("mark outbox skipped", err)
	}
	if tag.RowsAffected() == 0 {
		slog.WarnContext(ctx, "mark skipped on non-pending outbox item ignored", "outbox_id", id)
	}
	return nil
}

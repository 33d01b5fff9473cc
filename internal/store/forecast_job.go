// Store methods for the forecast_jobs work queue. The claim operation is the
// only concurrency primitive: workers in separate processes coordinate purely
// through its FOR UPDATE SKIP LOCKED row selection.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/torotorokou/sanbou-app-sub002/internal/telemetry"
)

// JobStatus is the forecast job state machine tag.
// queued and running are non-terminal; done and failed are terminal.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// ForecastJob is a row of the forecast_jobs table.
type ForecastJob struct {
	ID           uuid.UUID
	Kind         string
	WindowFrom   time.Time
	WindowTo     time.Time
	Status       JobStatus
	Attempts     int32
	ScheduledFor *time.Time
	Actor        string
	Payload      json.RawMessage
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ClaimedJob is the claimed-row projection returned by ClaimJob: exactly the
// fields the worker needs to execute the unit of work.
type ClaimedJob struct {
	ID         uuid.UUID
	Kind       string
	WindowFrom time.Time
	WindowTo   time.Time
	Attempts   int32
	Payload    json.RawMessage
}

// EnqueueJobParams holds the fields for enqueueing a new forecast job.
type EnqueueJobParams struct {
	Kind       string
	WindowFrom time.Time
	WindowTo   time.Time
	// Actor records the origin of the enqueue request, diagnostics only.
	Actor   string
	Payload json.RawMessage
	// ScheduledFor defers eligibility; nil means claimable immediately.
	ScheduledFor *time.Time
}

// EnqueueJob inserts a new job in 'queued' state and returns its ID.
func (s *Store) EnqueueJob(ctx context.Context, p EnqueueJobParams) (uuid.UUID, error) {
	payload := p.Payload
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO forecast_jobs (kind, window_from, window_to, actor, payload, scheduled_for)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		p.Kind, p.WindowFrom, p.WindowTo, p.Actor, payload, p.ScheduledFor,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, wrapErr("enqueue job", err)
	}
	telemetry.JobsEnqueued.Inc()
	return id, nil
}

// claimJobSQL selects at most one eligible queued row, skipping rows locked by
// concurrent claimers, and transitions it to 'running' with attempts+1. The
// whole statement is a single transaction: the new state is committed and
// visible before the call returns, so two concurrent callers can never both
// receive the same row.
const claimJobSQL = `
UPDATE forecast_jobs
SET status = 'running', attempts = attempts + 1, updated_at = now()
WHERE id = (
    SELECT id FROM forecast_jobs
    WHERE status = 'queued'
      AND (scheduled_for IS NULL OR scheduled_for <= now())
    ORDER BY created_at
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING id, kind, window_from, window_to, attempts, payload`

// ClaimJob atomically claims one eligible queued job. Returns (nil, nil) when
// no job is currently available — an empty result, not an error. Insertion
// order is best-effort priority only, not a FIFO contract.
func (s *Store) ClaimJob(ctx context.Context) (*ClaimedJob, error) {
	var j ClaimedJob
	err := s.pool.QueryRow(ctx, claimJobSQL).Scan(
		&j.ID, &j.Kind, &j.WindowFrom, &j.WindowTo, &j.Attempts, &j.Payload,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("claim job", err)
	}
	return &j, nil
}

// MarkJobDone transitions a running job to 'done'. Calling it on a job that is
// already terminal or missing is a logged no-op, so crash-replayed reports
// cannot corrupt terminal state.
func (s *Store) MarkJobDone(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE forecast_jobs
		SET status = 'done', updated_at = now()
		WHERE id = $1 AND status = 'running'`, id)
	if err != nil {
		return wrapErr("mark job done", err)
	}
	if tag.RowsAffected() == 0 {
		slog.WarnContext(ctx, "mark done on non-running job ignored", "job_id", id)
	}
	return nil
}

// MarkJobFailed transitions a running job to terminal 'failed', recording the
// execution error. Idempotent no-op on terminal or missing rows. Re-queueing
// a failed job is the business layer's decision via a fresh EnqueueJob, never
// an automatic transition.
func (s *Store) MarkJobFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE forecast_jobs
		SET status = 'failed', error_message = $2, updated_at = now()
		WHERE id = $1 AND status = 'running'`, id, errMsg)
	if err != nil {
		return wrapErr("mark job failed", err)
	}
	if tag.RowsAffected() == 0 {
		slog.WarnContext(ctx, "mark failed on non-running job ignored", "job_id", id)
	}
	return nil
}

const jobColumns = `id, kind, window_from, window_to, status, attempts,
	scheduled_for, actor, payload, error_message, created_at, updated_at`

// GetJob returns the job with the given id, or (nil, nil) if it does not exist.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*ForecastJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM forecast_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get job", err)
	}
	return j, nil
}

// ListJobsFilter narrows ListJobs; zero values mean "no filter".
type ListJobsFilter struct {
	Status JobStatus
	Kind   string
	Limit  int
}

// ListJobs returns jobs newest-first with optional status/kind filters.
// Used by the `jobs list` subcommand; the dynamic WHERE clause is built with
// squirrel rather than hand-assembled SQL strings.
func (s *Store) ListJobs(ctx context.Context, f ListJobsFilter) ([]ForecastJob, error) {
	q := squirrel.Select(jobColumns).
		From("forecast_jobs").
		OrderBy("created_at DESC").
		PlaceholderFormat(squirrel.Dollar)
	if f.Status != "" {
		q = q.Where(squirrel.Eq{"status": f.Status})
	}
	if f.Kind != "" {
		q = q.Where(squirrel.Eq{"kind": f.Kind})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list jobs: build query: %w", err)
	}

	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, wrapErr("list jobs", err)
	}
	defer rows.Close()

	var jobs []ForecastJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, wrapErr("list jobs: scan", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list jobs", err)
	}
	return jobs, nil
}

// scanJob scans one forecast_jobs row in jobColumns order.
func scanJob(row pgx.Row) (*ForecastJob, error) {
	var j ForecastJob
	if err := row.Scan(
		&j.ID, &j.Kind, &j.WindowFrom, &j.WindowTo, &j.Status, &j.Attempts,
		&j.ScheduledFor, &j.Actor, &j.Payload, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &j, nil
}

// Package store provides the data access layer for the forecast job queue and
// the notification outbox. All queries run through *pgxpool.Pool directly: the
// claim paths need pgx native statements (FOR UPDATE SKIP LOCKED), and the
// remaining operations are single-statement row updates.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/torotorokou/sanbou-app-sub002/internal/retry"
)

// ErrUnavailable marks infrastructure-level failures (connection loss, pool
// exhaustion) as opposed to business outcomes recorded in row state. Callers
// in the worker loop and dispatcher match it with errors.Is and keep polling.
var ErrUnavailable = errors.New("store unavailable")

// Store is the central data access object for jobs and outbox items.
type Store struct {
	pool    *pgxpool.Pool
	db      *sql.DB
	backoff retry.Schedule
}

// New creates a Store backed by pool. backoff drives MarkOutboxFailed's retry
// decisions; a nil schedule falls back to [retry.Default].
func New(pool *pgxpool.Pool, backoff retry.Schedule) *Store {
	if backoff == nil {
		backoff = retry.Default()
	}
	return &Store{
		pool:    pool,
		db:      stdlib.OpenDBFromPool(pool),
		backoff: backoff,
	}
}

// Pool returns the underlying pgxpool for callers that need pgx native
// operations.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// DB returns a stdlib-wrapped *sql.DB over the same pool. Used by the ops
// health check and by raw-SQL assertions in tests.
func (s *Store) DB() *sql.DB { return s.db }

// wrapErr wraps a query error, tagging infrastructure failures with
// ErrUnavailable. A *pgconn.PgError came from the server over a live
// connection, so it is a query problem, not an availability problem;
// everything else (dial errors, closed pool, timeouts) is infrastructure.
func wrapErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// Package forecast provides the prediction-row recorder: the write path that
// forecast job executors share. Forecast values are computed upstream and
// arrive in the job payload; this package only persists them.
//
// The write is an upsert keyed by (metric, bucket_date), the natural business
// key, so re-running a job after a worker crash overwrites the same rows
// instead of appending duplicates. That idempotency is what makes the queue's
// at-most-one-concurrent-claim guarantee sufficient in practice.
package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/torotorokou/sanbou-app-sub002/internal/worker"
)

// Kind is the job kind the recorder executor registers under.
const Kind = "forecast_record"

// Point is one forecast value for a daily bucket.
type Point struct {
	Date  string  `json:"date"` // "2006-01-02"
	Value float64 `json:"value"`
}

// Payload is the forecast_record job payload.
type Payload struct {
	Metric string  `json:"metric"`
	Points []Point `json:"points"`
}

// Recorder persists forecast points into the predictions table.
type Recorder struct {
	pool *pgxpool.Pool
}

// NewRecorder creates a Recorder backed by pool.
func NewRecorder(pool *pgxpool.Pool) *Recorder {
	return &Recorder{pool: pool}
}

// Executor returns the unit-of-work function to register with the worker
// pool under [Kind].
func (r *Recorder) Executor() worker.Executor {
	return r.record
}

// record validates the payload against the job window and upserts every
// point in one transaction. Points outside [window.From, window.To) are a
// payload error: the job fails without writing anything.
func (r *Recorder) record(ctx context.Context, window worker.Window, raw json.RawMessage) error {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if p.Metric == "" {
		return fmt.Errorf("payload missing metric")
	}
	if len(p.Points) == 0 {
		return fmt.Errorf("payload has no points")
	}

	type bucket struct {
		date  time.Time
		value float64
	}
	buckets := make([]bucket, 0, len(p.Points))
	for _, pt := range p.Points {
		day, err := time.Parse("2006-01-02", pt.Date)
		if err != nil {
			return fmt.Errorf("point date %q: %w", pt.Date, err)
		}
		if day.Before(window.From) || !day.Before(window.To) {
			return fmt.Errorf("point %s outside job window [%s, %s)",
				pt.Date, window.From.Format("2006-01-02"), window.To.Format("2006-01-02"))
		}
		buckets = append(buckets, bucket{date: day, value: pt.Value})
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for _, b := range buckets {
			if _, err := tx.Exec(ctx, `
				INSERT INTO predictions (metric, bucket_date, value, updated_at)
				VALUES ($1, $2, $3, now())
				ON CONFLICT (metric, bucket_date)
				DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
				p.Metric, b.date, b.value,
			); err != nil {
				return fmt.Errorf("upsert prediction %s/%s: %w", p.Metric, b.date.Format("2006-01-02"), err)
			}
		}
		return nil
	})
}

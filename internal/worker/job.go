// Package worker provides the polling loop that claims and executes forecast
// jobs from the forecast_jobs table using FOR UPDATE SKIP LOCKED.
//
// Executors are registered per job kind before calling Pool.Start. Any number
// of pool instances may run in parallel, in the same or separate processes;
// they coordinate exclusively through the claim operation's atomicity.
package worker

import (
	"context"
	"encoding/json"
	"time"
)

// Window is the half-open date range a forecast job applies to.
type Window struct {
	From time.Time
	To   time.Time
}

// Executor is the unit of work run for each claimed job of a given kind.
// A nil return marks the job done; a non-nil return records the job as
// terminally failed with the error message (re-queueing is the producer's
// decision, not the worker's).
//
// Executors must be idempotent with respect to their side effects (e.g.,
// upsert by natural business key, not append): a worker crash between claim
// and report leaves the job in 'running', and there is no reaper, so any
// recovery path re-runs the work under a fresh job.
type Executor func(ctx context.Context, window Window, payload json.RawMessage) error

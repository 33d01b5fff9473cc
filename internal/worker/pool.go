package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/torotorokou/sanbou-app-sub002/internal/store"
	"github.com/torotorokou/sanbou-app-sub002/internal/telemetry"
)

// Config holds worker pool tuning parameters (sourced from config.Config).
type Config struct {
	// PollInterval is how often each runner checks for a claimable job.
	PollInterval time.Duration
	// Runners is the number of concurrent claim→execute→report goroutines.
	Runners int
}

// Pool manages a set of goroutine runners that claim and execute forecast
// jobs. A random poolID distinguishes this process in logs.
type Pool struct {
	store     *store.Store
	cfg       Config
	poolID    string
	mu        sync.RWMutex
	executors map[string]Executor
}

// New creates a Pool backed by s.
func New(s *store.Store, cfg Config) *Pool {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Runners <= 0 {
		cfg.Runners = 1
	}
	return &Pool{
		store:     s,
		cfg:       cfg,
		poolID:    uuid.New().String(),
		executors: make(map[string]Executor),
	}
}

// Register associates e with the named job kind. Must be called before Start.
func (p *Pool) Register(kind string, e Executor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executors[kind] = e
}

// Start launches the runner goroutines and blocks until ctx is cancelled.
// On cancellation runners stop claiming, any in-flight job completes its
// report, and Start returns after all goroutines have exited.
func (p *Pool) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Runners; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.run(ctx, n)
		}(i)
	}
	wg.Wait()
	slog.Info("worker pool stopped", "pool_id", p.poolID)
}

// RunOnce claims and executes jobs until no eligible job remains. Tests only.
func (p *Pool) RunOnce(ctx context.Context) {
	for p.processOne(ctx) {
	}
}

// run polls for jobs until ctx is cancelled. Uses time.NewTicker (not
// time.After) to avoid timer leaks. After a successful claim it drains the
// queue without waiting for the next tick.
func (p *Pool) run(ctx context.Context, runner int) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	slog.Info("worker runner started", "pool_id", p.poolID, "runner", runner)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker runner stopping", "runner", runner)
			return
		case <-ticker.C:
			for p.processOne(ctx) {
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// processOne claims one job and executes it, reporting the result back to the
// store. Returns true when a job was claimed (the caller polls again
// immediately). Store errors are logged and absorbed — infrastructure trouble
// is retried by the outer poll cycle, never fatal to the loop.
func (p *Pool) processOne(ctx context.Context) bool {
	job, err := p.store.ClaimJob(ctx)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			slog.Error("store unavailable, will retry next poll", "error", err)
		} else {
			slog.Error("claim job error", "error", err)
		}
		return false
	}
	if job == nil {
		return false // nothing eligible; normal case
	}

	p.mu.RLock()
	e := p.executors[job.Kind]
	p.mu.RUnlock()

	if e == nil {
		slog.Error("no executor registered for kind", "kind", job.Kind, "job_id", job.ID)
		p.report(ctx, job.ID, errors.New("no executor registered for kind "+job.Kind))
		return true
	}

	slog.Info("executing job",
		"kind", job.Kind, "job_id", job.ID, "attempts", job.Attempts)

	window := Window{From: job.WindowFrom, To: job.WindowTo}
	p.report(ctx, job.ID, e(ctx, window, job.Payload))
	return true
}

// report records the execution outcome. The terminal transition is idempotent
// at the store level, so a duplicate report is harmless.
func (p *Pool) report(ctx context.Context, id uuid.UUID, execErr error) {
	if execErr != nil {
		slog.Error("job executor failed", "job_id", id, "error", execErr)
		telemetry.JobsFailed.Inc()
		if err := p.store.MarkJobFailed(ctx, id, execErr.Error()); err != nil {
			slog.Error("mark job failed error", "job_id", id, "error", err)
		}
		return
	}
	if err := p.store.MarkJobDone(ctx, id); err != nil {
		slog.Error("mark job done error", "job_id", id, "error", err)
		return
	}
	telemetry.JobsCompleted.Inc()
	slog.Info("job completed", "job_id", id)
}

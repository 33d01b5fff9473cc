package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/torotorokou/sanbou-app-sub002/internal/store"
	"github.com/torotorokou/sanbou-app-sub002/internal/telemetry"
)

// Config holds dispatcher tuning parameters (sourced from config.Config).
type Config struct {
	// Interval is how often a delivery pass runs.
	Interval time.Duration
	// BatchLimit caps the items picked up per pass.
	BatchLimit int
	// SendTimeout bounds each individual send so one slow recipient cannot
	// starve the rest of the batch.
	SendTimeout time.Duration
	// RatePerSecond caps outbound attempts across all channels; zero means
	// unlimited.
	RatePerSecond float64
}

// Skipper lets the business layer veto delivery of an item just before the
// send (deduplication, opt-outs). A true return skips the item terminally
// with the given reason. A nil Skipper delivers everything.
type Skipper func(item store.OutboxItem) (reason string, skip bool)

// Dispatcher periodically lists due pending outbox items and attempts
// delivery through the sender registered for each item's channel.
type Dispatcher struct {
	store   *store.Store
	cfg     Config
	senders map[store.Channel]Sender
	skipper Skipper
	limiter *rate.Limiter

	// running is the re-entrancy guard: a pass that would overlap a still-
	// running pass is skipped, because two passes listing the same pending
	// rows would double-send.
	running atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Dispatcher backed by st.
func New(st *store.Store, cfg Config) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Dispatcher{
		store:   st,
		cfg:     cfg,
		senders: make(map[store.Channel]Sender),
		limiter: rate.NewLimiter(limit, 1),
	}
}

// RegisterSender associates s with channel. Must be called before Start.
func (d *Dispatcher) RegisterSender(channel store.Channel, s Sender) {
	d.senders[channel] = s
}

// SetSkipper installs the business-layer delivery veto. Must be called before
// Start.
func (d *Dispatcher) SetSkipper(sk Skipper) {
	d.skipper = sk
}

// Start launches the dispatch loop and returns. The loop runs a delivery pass
// every Interval until ctx is cancelled or Stop is called. Start must be
// called at most once.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.cfg.Interval)
		defer ticker.Stop()

		slog.Info("dispatcher started", "interval", d.cfg.Interval, "batch_limit", d.cfg.BatchLimit)
		for {
			select {
			case <-ctx.Done():
				slog.Info("dispatcher stopped")
				return
			case <-ticker.C:
				d.RunOnce(ctx)
			}
		}
	}()
}

// Stop cancels the dispatch loop and waits for the in-flight pass, if any,
// to finish. A no-op when Start was never called.
func (d *Dispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
}

// RunOnce executes a single delivery pass, skipping entirely if another pass
// is still running. Exposed for the `dispatch --once` subcommand and tests.
func (d *Dispatcher) RunOnce(ctx context.Context) {
	if !d.running.CompareAndSwap(false, true) {
		telemetry.DispatchOverlapSkips.Inc()
		slog.Warn("dispatch pass skipped, previous pass still running")
		return
	}
	defer d.running.Store(false)

	now := time.Now()
	items, err := d.store.ListPendingOutbox(ctx, now, d.cfg.BatchLimit)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			slog.Error("store unavailable, will retry next pass", "error", err)
		} else {
			slog.Error("list pending outbox error", "error", err)
		}
		return
	}
	telemetry.DispatchBatchSize.Set(float64(len(items)))
	if len(items) == 0 {
		return
	}

	slog.Info("dispatch pass", "items", len(items))
	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		// One item's failure must not abort the rest of the batch.
		d.deliver(ctx, item)
	}
}

// deliver attempts one item: business-layer skip check, rate limit, bounded
// send, then the terminal or retry transition.
func (d *Dispatcher) deliver(ctx context.Context, item store.OutboxItem) {
	if d.skipper != nil {
		if reason, skip := d.skipper(item); skip {
			if err := d.store.MarkOutboxSkipped(ctx, item.ID, reason); err != nil {
				slog.Error("mark skipped error", "outbox_id", item.ID, "error", err)
				return
			}
			telemetry.NotificationsSkipped.Inc()
			slog.Info("notification skipped", "outbox_id", item.ID, "reason", reason)
			return
		}
	}

	sender, ok := d.senders[item.Channel]
	if !ok {
		// Misconfigured channel is a validation problem, not a transient one.
		d.recordFailure(ctx, item, PermanentFailure(fmt.Sprintf("no sender for channel %q", item.Channel)))
		return
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return // ctx cancelled while rate-limited
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	res := sender.Send(sendCtx, item)
	cancel()

	if res.OK() {
		if err := d.store.MarkOutboxSent(ctx, item.ID, time.Now()); err != nil {
			slog.Error("mark sent error", "outbox_id", item.ID, "error", err)
			return
		}
		telemetry.NotificationsSent.Inc()
		slog.Info("notification sent",
			"outbox_id", item.ID, "channel", item.Channel, "retry_count", item.RetryCount)
		return
	}

	d.recordFailure(ctx, item, res)
}

// recordFailure applies the retry policy for a failed attempt and updates the
// delivery counters from the resulting row state.
func (d *Dispatcher) recordFailure(ctx context.Context, item store.OutboxItem, res Result) {
	failureType, reason := res.Failure()
	slog.Warn("notification delivery failed",
		"outbox_id", item.ID,
		"channel", item.Channel,
		"failure_type", failureType,
		"retry_count", item.RetryCount,
		"error", reason,
	)
	if err := d.store.MarkOutboxFailed(ctx, item.ID, reason, failureType, time.Now()); err != nil {
		slog.Error("mark failed error", "outbox_id", item.ID, "error", err)
		return
	}

	updated, err := d.store.GetOutboxItem(ctx, item.ID)
	if err != nil || updated == nil {
		return
	}
	if updated.Status == store.OutboxFailed {
		telemetry.NotificationsFailed.Inc()
	} else {
		telemetry.NotificationsRetried.Inc()
	}
}

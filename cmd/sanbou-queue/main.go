// Command sanbou-queue runs the background engine of the sanbou application:
// the forecast job queue and the notification outbox.
//
// Subcommands:
//
//	serve     — worker pool + dispatcher + ops HTTP endpoint (default for production)
//	worker    — worker pool only (scaled deployments)
//	dispatch  — dispatcher only; --once runs a single delivery pass and exits
//	migrate   — run pending database migrations and exit
//	jobs      — operational queue inspection and manual enqueue
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Embeds the IANA timezone database so time.LoadLocation works inside
	// distroless containers with no /usr/share/zoneinfo.
	_ "time/tzdata"

	// Sets GOMEMLIMIT from the cgroup memory limit so the GC triggers before
	// the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/torotorokou/sanbou-app-sub002/internal/config"
	"github.com/torotorokou/sanbou-app-sub002/internal/dispatch"
	"github.com/torotorokou/sanbou-app-sub002/internal/forecast"
	"github.com/torotorokou/sanbou-app-sub002/internal/ops"
	"github.com/torotorokou/sanbou-app-sub002/internal/store"
	"github.com/torotorokou/sanbou-app-sub002/internal/worker"
	"github.com/torotorokou/sanbou-app-sub002/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "sanbou-queue",
		Short: "sanbou background engine — forecast jobs and notification outbox",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		dispatchCmd(),
		migrateCmd(),
		jobsCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// bootstrap loads config, installs the logger, and opens the database pool.
type app struct {
	cfg   *config.Config
	store *store.Store
	pool  *pgxpool.Pool
}

func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	pool, err := newPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	schedule, err := cfg.ParseBackoffSchedule()
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("config: %w", err)
	}

	return &app{cfg: cfg, store: store.New(pool, schedule), pool: pool}, nil
}

// newWorkerPool builds the worker pool with all executors registered.
func newWorkerPool(a *app) *worker.Pool {
	p := worker.New(a.store, worker.Config{
		PollInterval: a.cfg.WorkerPollInterval,
		Runners:      a.cfg.WorkerCount,
	})
	p.Register(forecast.Kind, forecast.NewRecorder(a.pool).Executor())
	return p
}

// newDispatcher builds the dispatcher with all channel senders registered.
func newDispatcher(a *app) *dispatch.Dispatcher {
	d := dispatch.New(a.store, dispatch.Config{
		Interval:      a.cfg.DispatchInterval,
		BatchLimit:    a.cfg.DispatchBatchLimit,
		SendTimeout:   a.cfg.SendTimeout,
		RatePerSecond: a.cfg.SendRatePerSecond,
	})
	d.RegisterSender(store.ChannelWebhook,
		dispatch.NewWebhookSender(dispatch.BuildSafeClient(), a.cfg.WebhookSigningSecret))
	d.RegisterSender(store.ChannelEmail, dispatch.NewEmailSender(dispatch.SMTPConfig{
		Host:     a.cfg.SMTPHost,
		Port:     a.cfg.SMTPPort,
		From:     a.cfg.SMTPFrom,
		Username: a.cfg.SMTPUsername,
		Password: a.cfg.SMTPPassword,
		TLS:      a.cfg.SMTPTLS,
	}))
	return d
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the worker pool, dispatcher, and ops HTTP endpoint",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer a.pool.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Worker pool drains in-flight jobs on ctx cancellation.
	pool := newWorkerPool(a)
	go pool.Start(ctx)

	if a.cfg.DispatcherEnabled {
		d := newDispatcher(a)
		d.Start(ctx)
		defer d.Stop()
	} else {
		slog.Info("dispatcher disabled by config")
	}

	srv := &http.Server{
		Addr:              a.cfg.OpsListenAddr,
		Handler:           ops.NewRouter(a.store),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("ops endpoint started", "addr", a.cfg.OpsListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("ops server error: %w", err)
	case <-ctx.Done():
		stop() // release signal notification
	}

	slog.Info("shutting down", "timeout_seconds", a.cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(a.cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	slog.Info("stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the worker pool only (no dispatcher, no ops endpoint)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.pool.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			slog.Info("worker started")
			newWorkerPool(a).Start(ctx) // blocks until ctx cancelled, then drains
			return nil
		},
	}
}

// ── dispatch ──────────────────────────────────────────────────────────────────

func dispatchCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Start the outbox dispatcher only",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.pool.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			d := newDispatcher(a)
			if once {
				d.RunOnce(ctx)
				return nil
			}

			slog.Info("dispatcher started standalone")
			d.Start(ctx)
			<-ctx.Done()
			d.Stop()
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single delivery pass and exit")
	return cmd
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))
	slog.Info("running migrations")

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide. No pooling needed for a one-shot run.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── jobs ──────────────────────────────────────────────────────────────────────

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and enqueue forecast jobs",
	}
	cmd.AddCommand(jobsListCmd(), jobsEnqueueCmd())
	return cmd
}

func jobsListCmd() *cobra.Command {
	var (
		status string
		kind   string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List forecast jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.pool.Close()

			jobs, err := a.store.ListJobs(cmd.Context(), store.ListJobsFilter{
				Status: store.JobStatus(status),
				Kind:   kind,
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			for _, j := range jobs {
				line := fmt.Sprintf("%s  %-8s  %-16s  attempts=%d  window=[%s, %s)",
					j.ID, j.Status, j.Kind, j.Attempts,
					j.WindowFrom.Format("2006-01-02"), j.WindowTo.Format("2006-01-02"))
				if j.ErrorMessage != nil {
					line += "  error=" + *j.ErrorMessage
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (queued|running|done|failed)")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by job kind")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to print")
	return cmd
}

func jobsEnqueueCmd() *cobra.Command {
	var (
		kind         string
		from         string
		to           string
		actor        string
		payload      string
		scheduledFor string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a forecast job (backfills, manual re-runs)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.pool.Close()

			windowFrom, err := time.Parse("2006-01-02", from)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			windowTo, err := time.Parse("2006-01-02", to)
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			p := store.EnqueueJobParams{
				Kind:       kind,
				WindowFrom: windowFrom,
				WindowTo:   windowTo,
				Actor:      actor,
				Payload:    json.RawMessage(payload),
			}
			if scheduledFor != "" {
				at, err := time.Parse(time.RFC3339, scheduledFor)
				if err != nil {
					return fmt.Errorf("--scheduled-for: %w", err)
				}
				p.ScheduledFor = &at
			}

			id, err := a.store.EnqueueJob(cmd.Context(), p)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", forecast.Kind, "job kind")
	cmd.Flags().StringVar(&from, "from", "", "window start, YYYY-MM-DD (inclusive)")
	cmd.Flags().StringVar(&to, "to", "", "window end, YYYY-MM-DD (exclusive)")
	cmd.Flags().StringVar(&actor, "actor", "cli", "origin recorded on the job")
	cmd.Flags().StringVar(&payload, "payload", "{}", "job payload JSON")
	cmd.Flags().StringVar(&scheduledFor, "scheduled-for", "", "not-before time, RFC 3339")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newPool creates and validates a pgxpool. Retries up to 10 times with linear
// backoff to ride out the compose-startup race where Postgres is not ready yet.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// PgBouncer transaction-pooling compatibility.
	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	// Per-query statement timeout prevents runaway queries from holding
	// connections indefinitely.
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				return db, nil
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying", "attempt", attempt, "error", connErr)
		// time.NewTimer (not time.After) so the timer is released if ctx is
		// cancelled before it fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
}

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

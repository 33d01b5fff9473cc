// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`

	// ── Process ──────────────────────────────────────────────────────────────────
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	OpsListenAddr          string `env:"OPS_LISTEN_ADDR"          envDefault:":9090"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Worker pool ──────────────────────────────────────────────────────────────
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"5s"`
	WorkerCount        int           `env:"WORKER_COUNT"         envDefault:"2"`

	// ── Dispatcher ───────────────────────────────────────────────────────────────
	DispatcherEnabled  bool          `env:"DISPATCHER_ENABLED"   envDefault:"true"`
	DispatchInterval   time.Duration `env:"DISPATCH_INTERVAL"    envDefault:"1m"`
	DispatchBatchLimit int           `env:"DISPATCH_BATCH_LIMIT" envDefault:"50"`
	SendTimeout        time.Duration `env:"SEND_TIMEOUT"         envDefault:"10s"`
	// SendRatePerSecond caps outbound delivery attempts across all channels.
	SendRatePerSecond float64 `env:"SEND_RATE_PER_SECOND" envDefault:"10"`
	// BackoffSchedule is a comma-separated list of wait durations consulted by
	// retry count, e.g. "1m,5m,30m,60m".
	BackoffSchedule string `env:"BACKOFF_SCHEDULE" envDefault:"1m,5m,30m,60m"`

	// ── Email — SMTP ─────────────────────────────────────────────────────────────
	SMTPHost     string `env:"SMTP_HOST" envDefault:"localhost"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"1025"`
	SMTPFrom     string `env:"SMTP_FROM" envDefault:"sanbou@localhost"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPTLS      bool   `env:"SMTP_TLS"  envDefault:"false"`

	// ── Webhooks ─────────────────────────────────────────────────────────────────
	WebhookSigningSecret string `env:"WEBHOOK_SIGNING_SECRET"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// ParseBackoffSchedule parses the BACKOFF_SCHEDULE value into an ordered list
// of durations. An unparsable element is a config error.
func (c *Config) ParseBackoffSchedule() ([]time.Duration, error) {
	parts := strings.Split(c.BackoffSchedule, ",")
	schedule := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("backoff schedule %q: %w", c.BackoffSchedule, err)
		}
		schedule = append(schedule, d)
	}
	return schedule, nil
}

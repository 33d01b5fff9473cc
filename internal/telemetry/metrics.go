// Package telemetry holds the prometheus instruments for the job queue and
// the notification outbox, exposed on the ops /metrics endpoint.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued  = prometheus.NewCounter(prometheus.CounterOpts{Name: "forecast_jobs_enqueued_total", Help: "Forecast jobs enqueued"})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "forecast_jobs_completed_total", Help: "Forecast jobs completed successfully"})
	JobsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "forecast_jobs_failed_total", Help: "Forecast jobs that ended terminally failed"})

	NotificationsSent    = prometheus.NewCounter(prometheus.CounterOpts{Name: "notifications_sent_total", Help: "Outbox items delivered"})
	NotificationsRetried = prometheus.NewCounter(prometheus.CounterOpts{Name: "notifications_retried_total", Help: "Outbox delivery attempts rescheduled for retry"})
	NotificationsFailed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "notifications_failed_total", Help: "Outbox items that ended terminally failed"})
	NotificationsSkipped = prometheus.NewCounter(prometheus.CounterOpts{Name: "notifications_skipped_total", Help: "Outbox items skipped by the business layer"})

	DispatchOverlapSkips = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_overlap_skips_total", Help: "Dispatcher passes skipped because a pass was still running"})
	DispatchBatchSize    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_batch_size", Help: "Items picked up by the most recent dispatcher pass"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsFailed,
			NotificationsSent,
			NotificationsRetried,
			NotificationsFailed,
			NotificationsSkipped,
			DispatchOverlapSkips,
			DispatchBatchSize,
		)
	})
	return promhttp.Handler()
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	JobsProcessedTotal   *prometheus.CounterVec
	JobDuration          *prometheus.HistogramVec
	ProviderCallsTotal   *prometheus.CounterVec
	ProviderCallDuration *prometheus.HistogramVec

	RateLimitWaits    *prometheus.CounterVec
	RateLimitFailOpen prometheus.Counter
	CounterClampTotal prometheus.Counter

	WebhooksReceivedTotal   *prometheus.CounterVec
	WebhooksDroppedTotal    *prometheus.CounterVec
	WebhooksUnmatchedTotal  prometheus.Counter
	WebhooksReconciledTotal *prometheus.CounterVec

	BatchesCompletedTotal prometheus.Counter
	BatchesRecoveredTotal prometheus.Counter
	EventFlushSize        prometheus.Histogram
}

func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		JobsProcessedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "send_jobs_processed_total",
				Help: "Total number of per-recipient send jobs processed",
			},
			[]string{"module", "outcome"},
		),
		JobDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "send_job_duration_seconds",
				Help:    "Wall time of a send job from pull to ack",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"module"},
		),
		ProviderCallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_calls_total",
				Help: "Total number of provider execute calls",
			},
			[]string{"module", "provider", "outcome"},
		),
		ProviderCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "provider_call_duration_seconds",
				Help:    "Duration of provider execute calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"module", "provider"},
		),
		RateLimitWaits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_waits_total",
				Help: "Token acquisitions that had to wait and retry",
			},
			[]string{"level"},
		),
		RateLimitFailOpen: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rate_limit_fail_open_total",
				Help: "Acquisitions granted because the cache was unavailable",
			},
		),
		CounterClampTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "counter_clamp_total",
				Help: "Batch counter increments clamped at total_recipients",
			},
		),
		WebhooksReceivedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhooks_received_total",
				Help: "Provider callbacks accepted by the ingest endpoints",
			},
			[]string{"provider", "event_type"},
		),
		WebhooksDroppedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhooks_dropped_total",
				Help: "Webhook events dropped as duplicates",
			},
			[]string{"provider"},
		),
		WebhooksUnmatchedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "webhooks_unmatched_total",
				Help: "Webhook events skipped because no recipient resolved",
			},
		),
		WebhooksReconciledTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhooks_reconciled_total",
				Help: "Webhook events folded into recipient and batch state",
			},
			[]string{"event_type"},
		),
		BatchesCompletedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "batches_completed_total",
				Help: "Batches finalised as completed",
			},
		),
		BatchesRecoveredTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "batches_recovered_total",
				Help: "Stuck batches re-enqueued by the recovery scan",
			},
		),
		EventFlushSize: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "event_flush_size",
				Help:    "Number of event records per bulk insert",
				Buckets: []float64{1, 10, 50, 100, 250, 500},
			},
		),
	}
}

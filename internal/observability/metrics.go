package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the API and dispatcher processes
// publish. NewMetrics takes an explicit registerer rather than reaching for
// prometheus.DefaultRegisterer directly, so each binary registers against
// its own registry while tests get an isolated one.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	QueueDepth          *prometheus.GaugeVec
	DispatchAttemptsTotal *prometheus.CounterVec
	DispatchDuration    prometheus.Histogram
	RetryAttemptsTotal  prometheus.Counter
	LeaseReapedTotal    prometheus.Counter

	DeliveryReceiptsTotal *prometheus.CounterVec
	WebhookDuplicatesTotal prometheus.Counter
}

// NewMetrics registers the full collector set against reg. The API and
// dispatcher binaries each pass their own prometheus.NewRegistry(); tests
// pass a fresh registry, or nil to register nothing, since promauto panics
// on a duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sms_http_requests_total",
			Help: "Total HTTP requests served, labeled by route and status class.",
		}, []string{"route", "method", "status"}),

		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sms_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sms_queue_depth",
			Help: "Number of queue items currently in each status.",
		}, []string{"status"}),

		DispatchAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sms_dispatch_attempts_total",
			Help: "Total dispatch attempts, labeled by outcome.",
		}, []string{"outcome"}),

		DispatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sms_dispatch_duration_seconds",
			Help:    "Time spent sending a single queue item to the carrier.",
			Buckets: prometheus.DefBuckets,
		}),

		RetryAttemptsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sms_retry_attempts_total",
			Help: "Total items rescheduled for retry after a transient carrier failure.",
		}),

		LeaseReapedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sms_lease_reaped_total",
			Help: "Total queue items reclaimed by the stuck-lease reaper.",
		}),

		DeliveryReceiptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sms_delivery_receipts_total",
			Help: "Total delivery receipts ingested, labeled by raw provider status.",
		}, []string{"status"}),

		WebhookDuplicatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sms_webhook_duplicates_total",
			Help: "Total webhook deliveries rejected as duplicates by the dedup cache.",
		}),
	}
}

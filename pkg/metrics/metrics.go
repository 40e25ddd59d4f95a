package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncOutcomes counts finished engine runs by status (success, failed, already_synced, in_flight)
	// and error kind (unavailable, rejected, malformed, internal)
	SyncOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_sync_outcomes_total",
		Help: "Total number of booking sync attempts by result",
	}, []string{"status", "kind", "source"})

	// SyncDuration measures one booking from claim to recorded outcome
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "booking_sync_duration_seconds",
		Help:    "Time taken to push one booking into the ERP",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"status"})

	// ERPCallDuration tracks latency of every remote procedure call
	ERPCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "erp_call_duration_seconds",
		Help:    "Duration of ERP remote calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"model", "method", "result"})

	// ERPUp is 1 while the last ERP authentication succeeded
	ERPUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "erp_up",
		Help: "Whether the last ERP connection check succeeded (1) or failed (0)",
	})

	// WebhookRequests counts inbound webhook deliveries by topic and HTTP result
	WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_requests_total",
		Help: "Inbound storefront webhooks by topic and response code",
	}, []string{"topic", "code"})

	// MalformedOrders counts orders skipped during normalization
	MalformedOrders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_malformed_orders_total",
		Help: "Orders skipped because mandatory fields were missing",
	}, []string{"source"})

	// ReconcileDuration measures a full reconciliation tick
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reconcile_tick_duration_seconds",
		Help:    "Duration of a reconciliation tick in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	// ReconcileBookings tracks how many bookings each tick looked at, by phase
	ReconcileBookings = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reconcile_bookings",
		Help:    "Number of bookings handled per reconciliation tick",
		Buckets: []float64{0, 1, 10, 50, 100, 500},
	}, []string{"phase"})

	// ReconcileFailures counts ticks that aborted before advancing the watermark
	ReconcileFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_tick_failures_total",
		Help: "Reconciliation ticks aborted because the storefront fetch failed",
	})

	// RetryBacklog is the number of failed rows still eligible for automatic retry
	RetryBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "booking_retry_backlog",
		Help: "Failed bookings waiting for a scheduler retry",
	})

	// EventsPublished tracks outcome events by sink and result
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outcome_events_published_total",
		Help: "Outcome events handed to the configured sink",
	}, []string{"sink", "result"})

	// BrokerHealthy reports the RabbitMQ link state (1 healthy, 0 down)
	BrokerHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "events_broker_healthy",
		Help: "Current health status of the events broker link",
	})
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tixreserve_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "code", "method"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tixreserve_http_request_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	TransactionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tixreserve_transactions_created_total",
			Help: "Total number of pending transactions created",
		},
	)

	TransactionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tixreserve_transaction_transitions_total",
			Help: "Total number of transactions moved to a terminal status",
		},
		[]string{"status"},
	)

	ReservationRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tixreserve_reservations_rejected_total",
			Help: "Total number of seat reservations rejected for lack of capacity",
		},
	)

	TxRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tixreserve_db_tx_retries_total",
			Help: "Total number of retried database transactions",
		},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tixreserve_sweep_seconds",
			Help:    "Duration of expiration sweeps",
			Buckets: prometheus.DefBuckets,
		},
	)

	SweepFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tixreserve_sweep_failures_total",
			Help: "Total number of transactions a sweep failed to expire",
		},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tixreserve_cache_lookups_total",
			Help: "Read-through cache lookups by result",
		},
		[]string{"result"},
	)

	EventNotifications = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tixreserve_event_notifications_published_total",
			Help: "Event change notifications published",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tixreserve_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)

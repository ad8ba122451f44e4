package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "waitlist_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	EntriesEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "waitlist_entries_enqueued_total",
			Help: "Total waiting-list entries created",
		},
	)

	OfferTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_offer_transitions_total",
			Help: "Offers granted, expired and cancelled",
		},
		[]string{"transition"},
	)

	PurchasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_purchases_total",
			Help: "Purchase attempts by outcome",
		},
		[]string{"outcome"},
	)

	GatewayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "waitlist_gateway_seconds",
			Help:    "Payment gateway call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	SweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_sweep_runs_total",
			Help: "Expiry sweep runs by result",
		},
		[]string{"result"},
	)

	OutboxLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "waitlist_outbox_lag_seconds",
			Help: "Lag of outbox publishing",
		},
	)

	OutboxPublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "waitlist_outbox_publish_failures_total",
			Help: "Total outbox publish failures",
		},
	)

	RateLimitExceeded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "waitlist_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)

var registerOnce sync.Once

func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RequestsTotal, DBTxDuration, EntriesEnqueued, OfferTransitions, PurchasesTotal,
			GatewayDuration, SweepRuns, OutboxLag, OutboxPublishFailures, RateLimitExceeded,
		)
	})
}

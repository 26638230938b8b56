package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AcceptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "freight_matching", Name: "accepts_total", Help: "Accept-offer attempts by outcome"},
		[]string{"outcome"},
	)
	AcceptLatency    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "freight_matching", Name: "accept_latency_seconds", Help: "Accept-offer latency seconds"})
	AcceptRetries    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "freight_matching", Name: "accept_retries_total", Help: "Accept-offer retries after transient store errors"})
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "freight_matching", Name: "transitions_total", Help: "Applied status transitions"},
		[]string{"entity", "to"},
	)
	ETAFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: "freight_matching", Name: "eta_failures_total", Help: "Best-effort ETA estimates that were unavailable"})

	StreamEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "freight_matching", Name: "stream_events_published_total", Help: "Change events published in-process"},
		[]string{"entity", "type"},
	)
	StreamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "freight_matching", Name: "stream_subscribers", Help: "Active in-process stream subscriptions"})

	ReconcilerEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "freight_matching", Name: "reconciler_events_total", Help: "Change events merged by reconcilers"},
		[]string{"entity", "type", "result"},
	)
	ReconcilerResyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "freight_matching", Name: "reconciler_resyncs_total", Help: "Full resynchronisations"},
		[]string{"entity"},
	)
	ReconcilerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "freight_matching", Name: "reconciler_state", Help: "Reconciler connection state: 0 disconnected, 1 connecting, 2 live, 3 reconnecting"},
		[]string{"entity"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "freight_matching", Name: "driver_notifications_total", Help: "Offer outcome webhooks by result"},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "freight_matching", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "freight_matching",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

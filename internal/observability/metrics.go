package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TripsCreated   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "trips_created_total", Help: "Total trips created"})
	TripsCompleted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "trips_completed_total", Help: "Total trips completed"})
	TripsCancelled = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "trips_cancelled_total", Help: "Total trips cancelled"},
		[]string{"by"},
	)

	InvitesSent    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "invites_sent_total", Help: "Total driver invitations sent"})
	InviteTimeouts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "invite_timeouts_total", Help: "Total invitations expired without an answer"})
	DispatchEmpty  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "dispatch_empty_total", Help: "Total dispatches that exhausted the candidate queue"})

	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "trip_dispatch", Name: "drivers_online", Help: "Number of drivers currently online"})

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "events_published_total", Help: "Total events published to the bus"},
		[]string{"type"},
	)
	EventPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "event_publish_errors_total", Help: "Total events dropped after publish retries"},
		[]string{"type"},
	)
	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "events_consumed_total", Help: "Total events consumed from the bus"},
		[]string{"type"},
	)
	EventsInvalid = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "events_invalid_total", Help: "Total undecodable events received"})

	RoutingFallbacks = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "routing_fallbacks_total", Help: "Total route estimates served by the haversine fallback"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trip_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

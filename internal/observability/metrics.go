package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ridehail"

var (
	RidesRequested = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_requested_total", Help: "Total rides requested by passengers"})

	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride status transitions by target status"},
		[]string{"status"},
	)
	ClaimConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "claim_conflicts_total", Help: "Conditional updates lost to a concurrent writer"},
		[]string{"kind"},
	)

	OffersSubmitted    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_submitted_total", Help: "Total driver offers submitted"})
	OffersAutoAccepted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_auto_accepted_total", Help: "Offers accepted by the auto-accept ceiling"})
	OffersExpired      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_expired_total", Help: "Offers hidden after their countdown ran out"})
	GeofenceArrivals   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "geofence_arrivals_total", Help: "Pickup geofence crossings that started a ride"})
	PollFetches        = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "poll_fetches_total", Help: "Fallback poll fetches of ride rows"})
	DriversOnline      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})

	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "active_sessions", Help: "Hosted lifecycle sessions by role"},
		[]string{"role"},
	)

	FeedSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "feed_subscriptions", Help: "Live change-feed subscriptions"})
	FeedDropped       = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "feed_dropped_total", Help: "Changes dropped because a subscriber was full"})

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_sent_total", Help: "User notifications by kind and channel"},
		[]string{"kind", "channel"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

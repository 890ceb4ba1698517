package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch", Name: "offers_sent_total",
		Help: "Offers delivered to drivers"})
	OffersAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch", Name: "offers_accepted_total",
		Help: "Offers accepted and committed"})
	OffersDeclined = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch", Name: "offers_declined_total",
		Help: "Offers explicitly declined"})
	OffersExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch", Name: "offers_expired_total",
		Help: "Offers that ran out both timeout phases"})
	Escalations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch", Name: "escalations_total",
		Help: "Moves to the next ranked candidate"})
	DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch", Name: "delivery_failures_total",
		Help: "Offer notifications that could not be delivered"})
	LedgerConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch", Name: "ledger_conflicts_total",
		Help: "Assign/cancel attempts rejected by a concurrent mutation"})
	BookingsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch", Name: "bookings_expired_total",
		Help: "Bookings that never found a driver"})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ride_dispatch", Name: "queue_depth",
		Help: "Bookings waiting for a driver to come online"})
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ride_dispatch", Name: "drivers_online",
		Help: "Drivers currently reporting online"})
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_dispatch", Name: "match_latency_seconds",
		Help:    "Time from dispatch start to committed assignment",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 240, 480},
	})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total",
			Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsConnected = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "fare_auction", Name: "sessions_connected", Help: "Number of live transport sessions"})
	DriversAvailable  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "fare_auction", Name: "drivers_available", Help: "Drivers currently marked available"})
	AuctionsActive    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "fare_auction", Name: "auctions_active", Help: "Requests currently pending, bidding, or accepted"})

	BidsTotal         = promauto.NewCounter(prometheus.CounterOpts{Namespace: "fare_auction", Name: "bids_total", Help: "Total bids submitted (including resubmissions)"})
	AcceptsTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "fare_auction", Name: "accepts_total", Help: "Total successful bid acceptances"})
	CancellationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "fare_auction", Name: "cancellations_total", Help: "Total cancelled requests"},
		[]string{"initiator"},
	)
	SessionEvictions = promauto.NewCounter(prometheus.CounterOpts{Namespace: "fare_auction", Name: "session_evictions_total", Help: "Sessions forcibly closed (duplicate registration or staleness)"})
	BroadcastsTotal  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "fare_auction", Name: "broadcasts_total", Help: "Frames fanned out, by message type"},
		[]string{"type"},
	)
	WSErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "fare_auction", Name: "ws_errors_total", Help: "WebSocket write/read failures"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "fare_auction", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fare_auction",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Admin API metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "torrentcast_http_requests_total",
			Help: "Total number of admin API requests by method, path and status.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "torrentcast_http_request_duration_seconds",
			Help:    "Duration of admin API requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Streaming plane metrics.
var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "torrentcast_stream_connections",
		Help: "Number of currently open streaming connections.",
	})

	StreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "torrentcast_stream_requests_total",
			Help: "Total streaming server requests by method and status.",
		},
		[]string{"method", "status"},
	)

	ActiveCursors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "torrentcast_stream_cursors",
		Help: "Number of read cursors currently delivering a response body.",
	})

	StreamedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "torrentcast_streamed_bytes_total",
		Help: "Total bytes fed to streaming response bodies.",
	})

	StreamErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "torrentcast_stream_errors_total",
		Help: "Total piece read failures surfaced to streaming responses.",
	})

	PieceRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "torrentcast_piece_requests_total",
			Help: "Total piece requests issued by cursors, by kind (read, deadline).",
		},
		[]string{"kind"},
	)

	PieceDeadlineResetsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "torrentcast_piece_deadline_resets_total",
		Help: "Total piece deadline releases (window eviction and cursor teardown).",
	})

	ActiveTorrents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "torrentcast_active_torrents",
		Help: "Number of torrents currently registered with the session.",
	})
)

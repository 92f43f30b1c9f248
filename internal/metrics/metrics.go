// ABOUTME: Prometheus collectors for the relay, registered on the default registry via promauto.
// ABOUTME: Covers connections, envelope traffic, drops, error codes, sessions and AI latency.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "a2a_connections_active",
			Help: "Live agent streaming connections",
		},
	)

	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_connections_total",
			Help: "Agent connections accepted or refused",
		},
		[]string{"result"}, // "accepted", "superseded", "rejected"
	)

	// Envelope traffic
	EnvelopesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_envelopes_received_total",
			Help: "Inbound envelopes by type",
		},
		[]string{"type"},
	)

	EnvelopesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_envelopes_dropped_total",
			Help: "Envelopes not delivered",
		},
		[]string{"reason"}, // "queue_overflow", "closed", "no_recipient", "duplicate"
	)

	ErrorsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_errors_sent_total",
			Help: "Error envelopes sent to agents by code",
		},
		[]string{"code"},
	)

	// Session metrics
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "a2a_sessions_active",
			Help: "Active sessions",
		},
	)

	SessionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_sessions_ended_total",
			Help: "Ended sessions by reason",
		},
		[]string{"reason"},
	)

	// AI responder
	ResponderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "a2a_responder_latency_seconds",
			Help:    "AI responder turn latency",
			Buckets: []float64{.25, .5, 1, 2, 4, 8, 15, 30, 60},
		},
		[]string{"outcome"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "a2a_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Persistence
	JournalDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "a2a_journal_dropped_total",
			Help: "Journal records dropped because the buffer was full",
		},
	)
)

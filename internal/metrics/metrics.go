// Package metrics exposes prometheus instrumentation for the realtime
// synchronization core. Skip and dedup counters back the observability
// contract of the message pipeline: records are never dropped silently.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RecordsNormalized counts raw records successfully normalized, by source.
	RecordsNormalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bkcrm_records_normalized_total",
		Help: "Raw message records successfully normalized, by transport source.",
	}, []string{"source"})

	// RecordsSkipped counts malformed records rejected by the normalizer.
	RecordsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bkcrm_records_skipped_total",
		Help: "Malformed message records skipped during normalization, by transport source.",
	}, []string{"source"})

	// DuplicatesSuppressed counts buffer inserts rejected as duplicates.
	DuplicatesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bkcrm_duplicates_suppressed_total",
		Help: "Message inserts suppressed because the stable id was already buffered.",
	})

	// DegradedIDs counts stable-id derivations that fell back to the
	// timestamp-derived degraded path.
	DegradedIDs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bkcrm_degraded_ids_total",
		Help: "Stable id derivations that used the degraded fallback.",
	})

	// ReconnectAttempts counts supervisor reconnection attempts.
	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bkcrm_reconnect_attempts_total",
		Help: "Transport reconnection attempts made by the connection supervisor.",
	})

	// RelayFailures counts failed outbound relays to external channels.
	RelayFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bkcrm_relay_failures_total",
		Help: "Failed outbound relays to external messaging channels, by channel.",
	}, []string{"channel"})

	// SendFailures counts outbound socket sends rejected by the gateway.
	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bkcrm_send_failures_total",
		Help: "Outbound message sends rejected by the gateway socket.",
	})

	// ConnectionState reports the supervisor state as a numeric gauge
	// (0=disconnected, 1=connecting, 2=connected, 3=error).
	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bkcrm_connection_state",
		Help: "Connection supervisor state (0=disconnected, 1=connecting, 2=connected, 3=error).",
	})
)

// Handler returns the HTTP handler serving the prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

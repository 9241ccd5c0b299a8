// Package metrics exposes Prometheus counters for the SMTP daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal counts accepted SMTP connections.
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailpipe",
			Subsystem: "smtp",
			Name:      "connections_total",
			Help:      "Total number of SMTP connections accepted",
		},
	)

	// ConnectionsActive tracks in-flight SMTP sessions.
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mailpipe",
			Subsystem: "smtp",
			Name:      "connections_active",
			Help:      "Number of active SMTP sessions",
		},
	)

	// EmailsReceived counts completed DATA phases.
	EmailsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailpipe",
			Subsystem: "smtp",
			Name:      "emails_received_total",
			Help:      "Total number of emails received via SMTP",
		},
	)

	// EmailsRejected counts rejected transactions by reason.
	EmailsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailpipe",
			Subsystem: "smtp",
			Name:      "emails_rejected_total",
			Help:      "Total number of rejected emails by reason",
		},
		[]string{"reason"},
	)

	// AuthFailures counts failed AUTH attempts by reason.
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailpipe",
			Subsystem: "smtp",
			Name:      "auth_failures_total",
			Help:      "Total number of failed authentication attempts by reason",
		},
		[]string{"reason"},
	)

	// SinkDeliveries counts sink delivery attempts by sink and outcome.
	SinkDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailpipe",
			Subsystem: "sink",
			Name:      "deliveries_total",
			Help:      "Total number of sink delivery attempts by sink and outcome",
		},
		[]string{"sink", "outcome"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics registers the Prometheus collectors shared across the
// agent. Everything uses the default registry, exposed on /metrics by the
// HTTP server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InboundRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sipagent_inbound_requests_total",
		Help: "Inbound SIP requests by method.",
	}, []string{"method"})

	CallsOriginated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sipagent_calls_originated_total",
		Help: "Outbound INVITEs sent.",
	})

	CallsConnected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sipagent_calls_connected_total",
		Help: "Calls that reached the connected state.",
	})

	CallsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sipagent_calls_failed_total",
		Help: "Calls that ended in failure, cancellation or timeout.",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sipagent_sessions_active",
		Help: "Sessions currently tracked by the registry.",
	})

	KeepAliveUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sipagent_keepalive_updates_total",
		Help: "In-dialog UPDATE refreshes sent by the keep-alive scheduler.",
	})

	Registrations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sipagent_registrations_total",
		Help: "Successful REGISTER exchanges.",
	})
)

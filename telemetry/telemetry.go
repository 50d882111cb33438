// package telemetry exposes the process's prometheus collectors. Counters
// are package-level so any component can increment them without plumbing.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Refusal reasons used as the reason label on SlotsRefused.
const (
	ReasonBadRequest = "bad_request"
	ReasonOversize   = "oversize"
	ReasonForbidden  = "forbidden"
	ReasonQuota      = "quota"
	ReasonInternal   = "internal"
)

var (
	SlotsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slotd",
		Name:      "slots_issued_total",
		Help:      "Upload slots granted, by logical host.",
	}, []string{"host"})

	SlotsRefused = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slotd",
		Name:      "slots_refused_total",
		Help:      "Upload slots refused, by logical host and reason.",
	}, []string{"host", "reason"})

	Discoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slotd",
		Name:      "discoveries_total",
		Help:      "Discovery queries answered, by logical host.",
	}, []string{"host"})

	Reloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slotd",
		Name:      "reloads_total",
		Help:      "Configuration reloads, by logical host and outcome.",
	}, []string{"host", "outcome"})

	ActiveWebConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "slotd",
		Name:      "web_connections_active",
		Help:      "Websocket connections currently open.",
	})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

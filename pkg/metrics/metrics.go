package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Instance metrics
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sagent_instances_total",
			Help: "Number of instance records by status",
		},
		[]string{"status"},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagent_requests_total",
			Help: "Control requests handled, by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sagent_request_duration_seconds",
			Help:    "Control request handling latency by type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Supervisor metrics
	SupervisorCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sagent_supervisor_cycles_total",
			Help: "Completed supervisor scan cycles",
		},
	)

	SupervisorRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagent_supervisor_restarts_total",
			Help: "Supervisor restart attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Remote session metrics
	SessionReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sagent_session_reconnects_total",
			Help: "Remote session reconnect attempts",
		},
	)

	SessionInboundDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sagent_session_inbound_dropped_total",
			Help: "Inbound remote messages dropped due to queue overflow",
		},
	)
)

func init() {
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(SupervisorCyclesTotal)
	prometheus.MustRegister(SupervisorRestartsTotal)
	prometheus.MustRegister(SessionReconnectsTotal)
	prometheus.MustRegister(SessionInboundDroppedTotal)
}

// Handler returns the prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}

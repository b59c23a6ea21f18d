package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all Prometheus metrics of the keep-alive client.
type Registry struct {
	reg *prometheus.Registry

	// Heartbeat traffic, labelled by variant ("stream" or "poll")
	PingsSent     *prometheus.CounterVec
	PingFailures  *prometheus.CounterVec
	PongsReceived prometheus.Counter

	// Session endpoint
	AuthAttempts *prometheus.CounterVec

	// Lifecycle
	ActiveStreams prometheus.Gauge
	Reconnects    *prometheus.CounterVec
	Cooldowns     prometheus.Counter
	Transitions   *prometheus.CounterVec
	CooldownDelay prometheus.Histogram

	// Stream traffic through the egress, labelled by direction ("up" or "down")
	EgressBytes *prometheus.CounterVec
}

// New creates a Registry with its own prometheus registry, so tests can
// create as many as they like.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		PingsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_pings_sent_total",
				Help: "Total number of liveness pings sent",
			},
			[]string{"variant"},
		),
		PingFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_ping_failures_total",
				Help: "Total number of failed liveness pings by reason",
			},
			[]string{"variant", "reason"},
		),
		PongsReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nexus_pongs_received_total",
				Help: "Total number of PONG messages received on streams",
			},
		),
		AuthAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_auth_attempts_total",
				Help: "Session endpoint calls by result",
			},
			[]string{"result"},
		),
		ActiveStreams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "nexus_active_streams",
				Help: "Number of currently open streams",
			},
		),
		Reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_reconnects_total",
				Help: "Stream reconnects scheduled, by cause",
			},
			[]string{"cause"},
		),
		Cooldowns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nexus_cooldowns_total",
				Help: "Number of enforced cooldown sleeps",
			},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_identity_status_total",
				Help: "Identity status updates by status",
			},
			[]string{"status"},
		),
		CooldownDelay: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nexus_cooldown_seconds",
				Help:    "Randomized cooldown durations",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 4, 6},
			},
		),
		EgressBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_egress_bytes_total",
				Help: "Bytes carried by streams, by direction",
			},
			[]string{"direction"},
		),
	}

	r.reg.MustRegister(
		r.PingsSent, r.PingFailures, r.PongsReceived,
		r.AuthAttempts,
		r.ActiveStreams, r.Reconnects, r.Cooldowns, r.Transitions, r.CooldownDelay,
		r.EgressBytes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// AuthResult records one session endpoint call.
func (r *Registry) AuthResult(err error) {
	if err != nil {
		r.AuthAttempts.WithLabelValues("failure").Inc()
		return
	}
	r.AuthAttempts.WithLabelValues("success").Inc()
}

// Package metrics collects and exposes Prometheus metrics for the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"deskgate/internal/events"
	"deskgate/internal/session"
)

// Collector holds the gateway's Prometheus metrics.
type Collector struct {
	authSuccess    prometheus.Counter
	authFail       prometheus.Counter
	tunnelsOpened  prometheus.Counter
	tunnelsClosed  prometheus.Counter
	tunnelDuration prometheus.Histogram
	sessionsTotal  prometheus.Counter
}

// NewCollector registers the gateway metrics with reg. The active session
// and tunnel gauges read live counts from the directory on scrape.
func NewCollector(reg prometheus.Registerer, dir *session.Directory) *Collector {
	c := &Collector{
		authSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deskgate_auth_success_total",
			Help: "Total number of successful authentications.",
		}),
		authFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deskgate_auth_fail_total",
			Help: "Total number of rejected authentication attempts.",
		}),
		tunnelsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deskgate_tunnels_opened_total",
			Help: "Total number of tunnels established to backends.",
		}),
		tunnelsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deskgate_tunnels_closed_total",
			Help: "Total number of tunnels closed.",
		}),
		tunnelDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "deskgate_tunnel_duration_seconds",
			Help:    "Lifetime of closed tunnels in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deskgate_sessions_started_total",
			Help: "Total number of sessions created.",
		}),
	}

	reg.MustRegister(
		c.authSuccess,
		c.authFail,
		c.tunnelsOpened,
		c.tunnelsClosed,
		c.tunnelDuration,
		c.sessionsTotal,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "deskgate_sessions_active",
			Help: "Number of currently active sessions.",
		}, func() float64 { return float64(dir.Count()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "deskgate_tunnels_active",
			Help: "Number of currently open tunnels across all sessions.",
		}, func() float64 { return float64(dir.TunnelCount()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "deskgate_sessions_evicted_total",
			Help: "Total number of sessions evicted by the idle sweep.",
		}, func() float64 { return float64(dir.Evictions()) }),
	)

	return c
}

// Listener returns an adapter that updates counters from lifecycle events.
func (c *Collector) Listener() events.Listener {
	return events.ListenerFunc(func(e events.Event) error {
		switch ev := e.(type) {
		case events.AuthenticationSuccessEvent:
			c.authSuccess.Inc()
		case events.AuthenticationFailureEvent:
			c.authFail.Inc()
		case events.SessionStartedEvent:
			c.sessionsTotal.Inc()
		case events.TunnelConnectEvent:
			c.tunnelsOpened.Inc()
		case events.TunnelCloseEvent:
			c.tunnelsClosed.Inc()
			c.tunnelDuration.Observe(ev.Duration.Seconds())
		}
		return nil
	})
}

// Handler returns the HTTP handler for Prometheus scrapes.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

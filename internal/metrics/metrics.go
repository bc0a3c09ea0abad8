// Package metrics exposes the router's Prometheus instrumentation.
// Adapted from the teacher's internal/metrics/metrics.go, generalized
// from a "tenant"/"db_type" label pair to a "route"/"endpoint" pair
// that matches this router's pool.Endpoint-keyed model, and trimmed of
// the transaction-mode-pooling-specific series (session pins, backend
// resets, dirty disconnects) that only apply to the teacher's
// multiplexed-transaction pooling mode, which this router doesn't
// implement.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric the router reports.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsStashed *prometheus.GaugeVec
	sessionDuration    *prometheus.HistogramVec
	routeHealth        *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec
	connectionsReused  *prometheus.CounterVec

	connectDuration *prometheus.HistogramVec
	connectErrors   *prometheus.CounterVec

	handshakeDuration *prometheus.HistogramVec
	authFailures      *prometheus.CounterVec
}

// New creates and registers every metric against a fresh registry, safe
// to call repeatedly (e.g. in tests) without colliding with any other
// Collector's series.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "routerd_connections_active",
				Help: "Number of active client connections per route",
			},
			[]string{"route"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "routerd_connections_idle",
				Help: "Number of idle pooled backend connections per endpoint",
			},
			[]string{"route", "endpoint"},
		),
		connectionsStashed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "routerd_connections_stashed",
				Help: "Number of backend connections stashed for connection sharing, per endpoint",
			},
			[]string{"route", "endpoint"},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "routerd_session_duration_seconds",
				Help:    "Duration of proxied client sessions in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"route"},
		),
		routeHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "routerd_route_health",
				Help: "Health status of a route's destinations (1=healthy, 0=unhealthy)",
			},
			[]string{"route"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routerd_pool_exhausted_total",
				Help: "Times a pooled connection lookup missed and a fresh connect was required, per endpoint",
			},
			[]string{"route", "endpoint"},
		),
		connectionsReused: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routerd_connections_reused_total",
				Help: "Times a pooled backend connection was reused instead of dialed fresh",
			},
			[]string{"route", "endpoint"},
		),
		connectDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "routerd_connect_duration_seconds",
				Help:    "Time spent in LazyConnector.Connect, including retries",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"route"},
		),
		connectErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routerd_connect_errors_total",
				Help: "Connector failures by endpoint",
			},
			[]string{"route", "endpoint"},
		),
		handshakeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "routerd_handshake_duration_seconds",
				Help:    "Time spent in ClientGreetor from accept to Accepted",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"route"},
		),
		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routerd_auth_failures_total",
				Help: "Authentication failures by route and stage (client, server)",
			},
			[]string{"route", "stage"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsStashed,
		c.sessionDuration,
		c.routeHealth,
		c.poolExhausted,
		c.connectionsReused,
		c.connectDuration,
		c.connectErrors,
		c.handshakeDuration,
		c.authFailures,
	)

	return c
}

// SessionDuration observes a full proxied-session duration.
func (c *Collector) SessionDuration(route string, d time.Duration) {
	c.sessionDuration.WithLabelValues(route).Observe(d.Seconds())
}

// SetRouteHealth sets the health gauge for a route.
func (c *Collector) SetRouteHealth(route string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.routeHealth.WithLabelValues(route).Set(val)
}

// PoolExhausted increments the pool-miss counter for an endpoint.
func (c *Collector) PoolExhausted(route, endpoint string) {
	c.poolExhausted.WithLabelValues(route, endpoint).Inc()
}

// ConnectionReused increments the pool-hit counter for an endpoint.
func (c *Collector) ConnectionReused(route, endpoint string) {
	c.connectionsReused.WithLabelValues(route, endpoint).Inc()
}

// UpdatePoolStats updates the idle/stashed gauges for a route's endpoint.
func (c *Collector) UpdatePoolStats(route, endpoint string, idle, stashed int) {
	c.connectionsIdle.WithLabelValues(route, endpoint).Set(float64(idle))
	c.connectionsStashed.WithLabelValues(route, endpoint).Set(float64(stashed))
}

// SetActiveConnections sets the active-client-connections gauge for a route.
func (c *Collector) SetActiveConnections(route string, n int) {
	c.connectionsActive.WithLabelValues(route).Set(float64(n))
}

// ConnectDuration observes a LazyConnector.Connect call's total latency.
func (c *Collector) ConnectDuration(route string, d time.Duration) {
	c.connectDuration.WithLabelValues(route).Observe(d.Seconds())
}

// ConnectError increments the connector-failure counter for an endpoint.
func (c *Collector) ConnectError(route, endpoint string) {
	c.connectErrors.WithLabelValues(route, endpoint).Inc()
}

// HandshakeDuration observes ClientGreetor's accept-to-Accepted latency.
func (c *Collector) HandshakeDuration(route string, d time.Duration) {
	c.handshakeDuration.WithLabelValues(route).Observe(d.Seconds())
}

// AuthFailure increments the auth-failure counter for a route/stage pair.
func (c *Collector) AuthFailure(route, stage string) {
	c.authFailures.WithLabelValues(route, stage).Inc()
}

// RemoveRoute removes every metric series for a route, e.g. after it's
// deleted from the running configuration.
func (c *Collector) RemoveRoute(route string) {
	c.connectionsActive.DeletePartialMatch(prometheus.Labels{"route": route})
	c.connectionsIdle.DeletePartialMatch(prometheus.Labels{"route": route})
	c.connectionsStashed.DeletePartialMatch(prometheus.Labels{"route": route})
	c.sessionDuration.DeletePartialMatch(prometheus.Labels{"route": route})
	c.routeHealth.DeleteLabelValues(route)
	c.poolExhausted.DeletePartialMatch(prometheus.Labels{"route": route})
	c.connectionsReused.DeletePartialMatch(prometheus.Labels{"route": route})
	c.connectDuration.DeletePartialMatch(prometheus.Labels{"route": route})
	c.connectErrors.DeletePartialMatch(prometheus.Labels{"route": route})
	c.handshakeDuration.DeletePartialMatch(prometheus.Labels{"route": route})
	c.authFailures.DeletePartialMatch(prometheus.Labels{"route": route})
}

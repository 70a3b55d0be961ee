// Package observe holds the gateway's metrics and telemetry plumbing.
package observe

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for WardGate.
// Pass to components that need to record metrics.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	FramesTotal       *prometheus.CounterVec
	AuthAttempts      *prometheus.CounterVec
	RateLimitedTotal  prometheus.Counter
	PolicyDecisions   *prometheus.CounterVec
	EgressBlocked     prometheus.Counter
	RateLimitKeys     prometheus.Gauge
}

// NewMetrics creates all metrics on a private registry, so tests can build
// independent instances without duplicate-registration panics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	return &Metrics{
		registry: reg,
		ConnectionsActive: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "wardgate",
				Name:      "connections_active",
				Help:      "Number of open client connections",
			},
		),
		FramesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wardgate",
				Name:      "frames_total",
				Help:      "Total RPC frames processed",
			},
			[]string{"kind", "status"}, // kind=request/event, status=ok/error
		),
		AuthAttempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wardgate",
				Name:      "auth_attempts_total",
				Help:      "Total authentication attempts at the handshake",
			},
			[]string{"result"}, // result=ok/failed/rate_limited
		),
		RateLimitedTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "wardgate",
				Name:      "rate_limited_total",
				Help:      "Total handshakes refused by the rate limiter",
			},
		),
		PolicyDecisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wardgate",
				Name:      "policy_decisions_total",
				Help:      "Total tool policy decisions",
			},
			[]string{"result"}, // result=allow/deny
		),
		EgressBlocked: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "wardgate",
				Name:      "egress_blocked_total",
				Help:      "Total outbound requests refused as private destinations",
			},
		),
		RateLimitKeys: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "wardgate",
				Name:      "rate_limit_keys",
				Help:      "Number of tracked rate limit keys",
			},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

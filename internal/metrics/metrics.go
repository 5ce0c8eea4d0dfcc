// Package metrics holds the Prometheus collectors of the dev server.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	proxyRequests   *prometheus.CounterVec
	proxyErrors     *prometheus.CounterVec
	proxyRules      prometheus.Gauge
	ruleReloads     *prometheus.CounterVec
	spaFallbacks    *prometheus.CounterVec
	reloadClients   prometheus.Gauge
	reloadBroadcast prometheus.Counter
	upstreamUp      *prometheus.GaugeVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		proxyRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "containerdash_proxy_requests_total",
				Help: "Requests forwarded through a proxy rule, by rule prefix and status code",
			},
			[]string{"prefix", "code"},
		),
		proxyErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "containerdash_proxy_errors_total",
				Help: "Proxied requests that failed to reach their target",
			},
			[]string{"prefix"},
		),
		proxyRules: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "containerdash_proxy_rules",
				Help: "Number of active proxy rules",
			},
		),
		ruleReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "containerdash_proxy_rule_reloads_total",
				Help: "Proxy rule reloads, by result",
			},
			[]string{"result"},
		),
		spaFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "containerdash_spa_fallbacks_total",
				Help: "Requests answered with index.html for client-side routing, by route name",
			},
			[]string{"route"},
		),
		reloadClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "containerdash_livereload_clients",
				Help: "Browsers connected to the live reload stream",
			},
		),
		reloadBroadcast: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "containerdash_livereload_broadcasts_total",
				Help: "Reload events sent to connected browsers",
			},
		),
		upstreamUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "containerdash_upstream_up",
				Help: "Whether the last probe of a proxy target got an answer below 500",
			},
			[]string{"prefix"},
		),
	}
	m.registry.MustRegister(
		m.proxyRequests,
		m.proxyErrors,
		m.proxyRules,
		m.ruleReloads,
		m.spaFallbacks,
		m.reloadClients,
		m.reloadBroadcast,
		m.upstreamUp,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ProxyRequest(prefix string, code int) {
	if m == nil {
		return
	}
	m.proxyRequests.WithLabelValues(prefix, strconv.Itoa(code)).Inc()
}

func (m *Metrics) ProxyError(prefix string) {
	if m == nil {
		return
	}
	m.proxyErrors.WithLabelValues(prefix).Inc()
}

func (m *Metrics) SetProxyRules(n int) {
	if m == nil {
		return
	}
	m.proxyRules.Set(float64(n))
}

// RuleReload records a reload attempt; ok is false when the previous
// rules were kept because a source failed to parse.
func (m *Metrics) RuleReload(ok bool) {
	if m == nil {
		return
	}
	result := "applied"
	if !ok {
		result = "rejected"
	}
	m.ruleReloads.WithLabelValues(result).Inc()
}

// SPAFallback records an index.html fallback. route is empty for paths
// outside the route table.
func (m *Metrics) SPAFallback(route string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.spaFallbacks.WithLabelValues(route).Inc()
}

func (m *Metrics) LiveReloadClients(delta int) {
	if m == nil {
		return
	}
	m.reloadClients.Add(float64(delta))
}

func (m *Metrics) LiveReloadBroadcast() {
	if m == nil {
		return
	}
	m.reloadBroadcast.Inc()
}

// UpstreamUp records the probe result of the target behind prefix.
func (m *Metrics) UpstreamUp(prefix string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.upstreamUp.WithLabelValues(prefix).Set(v)
}

// ForgetUpstream drops the series of a removed rule.
func (m *Metrics) ForgetUpstream(prefix string) {
	if m == nil {
		return
	}
	m.upstreamUp.DeleteLabelValues(prefix)
}

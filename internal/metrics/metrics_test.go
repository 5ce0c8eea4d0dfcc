package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestProxyRequestCounter(t *testing.T) {
	m := New()

	m.ProxyRequest("/api", 200)
	m.ProxyRequest("/api", 200)
	m.ProxyRequest("/api", 502)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.proxyRequests.WithLabelValues("/api", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.proxyRequests.WithLabelValues("/api", "502")))
}

func TestRuleReloadResults(t *testing.T) {
	m := New()

	m.RuleReload(true)
	m.RuleReload(false)
	m.RuleReload(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ruleReloads.WithLabelValues("applied")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ruleReloads.WithLabelValues("rejected")))
}

func TestSPAFallbackUnmatchedLabel(t *testing.T) {
	m := New()

	m.SPAFallback("")
	m.SPAFallback("home")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.spaFallbacks.WithLabelValues("unmatched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.spaFallbacks.WithLabelValues("home")))
}

func TestGauges(t *testing.T) {
	m := New()

	m.SetProxyRules(3)
	m.LiveReloadClients(1)
	m.LiveReloadClients(1)
	m.LiveReloadClients(-1)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.proxyRules))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reloadClients))
}

func TestUpstreamUp(t *testing.T) {
	m := New()

	m.UpstreamUp("/api", true)
	m.UpstreamUp("/events", false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstreamUp.WithLabelValues("/api")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.upstreamUp.WithLabelValues("/events")))

	m.ForgetUpstream("/events")
	assert.Equal(t, 1, testutil.CollectAndCount(m.upstreamUp))
}

func TestNilMetricsIsNoOp(t *testing.T) {
	var m *Metrics

	m.ProxyRequest("/api", 200)
	m.ProxyError("/api")
	m.SetProxyRules(1)
	m.RuleReload(true)
	m.SPAFallback("home")
	m.LiveReloadClients(1)
	m.LiveReloadBroadcast()
	m.UpstreamUp("/api", true)
	m.ForgetUpstream("/api")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ProxyError("/api")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `containerdash_proxy_errors_total{prefix="/api"} 1`))
}

package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kinexon/containerdash/internal/metrics"
	"github.com/kinexon/containerdash/internal/observability"
	"github.com/kinexon/containerdash/internal/proxyrules"
)

// ProxyHandler forwards requests matching a proxy rule to the rule's target
// with the rule prefix stripped, and hands everything else to a fallback
// handler. The rule set can be swapped at runtime.
type ProxyHandler struct {
	table     atomic.Pointer[proxyTable]
	fallback  http.Handler
	transport http.RoundTripper
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type proxyTable struct {
	rules    *proxyrules.Rules
	handlers map[string]http.Handler
}

// ProxyOption configures a ProxyHandler.
type ProxyOption func(*ProxyHandler)

// WithTransport sets the round tripper used for upstream requests.
func WithTransport(rt http.RoundTripper) ProxyOption {
	return func(h *ProxyHandler) {
		h.transport = rt
	}
}

// WithProxyMetrics records proxied requests in m.
func WithProxyMetrics(m *metrics.Metrics) ProxyOption {
	return func(h *ProxyHandler) {
		h.metrics = m
	}
}

// NewProxyHandler creates a proxy over rules. Requests that match no rule
// are served by fallback; a nil fallback answers 404.
func NewProxyHandler(rules *proxyrules.Rules, fallback http.Handler, logger *slog.Logger, opts ...ProxyOption) *ProxyHandler {
	if fallback == nil {
		fallback = http.NotFoundHandler()
	}
	h := &ProxyHandler{
		fallback: fallback,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.Swap(rules)
	return h
}

// Swap installs a new rule set. In-flight requests finish on the old one.
func (h *ProxyHandler) Swap(rules *proxyrules.Rules) {
	t := &proxyTable{
		rules:    rules,
		handlers: make(map[string]http.Handler, rules.Len()),
	}
	for _, rule := range rules.All() {
		t.handlers[rule.Prefix] = h.newRuleHandler(rule)
	}
	h.table.Store(t)
	h.metrics.SetProxyRules(rules.Len())
}

// Rules returns the active rule set.
func (h *ProxyHandler) Rules() *proxyrules.Rules {
	return h.table.Load().rules
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t := h.table.Load()
	rule, ok := t.rules.Match(r.URL.Path)
	if !ok {
		h.fallback.ServeHTTP(w, r)
		return
	}

	observability.Annotate(r.Context(),
		attribute.String("proxy.prefix", rule.Prefix),
		attribute.String("proxy.target", rule.Target),
	)

	ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
	t.handlers[rule.Prefix].ServeHTTP(ww, r)

	status := ww.Status()
	if status == 0 {
		status = http.StatusOK
	}
	h.metrics.ProxyRequest(rule.Prefix, status)
}

func (h *ProxyHandler) newRuleHandler(rule proxyrules.Rule) http.Handler {
	target, err := parseTarget(rule.Target)
	if err != nil {
		// Malformed targets surface as gateway errors at request time.
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h.logger.Warn("Proxy target unusable", "prefix", rule.Prefix, "target", rule.Target, "error", err)
			h.metrics.ProxyError(rule.Prefix)
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		})
	}

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Path, pr.Out.URL.RawPath = rewriteURLPath(rule, pr.In.URL)
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		Transport: h.transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			h.logger.Warn("Proxy request failed",
				"prefix", rule.Prefix,
				"target", rule.Target,
				"path", r.URL.Path,
				"error", err,
			)
			h.metrics.ProxyError(rule.Prefix)
			w.WriteHeader(http.StatusBadGateway)
		},
	}
}

// rewritePath strips the rule prefix and keeps the result rooted, so
// "/api" becomes "/" and "/apiv2/x" becomes "/v2/x".
func rewritePath(rule proxyrules.Rule, p string) string {
	p = rule.Rewrite(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// rewriteURLPath strips the rule prefix from the escaped request path, so
// encoded characters such as %2F reach the target unchanged. It returns the
// decoded path and its raw form. Paths whose escaped form does not start
// with the prefix are rewritten in decoded form.
func rewriteURLPath(rule proxyrules.Rule, in *url.URL) (string, string) {
	escaped := in.EscapedPath()
	if rule.Matches(escaped) {
		raw := rewritePath(rule, escaped)
		if p, err := url.PathUnescape(raw); err == nil {
			return p, raw
		}
	}
	return rewritePath(rule, in.Path), ""
}

var errNoHost = errors.New("target has no host")

func parseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", errNoHost, raw)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	return u, nil
}

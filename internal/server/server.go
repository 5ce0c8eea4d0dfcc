// Package server assembles the HTTP surface of the dev server: the SPA,
// the prefix-rewrite reverse proxy and the development endpoints.
package server

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kinexon/containerdash/internal/metrics"
	"github.com/kinexon/containerdash/internal/observability"
	"github.com/kinexon/containerdash/internal/proxyrules"
	"github.com/kinexon/containerdash/internal/routes"
)

// Development endpoints served ahead of the proxy. A proxy rule whose
// prefix matches one of these paths only forwards the paths below it.
const (
	RoutesPath  = "/__routes.json"
	HealthPath  = "/__health"
	MetricsPath = "/metrics"
)

// Options configures New.
type Options struct {
	// Static is the SPA build output; StaticRoot is the directory inside
	// it that holds index.html.
	Static     fs.FS
	StaticRoot string

	Routes       []routes.Route
	StrictRoutes bool
	Rules        *proxyrules.Rules

	// Reloader enables the live reload endpoint and script injection.
	Reloader *Reloader
	// Health serves the upstream probe results when set.
	Health http.Handler

	Metrics   *metrics.Metrics
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// Server is the root http.Handler.
type Server struct {
	router http.Handler
	proxy  *ProxyHandler
}

// New builds the handler tree.
func New(opts Options) (*Server, error) {
	if opts.Static == nil {
		return nil, errors.New("static filesystem is required")
	}
	if opts.StaticRoot == "" {
		opts.StaticRoot = "."
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	spaOpts := []SPAOption{
		WithRouteTable(opts.Routes, opts.StrictRoutes),
		WithSPAMetrics(opts.Metrics),
	}
	if opts.Reloader != nil {
		spaOpts = append(spaOpts, WithInjectedScript(LiveReloadScript))
	}
	spa, err := NewSPAHandler(opts.Static, opts.StaticRoot, spaOpts...)
	if err != nil {
		return nil, err
	}

	proxy := NewProxyHandler(opts.Rules, spa, opts.Logger,
		WithProxyMetrics(opts.Metrics),
		WithTransport(opts.Transport),
	)

	routesJSON, err := json.Marshal(opts.Routes)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(observability.Tracing)

	if opts.Metrics != nil {
		r.Method(http.MethodGet, MetricsPath, opts.Metrics.Handler())
	}
	r.Get(RoutesPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(routesJSON)
	})
	if opts.Health != nil {
		r.Method(http.MethodGet, HealthPath, opts.Health)
	}
	if opts.Reloader != nil {
		r.Method(http.MethodGet, LiveReloadPath, opts.Reloader)
	}
	r.Handle("/*", proxy)

	return &Server{router: r, proxy: proxy}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SwapRules replaces the active proxy rules.
func (s *Server) SwapRules(rules *proxyrules.Rules) {
	s.proxy.Swap(rules)
}

// Rules returns the active proxy rules.
func (s *Server) Rules() *proxyrules.Rules {
	return s.proxy.Rules()
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := r.URL.Path
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Debug("Request",
				"method", r.Method,
				"path", path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

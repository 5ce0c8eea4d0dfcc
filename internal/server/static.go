package server

import (
	"bytes"
	"fmt"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/kinexon/containerdash/internal/metrics"
	"github.com/kinexon/containerdash/internal/routes"
)

const indexFile = "index.html"

// SPAHandler serves static files from an fs.FS and falls back to index.html
// for extensionless paths that don't match a static file, enabling
// client-side history routing while returning 404 for missing files with
// extensions. In strict mode only paths in the route table fall back.
type SPAHandler struct {
	fileServer http.Handler
	filesystem fs.FS
	table      []routes.Route
	strict     bool
	script     string
	metrics    *metrics.Metrics
}

// SPAOption configures an SPAHandler.
type SPAOption func(*SPAHandler)

// WithRouteTable sets the client route table used to label fallbacks. When
// strict is true, paths outside the table get 404 instead of index.html.
func WithRouteTable(table []routes.Route, strict bool) SPAOption {
	return func(h *SPAHandler) {
		h.table = table
		h.strict = strict
	}
}

// WithInjectedScript appends an inline script to every index.html response.
func WithInjectedScript(js string) SPAOption {
	return func(h *SPAHandler) {
		h.script = js
	}
}

// WithSPAMetrics records fallbacks in m.
func WithSPAMetrics(m *metrics.Metrics) SPAOption {
	return func(h *SPAHandler) {
		h.metrics = m
	}
}

// NewSPAHandler creates a handler that serves files from the given fs.FS,
// rooted at prefix ("." for the filesystem root).
func NewSPAHandler(fsys fs.FS, prefix string, opts ...SPAOption) (*SPAHandler, error) {
	sub, err := fs.Sub(fsys, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to create sub filesystem: %w", err)
	}
	if _, err := fs.Stat(sub, indexFile); err != nil {
		return nil, fmt.Errorf("static root %q has no %s: %w", prefix, indexFile, err)
	}
	h := &SPAHandler{
		fileServer: http.FileServer(http.FS(sub)),
		filesystem: sub,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *SPAHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	urlPath := r.URL.Path
	if urlPath == "/" {
		h.serveIndex(w, r)
		return
	}

	filePath := strings.TrimPrefix(urlPath, "/")
	// Check if the file exists using fs.Stat (avoids opening file content).
	// FileServer redirects /index.html to /, which lands in serveIndex.
	// Directories are never listed.
	if info, err := fs.Stat(h.filesystem, filePath); err == nil && !info.IsDir() {
		h.fileServer.ServeHTTP(w, r)
		return
	}

	// Paths with extensions (e.g., .css, .js, .png) are real file requests
	// and should return 404 to avoid MIME-type mismatches.
	if path.Ext(urlPath) != "" {
		http.NotFound(w, r)
		return
	}

	route, known := routes.Lookup(h.table, urlPath)
	if h.strict && !known {
		http.NotFound(w, r)
		return
	}
	h.metrics.SPAFallback(route.Name)

	r.URL.Path = "/"
	h.serveIndex(w, r)
}

func (h *SPAHandler) serveIndex(w http.ResponseWriter, r *http.Request) {
	if h.script == "" {
		h.fileServer.ServeHTTP(w, r)
		return
	}

	data, err := fs.ReadFile(h.filesystem, indexFile)
	if err != nil {
		http.Error(w, "index.html not available", http.StatusInternalServerError)
		return
	}
	data = injectScript(data, h.script)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(data)
}

func injectScript(html []byte, js string) []byte {
	tag := []byte("<script>" + js + "</script>")
	if i := bytes.LastIndex(html, []byte("</body>")); i >= 0 {
		out := make([]byte, 0, len(html)+len(tag))
		out = append(out, html[:i]...)
		out = append(out, tag...)
		return append(out, html[i:]...)
	}
	return append(append([]byte{}, html...), tag...)
}

// Package health probes the targets of the active proxy rules so the
// dashboard can tell a broken backend from a broken proxy rule.
package health

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kinexon/containerdash/internal/metrics"
	"github.com/kinexon/containerdash/internal/proxyrules"
)

// Status is the reachability of a proxy target.
type Status string

const (
	StatusUnknown     Status = "unknown"
	StatusReachable   Status = "reachable"
	StatusFailing     Status = "failing"
	StatusUnreachable Status = "unreachable"
)

// HTTPProber abstracts *http.Client for testability.
type HTTPProber interface {
	Do(req *http.Request) (*http.Response, error)
}

// RulesSource provides the currently active proxy rules.
type RulesSource interface {
	Rules() *proxyrules.Rules
}

// TargetStatus is the last probe result for one proxy rule.
type TargetStatus struct {
	Prefix          string     `json:"prefix"`
	Target          string     `json:"target"`
	Status          Status     `json:"status"`
	HTTPCode        *int       `json:"httpCode,omitempty"`
	ResponseTimeMs  *int64     `json:"responseTimeMs,omitempty"`
	ErrorSnippet    *string    `json:"errorSnippet,omitempty"`
	LastChecked     *time.Time `json:"lastChecked,omitempty"`
	LastStateChange *time.Time `json:"lastStateChange,omitempty"`
}

// Checker performs periodic HTTP probes against proxy targets.
type Checker struct {
	source   RulesSource
	client   HTTPProber
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	results map[string]TargetStatus
}

// NewChecker creates a new checker. If logger is nil, a no-op logger is used.
func NewChecker(source RulesSource, client HTTPProber, interval time.Duration, m *metrics.Metrics, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Checker{
		source:   source,
		client:   client,
		interval: interval,
		logger:   logger,
		metrics:  m,
		results:  make(map[string]TargetStatus),
	}
}

// Run starts the probe loop. It performs an immediate check on start,
// then checks at the configured interval. It returns when ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	c.checkAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkAll(ctx)
		}
	}
}

// checkAll probes every active rule and forgets rules that were removed.
func (c *Checker) checkAll(ctx context.Context) {
	rules := c.source.Rules().All()

	active := make(map[string]bool, len(rules))
	for _, r := range rules {
		active[r.Prefix] = true
	}
	c.mu.Lock()
	for prefix := range c.results {
		if !active[prefix] {
			delete(c.results, prefix)
			c.metrics.ForgetUpstream(prefix)
		}
	}
	c.mu.Unlock()

	if len(rules) == 0 {
		return
	}

	start := time.Now()

	var wg sync.WaitGroup
	wg.Add(len(rules))
	for _, rule := range rules {
		go func(r proxyrules.Rule) {
			defer wg.Done()
			c.apply(r, c.probe(ctx, probeURL(r.Target)))
		}(rule)
	}
	wg.Wait()

	c.logger.Debug("upstream check cycle complete",
		"targets", len(rules),
		"durationMs", time.Since(start).Milliseconds(),
	)
}

const maxSnippetLen = 256

type probeResult struct {
	status         Status
	httpCode       *int
	responseTimeMs int64
	errorSnippet   *string
}

// probe performs a single HTTP GET against a target URL.
func (c *Checker) probe(ctx context.Context, url string) probeResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return probeResult{
			status:       StatusUnreachable,
			errorSnippet: ptrString(err.Error()),
		}
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	responseTimeMs := time.Since(start).Milliseconds()

	if err != nil {
		errMsg := err.Error()
		return probeResult{
			status:         StatusUnreachable,
			responseTimeMs: responseTimeMs,
			errorSnippet:   &errMsg,
		}
	}
	defer resp.Body.Close()

	code := resp.StatusCode
	newStatus := classifyStatus(code)

	var snippet *string
	if newStatus == StatusFailing {
		snippet = readSnippet(resp.Body)
	}

	return probeResult{
		status:         newStatus,
		httpCode:       &code,
		responseTimeMs: responseTimeMs,
		errorSnippet:   snippet,
	}
}

// apply records a probe result, keeping LastStateChange across identical
// results.
func (c *Checker) apply(r proxyrules.Rule, res probeResult) {
	now := time.Now()

	c.mu.Lock()
	prev, seen := c.results[r.Prefix]
	if seen && prev.Target != r.Target {
		seen = false
	}
	ts := TargetStatus{
		Prefix:         r.Prefix,
		Target:         r.Target,
		Status:         res.status,
		HTTPCode:       res.httpCode,
		ResponseTimeMs: &res.responseTimeMs,
		ErrorSnippet:   res.errorSnippet,
		LastChecked:    &now,
	}
	if seen && prev.Status == res.status {
		ts.LastStateChange = prev.LastStateChange
	} else {
		ts.LastStateChange = &now
	}
	c.results[r.Prefix] = ts
	c.mu.Unlock()

	c.metrics.UpstreamUp(r.Prefix, res.status == StatusReachable)

	if seen && prev.Status != res.status {
		c.logger.Info("upstream status changed",
			"prefix", r.Prefix,
			"target", r.Target,
			"from", string(prev.Status),
			"to", string(res.status),
		)
	}

	logArgs := []any{
		"prefix", r.Prefix,
		"status", string(res.status),
		"responseTimeMs", res.responseTimeMs,
	}
	if res.httpCode != nil {
		logArgs = append(logArgs, "httpCode", *res.httpCode)
	}
	c.logger.Debug("upstream check completed", logArgs...)
}

// Statuses returns one entry per active rule, in rule order. Rules not yet
// probed report StatusUnknown.
func (c *Checker) Statuses() []TargetStatus {
	rules := c.source.Rules().All()

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]TargetStatus, 0, len(rules))
	for _, r := range rules {
		ts, ok := c.results[r.Prefix]
		if !ok || ts.Target != r.Target {
			ts = TargetStatus{Prefix: r.Prefix, Target: r.Target, Status: StatusUnknown}
		}
		out = append(out, ts)
	}
	return out
}

// ServeHTTP writes Statuses as JSON.
func (c *Checker) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	if err := json.NewEncoder(w).Encode(c.Statuses()); err != nil {
		c.logger.Warn("failed to encode upstream status", "error", err)
	}
}

// classifyStatus maps an HTTP status code to a Status. Any answer below 500
// means the backend is up; dev backends rarely serve their root path.
func classifyStatus(code int) Status {
	if code >= 500 {
		return StatusFailing
	}
	return StatusReachable
}

// probeURL maps websocket targets onto the HTTP scheme they upgrade from.
func probeURL(target string) string {
	switch {
	case strings.HasPrefix(target, "ws://"):
		return "http://" + strings.TrimPrefix(target, "ws://")
	case strings.HasPrefix(target, "wss://"):
		return "https://" + strings.TrimPrefix(target, "wss://")
	}
	return target
}

// readSnippet reads the first line of the response body, truncated to maxSnippetLen.
func readSnippet(body io.Reader) *string {
	// Use a LimitedReader to avoid reading massive bodies
	lr := &io.LimitedReader{R: body, N: maxSnippetLen}
	data, err := io.ReadAll(lr)
	if err != nil || len(data) == 0 {
		return nil
	}

	s := string(data)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func ptrString(s string) *string {
	return &s
}

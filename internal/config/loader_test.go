package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kinexon/containerdash/internal/proxyrules"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidFullConfig(t *testing.T) {
	yaml := `
server:
  host: "127.0.0.1"
  port: 5001
  staticDir: "./web/dist"
  strictRoutes: true

proxy: "/api -> http://localhost:8080 /sse -> http://localhost:8080"

liveReload: true
`
	path := writeTempConfig(t, yaml)
	cfg, errs := Load(path)

	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
	if cfg == nil {
		t.Fatal("expected non-nil config")
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("server host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 5001 {
		t.Errorf("server port = %d, want %d", cfg.Server.Port, 5001)
	}
	if cfg.Server.StaticDir != "./web/dist" {
		t.Errorf("server staticDir = %q, want %q", cfg.Server.StaticDir, "./web/dist")
	}
	if cfg.Server.StrictRoutes == nil || !*cfg.Server.StrictRoutes {
		t.Errorf("server strictRoutes = %v, want true", cfg.Server.StrictRoutes)
	}
	if cfg.LiveReload == nil || !*cfg.LiveReload {
		t.Errorf("liveReload = %v, want true", cfg.LiveReload)
	}

	rules := cfg.Proxy.Rules(nil)
	if rules.Len() != 2 {
		t.Fatalf("expected 2 proxy rules, got %d", rules.Len())
	}
	if r, _ := rules.Get("/sse"); r.Target != "http://localhost:8080" {
		t.Errorf("proxy /sse target = %q, want %q", r.Target, "http://localhost:8080")
	}
}

func TestLoad_ProxyEntryList(t *testing.T) {
	yaml := `
proxy:
  - prefix: /api
    target: http://localhost:8080
  - prefix: /events
    target: http://localhost:8081
`
	path := writeTempConfig(t, yaml)
	cfg, errs := Load(path)

	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
	want := []proxyrules.Rule{
		{Prefix: "/api", Target: "http://localhost:8080"},
		{Prefix: "/events", Target: "http://localhost:8081"},
	}
	got := cfg.Proxy.Rules(nil).All()
	if len(got) != len(want) {
		t.Fatalf("rules = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("rules[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestLoad_ProxyEntryPartialFailure(t *testing.T) {
	yaml := `
proxy:
  - prefix: /api
    target: http://localhost:8080
  - prefix: ""
    target: http://nowhere
  - prefix: "events"
    target: http://localhost:8081
  - prefix: /sse
  - prefix: /api
    target: http://localhost:9090
`
	path := writeTempConfig(t, yaml)
	cfg, errs := Load(path)

	if cfg == nil {
		t.Fatal("expected non-nil config for validation errors")
	}
	if len(errs) != 4 {
		t.Fatalf("expected 4 validation errors, got %d: %v", len(errs), errs)
	}

	wantSubstrings := []string{
		"proxy[1].prefix: required field missing",
		"proxy[2].prefix: must start with '/'",
		"proxy[3].target: required field missing",
		"proxy[4].prefix: duplicate prefix",
	}
	for i, want := range wantSubstrings {
		if !strings.Contains(errs[i].Error(), want) {
			t.Errorf("errs[%d] = %q, want substring %q", i, errs[i].Error(), want)
		}
	}

	// The duplicate keeps overwrite semantics: last entry wins.
	rules := cfg.Proxy.Rules(nil)
	if rules.Len() != 1 {
		t.Fatalf("expected 1 rule, got %d", rules.Len())
	}
	if r, _ := rules.Get("/api"); r.Target != "http://localhost:9090" {
		t.Errorf("proxy /api target = %q, want %q", r.Target, "http://localhost:9090")
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	path := writeTempConfig(t, "server:\n  port: 70000\n")
	cfg, errs := Load(path)

	if cfg == nil {
		t.Fatal("expected non-nil config")
	}
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "server.port") {
		t.Fatalf("expected server.port error, got %v", errs)
	}
	if cfg.Server.Port != 0 {
		t.Errorf("invalid port should be cleared, got %d", cfg.Server.Port)
	}
}

func TestLoad_ProxyWrongKind(t *testing.T) {
	path := writeTempConfig(t, "proxy:\n  api: http://localhost:8080\n")
	cfg, errs := Load(path)

	if cfg != nil {
		t.Errorf("expected nil config, got %+v", cfg)
	}
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "proxy must be a string or a list") {
		t.Fatalf("expected proxy kind error, got %v", errs)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeTempConfig(t, "server:\n  host: [unterminated\n")
	cfg, errs := Load(path)

	if cfg != nil {
		t.Errorf("expected nil config for malformed YAML, got %+v", cfg)
	}
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d", len(errs))
	}
	if !strings.Contains(errs[0].Error(), "failed to parse config YAML") {
		t.Errorf("unexpected error: %v", errs[0])
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, errs := Load(filepath.Join(t.TempDir(), "nope.yaml"))

	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
	if cfg == nil {
		t.Fatal("expected empty config for missing file")
	}
	if !cfg.Proxy.IsZero() {
		t.Errorf("expected no proxy rules, got %+v", cfg.Proxy)
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	path := writeTempConfig(t, "  \n\n")
	cfg, errs := Load(path)

	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
	if cfg == nil {
		t.Fatal("expected empty config for empty file")
	}
}

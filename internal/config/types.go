package config

import (
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/kinexon/containerdash/internal/proxyrules"
)

// Config is the top-level configuration parsed from the YAML config file.
type Config struct {
	Server     ServerConfig `yaml:"server"     json:"server"`
	Proxy      ProxySpec    `yaml:"proxy"      json:"proxy"`
	LiveReload *bool        `yaml:"liveReload" json:"liveReload,omitempty"`
}

// ServerConfig controls where the dev server listens and what it serves.
type ServerConfig struct {
	Host         string `yaml:"host"         json:"host"`
	Port         int    `yaml:"port"         json:"port"`
	StaticDir    string `yaml:"staticDir"    json:"staticDir"`
	StrictRoutes *bool  `yaml:"strictRoutes" json:"strictRoutes,omitempty"`
}

// ProxySpec holds proxy rules from the config file. It accepts either the
// PROXY string format or a list of prefix/target entries:
//
//	proxy: "/api -> http://localhost:8080"
//
//	proxy:
//	  - prefix: /api
//	    target: http://localhost:8080
type ProxySpec struct {
	Raw     string             `json:"raw,omitempty"`
	Entries []proxyrules.Entry `json:"entries,omitempty"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *ProxySpec) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		return value.Decode(&p.Raw)
	case yaml.SequenceNode:
		return value.Decode(&p.Entries)
	default:
		return fmt.Errorf("line %d: proxy must be a string or a list of prefix/target entries", value.Line)
	}
}

// IsZero reports whether no proxy rules were configured.
func (p ProxySpec) IsZero() bool {
	return p.Raw == "" && len(p.Entries) == 0
}

// Rules builds the configured rule set.
func (p ProxySpec) Rules(logger *slog.Logger) *proxyrules.Rules {
	if len(p.Entries) > 0 {
		return proxyrules.FromEntries(p.Entries, logger)
	}
	return proxyrules.Parse(p.Raw, logger)
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kinexon/containerdash/internal/proxyrules"
)

// Load reads and parses a YAML configuration file at path.
// If path does not exist or is empty, it returns an empty Config with no errors.
// If the YAML is malformed, it returns nil config with a parse error.
// For validation errors, it returns a valid config with invalid entries stripped
// plus errors describing what was removed.
func Load(path string) (*Config, []error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, []error{fmt.Errorf("failed to read config file: %w", err)}
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return &Config{}, nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, []error{fmt.Errorf("failed to parse config YAML: %w", err)}
	}

	var validationErrors []error

	cfg.Server.Host = strings.TrimSpace(cfg.Server.Host)
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		validationErrors = append(validationErrors, fmt.Errorf("server.port: must be between 1 and 65535, got %d", cfg.Server.Port))
		cfg.Server.Port = 0
	}

	// Validate proxy entries: prefix must start with '/', target is required
	validEntries := make([]proxyrules.Entry, 0, len(cfg.Proxy.Entries))
	seenPrefixes := make(map[string]int, len(cfg.Proxy.Entries))
	for i, e := range cfg.Proxy.Entries {
		prefix := strings.TrimSpace(e.Prefix)
		target := strings.TrimSpace(e.Target)
		if prefix == "" {
			validationErrors = append(validationErrors, fmt.Errorf("proxy[%d].prefix: required field missing", i))
			continue
		}
		if !strings.HasPrefix(prefix, "/") {
			validationErrors = append(validationErrors, fmt.Errorf("proxy[%d].prefix: must start with '/', got %q", i, prefix))
			continue
		}
		if target == "" {
			validationErrors = append(validationErrors, fmt.Errorf("proxy[%d].target: required field missing", i))
			continue
		}
		if first, dup := seenPrefixes[prefix]; dup {
			validationErrors = append(validationErrors, fmt.Errorf("proxy[%d].prefix: duplicate prefix %q overrides proxy[%d]", i, prefix, first))
		} else {
			seenPrefixes[prefix] = i
		}
		validEntries = append(validEntries, proxyrules.Entry{Prefix: prefix, Target: target})
	}
	if cfg.Proxy.Entries != nil {
		cfg.Proxy.Entries = validEntries
	}

	return &cfg, validationErrors
}

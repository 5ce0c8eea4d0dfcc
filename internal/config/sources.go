package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/kinexon/containerdash/internal/proxyrules"
)

// ProxyEnvVar is the environment variable holding the proxy rule string.
const ProxyEnvVar = "PROXY"

// Origins of the active proxy rule set, reported in logs.
const (
	OriginEnv     = "env"
	OriginEnvFile = "env-file"
	OriginConfig  = "config"
	OriginNone    = "none"
)

// Sources are the files proxy rules and server settings are read from.
// Either path may be empty.
type Sources struct {
	ConfigFile string
	EnvFile    string
}

// Snapshot is the result of reading all sources once.
type Snapshot struct {
	Config *Config
	DotEnv map[string]string
}

// Paths returns the non-empty source paths.
func (s Sources) Paths() []string {
	var paths []string
	for _, p := range []string{s.ConfigFile, s.EnvFile} {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// Load reads every source. A nil snapshot means one of the files could not
// be parsed; callers should keep their last-known-good state. Validation
// warnings are returned alongside a usable snapshot.
func (s Sources) Load() (*Snapshot, []error) {
	snap := &Snapshot{Config: &Config{}}
	var errs []error

	if s.ConfigFile != "" {
		cfg, cfgErrs := Load(s.ConfigFile)
		errs = append(errs, cfgErrs...)
		if cfg == nil {
			return nil, errs
		}
		snap.Config = cfg
	}

	if s.EnvFile != "" {
		values, err := LoadEnvFile(s.EnvFile)
		if err != nil {
			return nil, append(errs, err)
		}
		snap.DotEnv = values
	}

	return snap, errs
}

// LoadEnvFile reads KEY=VALUE pairs from a dotenv file. A missing file
// yields an empty map.
func LoadEnvFile(path string) (map[string]string, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to parse env file %s: %w", path, err)
	}
	return values, nil
}

// LookupFunc looks up a process environment variable.
type LookupFunc func(key string) (string, bool)

// Lookup resolves key with precedence: process environment, then the
// dotenv file, then fallback.
func (s *Snapshot) Lookup(env LookupFunc, key, fallback string) string {
	if env != nil {
		if v, ok := env(key); ok {
			return v
		}
	}
	if s != nil {
		if v, ok := s.DotEnv[key]; ok {
			return v
		}
	}
	return fallback
}

// ResolveProxy builds the active proxy rule set. PROXY in the process
// environment wins, even when empty; then PROXY from the dotenv file; then
// the config file's proxy section.
func ResolveProxy(env LookupFunc, snap *Snapshot, logger *slog.Logger) (*proxyrules.Rules, string) {
	if env != nil {
		if v, ok := env(ProxyEnvVar); ok {
			return proxyrules.Parse(v, logger), OriginEnv
		}
	}
	if snap != nil {
		if v, ok := snap.DotEnv[ProxyEnvVar]; ok {
			return proxyrules.Parse(v, logger), OriginEnvFile
		}
		if snap.Config != nil && !snap.Config.Proxy.IsZero() {
			return snap.Config.Proxy.Rules(logger), OriginConfig
		}
	}
	return proxyrules.Parse("", logger), OriginNone
}

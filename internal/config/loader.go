package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a YAML config file, expands ${{ .Env.VAR }} templates,
// unmarshals it into Config, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := expandEnvTemplates(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns the configuration used when no config file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// applyDefaults fills in zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 18640
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(OrchardPath(), "orchard.db")
	}
	if cfg.Run.Concurrency <= 0 {
		cfg.Run.Concurrency = 4
	}
	if cfg.Run.TaskTimeout == 0 {
		cfg.Run.TaskTimeout = Duration(10 * time.Minute)
	}
	if cfg.Run.Backoff.Initial == 0 {
		cfg.Run.Backoff.Initial = Duration(time.Second)
	}
	if cfg.Run.Backoff.Max == 0 {
		cfg.Run.Backoff.Max = Duration(30 * time.Second)
	}
	if cfg.Run.Backoff.Factor == 0 {
		cfg.Run.Backoff.Factor = 2
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "CONVEYOR_"

// Load reads configuration from an optional YAML file, then overrides with
// CONVEYOR_-prefixed environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (CONVEYOR_SERVER_ADDR, CONVEYOR_DATABASE_URL, ...)
//  2. YAML config file
//  3. Defaults
//
// Environment variables map to dotted keys by stripping the prefix and
// splitting on the first underscore: CONVEYOR_PIPELINE_MAX_FIX_CYCLES
// becomes pipeline.max_fix_cycles.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Pipeline.MaxFixCycles == 0 {
		cfg.Pipeline.MaxFixCycles = 3
	}

	if cfg.GitHub.StagingBranch == "" {
		cfg.GitHub.StagingBranch = "staging"
	}
	if cfg.GitHub.ProdBranch == "" {
		cfg.GitHub.ProdBranch = "production"
	}
	if cfg.GitHub.DispatchRef == "" {
		cfg.GitHub.DispatchRef = "main"
	}
	if cfg.GitHub.GateWorkflows == nil {
		cfg.GitHub.GateWorkflows = map[string]string{
			"unit_pact":   "gate-unit-pact.yml",
			"integration": "gate-integration.yml",
			"e2e":         "gate-e2e.yml",
			"regression":  "gate-regression.yml",
		}
	}
	if cfg.GitHub.DeployWorkflows == nil {
		cfg.GitHub.DeployWorkflows = map[string]string{
			"dev":     "deploy-dev.yml",
			"staging": "deploy-staging.yml",
			"prod":    "deploy-prod.yml",
		}
	}

	if cfg.Agent.PollInterval == 0 {
		cfg.Agent.PollInterval = 15 * time.Second
	}
	if cfg.Agent.Timeout == 0 {
		cfg.Agent.Timeout = 45 * time.Minute
	}

	if cfg.Deploy.PollInterval == 0 {
		cfg.Deploy.PollInterval = 10 * time.Second
	}
	if cfg.Deploy.Timeout == 0 {
		cfg.Deploy.Timeout = 20 * time.Minute
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// Package config provides configuration loading for conveyor.
package config

import (
	"fmt"
	"time"
)

// Config is the full configuration tree.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Pipeline PipelineConfig `koanf:"pipeline"`
	GitHub   GitHubConfig   `koanf:"github"`
	Agent    AgentConfig    `koanf:"agent"`
	Deploy   DeployConfig   `koanf:"deploy"`
	Log      LogConfig      `koanf:"log"`
}

// ServerConfig covers the HTTP listener.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	AuthToken       string        `koanf:"auth_token"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig covers PostgreSQL.
type DatabaseConfig struct {
	URL string `koanf:"url"`
}

// PipelineConfig covers orchestration policy.
type PipelineConfig struct {
	MaxFixCycles   int    `koanf:"max_fix_cycles"`
	DryRun         bool   `koanf:"dry_run"`
	GatePolicyPath string `koanf:"gate_policy_path"`
}

// GitHubConfig covers the git host and the workflows the pipeline triggers.
type GitHubConfig struct {
	Token           string            `koanf:"token"`
	Owner           string            `koanf:"owner"`
	Repo            string            `koanf:"repo"`
	StagingBranch   string            `koanf:"staging_branch"`
	ProdBranch      string            `koanf:"prod_branch"`
	DispatchRef     string            `koanf:"dispatch_ref"`
	GateWorkflows   map[string]string `koanf:"gate_workflows"`
	DeployWorkflows map[string]string `koanf:"deploy_workflows"`
}

// AgentConfig covers the agent workspace API and session supervision.
type AgentConfig struct {
	BaseURL      string        `koanf:"base_url"`
	Token        string        `koanf:"token"`
	PollInterval time.Duration `koanf:"poll_interval"`
	Timeout      time.Duration `koanf:"timeout"`
}

// DeployConfig bounds how long a dispatched deployment may stay in flight
// before operators are expected to intervene.
type DeployConfig struct {
	PollInterval time.Duration `koanf:"poll_interval"`
	Timeout      time.Duration `koanf:"timeout"`
}

// LogConfig covers zap setup.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// FullRepo returns the owner/name form used in prompts and issue bodies.
func (g GitHubConfig) FullRepo() string {
	return g.Owner + "/" + g.Repo
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Server.AuthToken == "" {
		return fmt.Errorf("server.auth_token is required")
	}
	if !c.Pipeline.DryRun {
		if c.GitHub.Token == "" {
			return fmt.Errorf("github.token is required unless pipeline.dry_run is set")
		}
		if c.GitHub.Owner == "" || c.GitHub.Repo == "" {
			return fmt.Errorf("github.owner and github.repo are required unless pipeline.dry_run is set")
		}
	}
	if c.Pipeline.MaxFixCycles < 0 {
		return fmt.Errorf("pipeline.max_fix_cycles must not be negative")
	}
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalYAML = `
server:
  auth_token: hook-secret
database:
  url: postgres://conveyor:pw@localhost/conveyor
github:
  token: ghp_x
  owner: conveyorci
  repo: shop
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Pipeline.MaxFixCycles != 3 {
		t.Errorf("max fix cycles = %d", cfg.Pipeline.MaxFixCycles)
	}
	if cfg.Agent.PollInterval != 15*time.Second {
		t.Errorf("agent poll interval = %v", cfg.Agent.PollInterval)
	}
	if cfg.Agent.Timeout != 45*time.Minute {
		t.Errorf("agent timeout = %v", cfg.Agent.Timeout)
	}
	if cfg.GitHub.GateWorkflows["e2e"] != "gate-e2e.yml" {
		t.Errorf("gate workflows = %v", cfg.GitHub.GateWorkflows)
	}
	if cfg.GitHub.StagingBranch != "staging" || cfg.GitHub.ProdBranch != "production" {
		t.Errorf("branches = %q/%q", cfg.GitHub.StagingBranch, cfg.GitHub.ProdBranch)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}
}

func TestLoadFileValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  addr: ":9000"
  auth_token: hook-secret
database:
  url: postgres://localhost/conveyor
pipeline:
  max_fix_cycles: 5
  dry_run: true
agent:
  poll_interval: 5s
  timeout: 10m
github:
  staging_branch: release-staging
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":9000" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Pipeline.MaxFixCycles != 5 {
		t.Errorf("max fix cycles = %d", cfg.Pipeline.MaxFixCycles)
	}
	if !cfg.Pipeline.DryRun {
		t.Error("dry run not set")
	}
	if cfg.Agent.PollInterval != 5*time.Second {
		t.Errorf("poll interval = %v", cfg.Agent.PollInterval)
	}
	if cfg.GitHub.StagingBranch != "release-staging" {
		t.Errorf("staging branch = %q", cfg.GitHub.StagingBranch)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("CONVEYOR_SERVER_ADDR", ":7070")
	t.Setenv("CONVEYOR_PIPELINE_MAX_FIX_CYCLES", "7")
	t.Setenv("CONVEYOR_DATABASE_URL", "postgres://env-host/conveyor")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Pipeline.MaxFixCycles != 7 {
		t.Errorf("max fix cycles = %d", cfg.Pipeline.MaxFixCycles)
	}
	if cfg.Database.URL != "postgres://env-host/conveyor" {
		t.Errorf("database url = %q", cfg.Database.URL)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("CONVEYOR_SERVER_AUTH_TOKEN", "hook-secret")
	t.Setenv("CONVEYOR_DATABASE_URL", "postgres://localhost/conveyor")
	t.Setenv("CONVEYOR_PIPELINE_DRY_RUN", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Pipeline.DryRun {
		t.Error("dry run not set from env")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing database url", `
server:
  auth_token: x
github: {token: t, owner: o, repo: r}
`},
		{"missing auth token", `
database:
  url: postgres://localhost/c
github: {token: t, owner: o, repo: r}
`},
		{"missing github credentials without dry run", `
server:
  auth_token: x
database:
  url: postgres://localhost/c
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.yaml)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDryRunSkipsGitHubValidation(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  auth_token: x
database:
  url: postgres://localhost/c
pipeline:
  dry_run: true
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GitHub.Token != "" {
		t.Errorf("token = %q", cfg.GitHub.Token)
	}
}

func TestFullRepo(t *testing.T) {
	g := GitHubConfig{Owner: "conveyorci", Repo: "shop"}
	if g.FullRepo() != "conveyorci/shop" {
		t.Errorf("FullRepo = %q", g.FullRepo())
	}
}

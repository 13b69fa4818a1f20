// Package config loads the openclaw configuration document. Component
// settings live with their packages; this package aggregates them and fills
// defaults. Unknown keys are ignored.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/meircohen/openclaw/internal/backends"
	"github.com/meircohen/openclaw/internal/breaker"
	"github.com/meircohen/openclaw/internal/gateway"
	"github.com/meircohen/openclaw/internal/governor"
	"github.com/meircohen/openclaw/internal/health"
	"github.com/meircohen/openclaw/internal/ledger"
	"github.com/meircohen/openclaw/internal/logging"
	"github.com/meircohen/openclaw/internal/planner"
	"github.com/meircohen/openclaw/internal/scheduler"
	"github.com/meircohen/openclaw/internal/shadow"
)

// BackendsConfig holds the per-backend adapter settings. Each carries its
// own tri-state enable flag; absent means enabled.
type BackendsConfig struct {
	ClaudeCode *backends.CLIConfig   `yaml:"claude-code"`
	Codex      *backends.CLIConfig   `yaml:"codex"`
	API        *backends.APIConfig   `yaml:"api"`
	Local      *backends.LocalConfig `yaml:"local"`
}

// Config is the root configuration document.
type Config struct {
	Version        string            `yaml:"version"`
	DataDir        string            `yaml:"data_dir"`
	Backends       *BackendsConfig   `yaml:"backends"`
	Planner        *planner.Config   `yaml:"planner"`
	RateGovernor   *governor.Config  `yaml:"rate_governor"`
	CircuitBreaker *breaker.Config   `yaml:"circuit_breaker"`
	Ledger         *ledger.Config    `yaml:"ledger"`
	Scheduler      *scheduler.Config `yaml:"scheduler"`
	ShadowBench    *shadow.Config    `yaml:"shadow_bench"`
	Warmup         *health.Config    `yaml:"warmup"`
	Dashboard      *gateway.Config   `yaml:"dashboard"`
	Logging        *logging.Config   `yaml:"logging"`
}

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		Version: "1",
		Backends: &BackendsConfig{
			ClaudeCode: backends.DefaultClaudeCodeConfig(),
			Codex:      backends.DefaultCodexConfig(),
			API:        backends.DefaultAPIConfig(),
			Local:      backends.DefaultLocalConfig(),
		},
		Planner:        planner.DefaultConfig(),
		RateGovernor:   governor.DefaultConfig(),
		CircuitBreaker: breaker.DefaultConfig(),
		Ledger:         ledger.DefaultConfig(),
		Scheduler:      scheduler.DefaultConfig(),
		ShadowBench:    shadow.DefaultConfig(),
		Warmup:         health.DefaultConfig(),
		Dashboard:      gateway.DefaultConfig(),
		Logging:        logging.DefaultConfig(),
	}
}

// DefaultPath returns the default configuration file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "openclaw.yaml"
	}
	return filepath.Join(home, ".openclaw", "config.yaml")
}

// Load reads a configuration file and fills defaults for absent sections.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.fillDefaults()
	return cfg, nil
}

// fillDefaults replaces nil sections with their defaults after parsing.
func (c *Config) fillDefaults() {
	defaults := DefaultConfig()
	if c.Backends == nil {
		c.Backends = defaults.Backends
	} else {
		if c.Backends.ClaudeCode == nil {
			c.Backends.ClaudeCode = defaults.Backends.ClaudeCode
		}
		if c.Backends.Codex == nil {
			c.Backends.Codex = defaults.Backends.Codex
		}
		if c.Backends.API == nil {
			c.Backends.API = defaults.Backends.API
		}
		if c.Backends.Local == nil {
			c.Backends.Local = defaults.Backends.Local
		}
	}
	if c.Planner == nil {
		c.Planner = defaults.Planner
	}
	if c.RateGovernor == nil {
		c.RateGovernor = defaults.RateGovernor
	}
	if c.CircuitBreaker == nil {
		c.CircuitBreaker = defaults.CircuitBreaker
	}
	if c.Ledger == nil {
		c.Ledger = defaults.Ledger
	}
	if c.Scheduler == nil {
		c.Scheduler = defaults.Scheduler
	}
	if c.ShadowBench == nil {
		c.ShadowBench = defaults.ShadowBench
	}
	if c.Warmup == nil {
		c.Warmup = defaults.Warmup
	}
	if c.Dashboard == nil {
		c.Dashboard = defaults.Dashboard
	}
	if c.Logging == nil {
		c.Logging = defaults.Logging
	}
}

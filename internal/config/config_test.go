package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/meircohen/openclaw/internal/task"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CircuitBreaker.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d, want 5", cfg.CircuitBreaker.FailureThreshold)
	}
	if cfg.Scheduler.Cooldowns[task.BackendClaudeCode] != 20*time.Minute {
		t.Errorf("claude-code cooldown = %v, want 20m", cfg.Scheduler.Cooldowns[task.BackendClaudeCode])
	}
	if !cfg.ShadowBench.Enabled {
		t.Error("ShadowBench disabled by default, want enabled")
	}
}

func TestLoad_PartialFileFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
circuit_breaker:
  failure_threshold: 9
dashboard:
  port: 8844
  auth_token: secret
unknown_key: ignored
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.CircuitBreaker.FailureThreshold != 9 {
		t.Errorf("FailureThreshold = %d, want 9", cfg.CircuitBreaker.FailureThreshold)
	}
	if cfg.Dashboard.Port != 8844 || cfg.Dashboard.AuthToken != "secret" {
		t.Errorf("Dashboard = %+v", cfg.Dashboard)
	}
	// Absent sections keep their defaults.
	if cfg.Ledger == nil || cfg.Ledger.DailyBudgetUSD != 10.0 {
		t.Errorf("Ledger defaults not filled: %+v", cfg.Ledger)
	}
	if cfg.Backends == nil || cfg.Backends.Codex == nil || cfg.Backends.Codex.Concurrency != 3 {
		t.Error("Backend defaults not filled")
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("{{not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load(malformed) error = nil, want error")
	}
}

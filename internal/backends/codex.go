package backends

import (
	"time"

	"github.com/meircohen/openclaw/internal/logging"
	"github.com/meircohen/openclaw/internal/task"
)

// DefaultCodexConfig returns defaults for the secondary subscription CLI.
// Codex allows up to three parallel executions.
func DefaultCodexConfig() *CLIConfig {
	return &CLIConfig{
		Command:     "codex",
		Timeout:     20 * time.Minute,
		Concurrency: 3,
	}
}

// NewCodex creates the adapter for the secondary subscription CLI agent.
func NewCodex(config *CLIConfig) Adapter {
	if config == nil {
		config = DefaultCodexConfig()
	}
	if config.Command == "" {
		config.Command = "codex"
	}
	return newCLIAdapter(
		task.BackendCodex,
		config,
		logging.WithComponent("backends.codex"),
		func(t *task.Task) []string {
			return []string{"exec", "--full-auto", t.Description}
		},
		[]string{"--version"},
	)
}

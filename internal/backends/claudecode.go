package backends

import (
	"time"

	"github.com/meircohen/openclaw/internal/logging"
	"github.com/meircohen/openclaw/internal/task"
)

// DefaultClaudeCodeConfig returns defaults for the primary subscription CLI.
// Claude Code runs one execution at a time.
func DefaultClaudeCodeConfig() *CLIConfig {
	return &CLIConfig{
		Command:     "claude",
		Timeout:     30 * time.Minute,
		Concurrency: 1,
	}
}

// NewClaudeCode creates the adapter for the primary subscription CLI agent.
func NewClaudeCode(config *CLIConfig) Adapter {
	if config == nil {
		config = DefaultClaudeCodeConfig()
	}
	if config.Command == "" {
		config.Command = "claude"
	}
	return newCLIAdapter(
		task.BackendClaudeCode,
		config,
		logging.WithComponent("backends.claudecode"),
		func(t *task.Task) []string {
			args := []string{"-p", t.Description, "--output-format", "text", "--dangerously-skip-permissions"}
			if t.OutputPath != "" {
				args = append(args, "--add-dir", t.OutputPath)
			}
			return args
		},
		[]string{"--version"},
	)
}

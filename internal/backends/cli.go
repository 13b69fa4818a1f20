package backends

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/meircohen/openclaw/internal/task"
)

// CLIConfig configures a subscription CLI agent adapter.
type CLIConfig struct {
	// Enabled toggles the backend. Defaults to enabled.
	Enabled *bool `yaml:"enabled,omitempty"`

	// Command is the agent binary (e.g. "claude", "codex").
	Command string `yaml:"command"`

	// ExtraArgs are appended to every invocation.
	ExtraArgs []string `yaml:"extra_args,omitempty"`

	// Timeout bounds one execution; the process is killed past it.
	Timeout time.Duration `yaml:"timeout"`

	// Concurrency is the number of parallel executions allowed.
	Concurrency int `yaml:"concurrency"`
}

// cliAdapter wraps an interactive command-line agent. Each execution runs
// in a transient working directory with a per-process timeout; throttle
// keywords in the output mark the raised error as rate-limited.
type cliAdapter struct {
	backend task.Backend
	config  *CLIConfig
	slots   chan struct{}
	log     *slog.Logger

	mu     sync.Mutex
	active int

	// buildArgs renders the command arguments for a task.
	buildArgs func(t *task.Task) []string

	// versionArgs invokes the binary's version flag for probes.
	versionArgs []string
}

func newCLIAdapter(backend task.Backend, config *CLIConfig, logger *slog.Logger, buildArgs func(*task.Task) []string, versionArgs []string) *cliAdapter {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Minute
	}
	return &cliAdapter{
		backend:     backend,
		config:      config,
		slots:       make(chan struct{}, config.Concurrency),
		log:         logger,
		buildArgs:   buildArgs,
		versionArgs: versionArgs,
	}
}

// Name returns the backend id.
func (a *cliAdapter) Name() task.Backend {
	return a.backend
}

// IsAvailable reports whether the agent binary is on PATH.
func (a *cliAdapter) IsAvailable() bool {
	_, err := exec.LookPath(a.config.Command)
	return err == nil
}

// SessionStatus reports current slot utilisation.
func (a *cliAdapter) SessionStatus() SessionStatus {
	a.mu.Lock()
	active := a.active
	a.mu.Unlock()

	return SessionStatus{
		UtilizationPercent: float64(active) / float64(a.config.Concurrency) * 100,
		ActiveExecutions:   active,
		Detail:             fmt.Sprintf("%d/%d slots in use", active, a.config.Concurrency),
	}
}

// Probe runs the binary's version flag.
func (a *cliAdapter) Probe(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, a.config.Command, a.versionArgs...).Output()
	if err != nil {
		return "", fmt.Errorf("probe failed: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ExecuteTask spawns the agent process and waits for completion. Tasks
// beyond the concurrency limit wait for a free slot.
func (a *cliAdapter) ExecuteTask(ctx context.Context, t *task.Task) (*task.Result, error) {
	select {
	case a.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-a.slots }()

	a.mu.Lock()
	a.active++
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.active--
		a.mu.Unlock()
	}()

	workDir, err := os.MkdirTemp("", "openclaw-"+string(a.backend)+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create working directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	execCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	args := append(a.buildArgs(t), a.config.ExtraArgs...)
	cmd := exec.CommandContext(execCtx, a.config.Command, args...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	a.log.Debug("Starting agent process",
		slog.String("command", a.config.Command),
		slog.String("task_id", t.ID),
		slog.String("work_dir", workDir),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	output := stdout.String()
	combined := output + "\n" + stderr.String()

	if runErr != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, newTimeoutError(a.backend, fmt.Sprintf("killed after %s", a.config.Timeout))
		}
		return nil, classifyProcessError(a.backend, combined, runErr)
	}

	// Successful runs can still surface a throttle warning on stderr;
	// surface it as a rate-limit error so the router backs off.
	if IsRateLimitSignal(stderr.String()) {
		return nil, &BackendError{
			Kind:           KindRateLimit,
			Backend:        a.backend,
			Message:        truncate(stderr.String(), 300),
			ShouldFallback: true,
			RateLimited:    true,
		}
	}

	result := &task.Result{
		Success:      true,
		Backend:      a.backend,
		Response:     strings.TrimSpace(output),
		Duration:     duration,
		TokensInput:  estimateTokensFromText(t.Description),
		TokensOutput: estimateTokensFromText(output),
		OutputPath:   t.OutputPath,
	}
	return result, nil
}

package backends

import (
	"context"

	"github.com/meircohen/openclaw/internal/task"
)

// SessionStatus reports a backend's current session utilisation. Shadow
// eligibility checks compare it against the idle threshold.
type SessionStatus struct {
	// UtilizationPercent is the session usage in [0,100].
	UtilizationPercent float64

	// ActiveExecutions is how many executions the adapter is running now.
	ActiveExecutions int

	// Detail is a human-readable note.
	Detail string
}

// Adapter is the uniform façade over an execution backend. Executions are
// blocking; failures are raised as *BackendError values.
type Adapter interface {
	// Name returns the backend id this adapter serves.
	Name() task.Backend

	// IsAvailable reports whether the backend is configured and reachable.
	IsAvailable() bool

	// SessionStatus reports current utilisation.
	SessionStatus() SessionStatus

	// ExecuteTask runs the task to completion and returns the result record.
	ExecuteTask(ctx context.Context, t *task.Task) (*task.Result, error)

	// Probe performs a lightweight liveness check and returns the backend
	// version when available.
	Probe(ctx context.Context) (version string, err error)
}

// Enabled interprets the tri-state enable flag shared by the adapter
// configs: nil means enabled.
func Enabled(flag *bool) bool {
	return flag == nil || *flag
}

// Set holds the configured adapters keyed by backend id.
type Set map[task.Backend]Adapter

// Get returns the adapter for a backend.
func (s Set) Get(b task.Backend) (Adapter, bool) {
	a, ok := s[b]
	return a, ok
}

// estimateTokensFromText approximates token counts for adapters that do not
// report usage: roughly four characters per token.
func estimateTokensFromText(s string) int64 {
	n := int64(len(s) / 4)
	if n < 1 && len(s) > 0 {
		n = 1
	}
	return n
}

// Package backends provides the uniform adapter façade over the execution
// backends: the two subscription CLI agents, the paid API family, and the
// local model server.
package backends

import (
	"errors"
	"fmt"

	"github.com/meircohen/openclaw/internal/task"
)

// ErrorKind classifies a backend failure.
type ErrorKind string

const (
	// KindTimeout means the execution exceeded its per-process deadline.
	KindTimeout ErrorKind = "timeout"

	// KindRateLimit means the backend signalled throttling.
	KindRateLimit ErrorKind = "rate-limit"

	// KindProcess means the subprocess exited non-zero without a rate signal.
	KindProcess ErrorKind = "process"

	// KindHTTP means an HTTP transport or status failure.
	KindHTTP ErrorKind = "http"

	// KindUnavailable means the backend binary or server is not reachable.
	KindUnavailable ErrorKind = "unavailable"
)

// BackendError is the typed failure every adapter raises. Fallback decisions
// are carried as data rather than control flow.
type BackendError struct {
	Kind           ErrorKind
	Backend        task.Backend
	Message        string
	ShouldFallback bool
	RateLimited    bool
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Backend, e.Message, e.Kind)
}

// AsBackendError extracts a *BackendError from an error chain.
func AsBackendError(err error) (*BackendError, bool) {
	var be *BackendError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// IsRateLimited reports whether an error is a rate-limit-shaped failure.
func IsRateLimited(err error) bool {
	if be, ok := AsBackendError(err); ok {
		return be.RateLimited
	}
	return false
}

// newTimeoutError builds the timeout error raised when a process is killed
// at its deadline. Timeouts always permit fallback.
func newTimeoutError(b task.Backend, detail string) *BackendError {
	return &BackendError{
		Kind:           KindTimeout,
		Backend:        b,
		Message:        detail,
		ShouldFallback: true,
	}
}

// classifyProcessError builds the error for a failed subprocess, sniffing
// the output for throttle signals.
func classifyProcessError(b task.Backend, output string, err error) *BackendError {
	msg := err.Error()
	if output != "" {
		msg = msg + ": " + truncate(output, 300)
	}

	if IsRateLimitSignal(output) || IsRateLimitSignal(msg) {
		return &BackendError{
			Kind:           KindRateLimit,
			Backend:        b,
			Message:        msg,
			ShouldFallback: true,
			RateLimited:    true,
		}
	}

	return &BackendError{
		Kind:           KindProcess,
		Backend:        b,
		Message:        msg,
		ShouldFallback: true,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Package scheduler runs the persistent subscription work queue with
// priority ordering, per-backend cooldowns and concurrency, exponential
// backoff on throttling, and a dead-letter path for poisoned items.
package scheduler

import (
	"time"

	"github.com/meircohen/openclaw/internal/task"
)

// ItemStatus tracks a queue item's lifecycle.
type ItemStatus string

const (
	// StatusQueued means the item awaits dispatch.
	StatusQueued ItemStatus = "queued"

	// StatusWaiting means every backend breaker was denying when the item
	// was last considered; it requeues without consuming retries.
	StatusWaiting ItemStatus = "waiting"

	// StatusActive means the item is executing.
	StatusActive ItemStatus = "active"

	// StatusCompleted means the item finished, successfully or not.
	StatusCompleted ItemStatus = "completed"
)

// Item is one queue entry.
type Item struct {
	ID         string       `json:"id"`
	Task       *task.Task   `json:"task"`
	Backend    task.Backend `json:"backend"`
	Priority   int          `json:"priority"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
	Status     ItemStatus   `json:"status"`
	Retries    int          `json:"retries"`
	LastError  string       `json:"last_error,omitempty"`
	FinalError string       `json:"final_error,omitempty"`
	Result     *task.Result `json:"result,omitempty"`

	// CircuitBreakerFailures counts consecutive breaker denials; the item
	// dead-letters when it reaches the configured maximum.
	CircuitBreakerFailures int `json:"circuit_breaker_failures"`
}

// backendHealth is the scheduler's own per-backend throttle view, separate
// from the circuit breaker.
type backendHealth struct {
	Throttled           bool      `json:"throttled"`
	BackoffUntil        time.Time `json:"backoff_until"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// activeEntry tracks one running item.
type activeEntry struct {
	item      *Item
	startedAt time.Time
	cancelled bool
}

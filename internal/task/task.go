// Package task defines the shared task, plan, and result types used by the
// router, planner, scheduler, and backend adapters.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Backend identifies an execution backend.
type Backend string

const (
	// BackendClaudeCode is the primary subscription CLI agent.
	BackendClaudeCode Backend = "claude-code"

	// BackendCodex is the secondary subscription CLI agent.
	BackendCodex Backend = "codex"

	// BackendAPI is the paid hosted API model family.
	BackendAPI Backend = "api"

	// BackendLocal is the local HTTP model server.
	BackendLocal Backend = "local"
)

// AllBackends lists every backend: the two subscription agents, then the API
// family, then local.
var AllBackends = []Backend{BackendClaudeCode, BackendCodex, BackendAPI, BackendLocal}

// IsSubscription reports whether the backend is one of the subscription CLI agents.
func (b Backend) IsSubscription() bool {
	return b == BackendClaudeCode || b == BackendCodex
}

// Valid reports whether b is a known backend id.
func (b Backend) Valid() bool {
	switch b {
	case BackendClaudeCode, BackendCodex, BackendAPI, BackendLocal:
		return true
	}
	return false
}

// Type tags the kind of work a task represents.
type Type string

const (
	TypeCode     Type = "code"
	TypeReview   Type = "review"
	TypeAnalysis Type = "analysis"
	TypeResearch Type = "research"
	TypeWriting  Type = "writing"
	TypeFileOps  Type = "file-ops"
	TypeDocs     Type = "docs"
	TypeTesting  Type = "testing"
	TypeOther    Type = "other"
)

// Urgency controls scheduling priority.
type Urgency string

const (
	UrgencyUrgent     Urgency = "urgent"
	UrgencyNormal     Urgency = "normal"
	UrgencyBackground Urgency = "background"
)

// Priority maps an urgency level to its numeric scheduling priority.
func (u Urgency) Priority() int {
	switch u {
	case UrgencyUrgent:
		return 100
	case UrgencyBackground:
		return 10
	default:
		return 50
	}
}

// DefaultUserID is the principal tag applied when a caller does not set one.
const DefaultUserID = "meir"

// NewID returns a fresh task id.
func NewID() string {
	return "task-" + uuid.NewString()[:8]
}

// Task is a unit of work submitted to the router. Tasks are read-only once
// accepted; the router derives plans and augmented step tasks from them
// without mutating the original.
type Task struct {
	ID           string            `json:"id"`
	Description  string            `json:"description"`
	Type         Type              `json:"type,omitempty"`
	Urgency      Urgency           `json:"urgency,omitempty"`
	Complexity   int               `json:"complexity,omitempty"`
	Files        []string          `json:"files,omitempty"`
	ToolsNeeded  []string          `json:"tools_needed,omitempty"`
	OutputPath   string            `json:"output_path,omitempty"`
	ForceBackend Backend           `json:"force_backend,omitempty"`
	UserID       string            `json:"user_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// EffectiveUserID returns the task's principal tag, defaulting when unset.
func (t *Task) EffectiveUserID() string {
	if t.UserID == "" {
		return DefaultUserID
	}
	return t.UserID
}

// EffectiveUrgency returns the urgency, defaulting to normal.
func (t *Task) EffectiveUrgency() Urgency {
	if t.Urgency == "" {
		return UrgencyNormal
	}
	return t.Urgency
}

// Result is the uniform outcome record every backend adapter returns.
type Result struct {
	Success      bool          `json:"success"`
	Backend      Backend       `json:"backend"`
	Model        string        `json:"model,omitempty"`
	Response     string        `json:"response,omitempty"`
	Duration     time.Duration `json:"duration"`
	TokensInput  int64         `json:"tokens_input"`
	TokensOutput int64         `json:"tokens_output"`
	CostUSD      float64       `json:"cost_usd"`
	OutputPath   string        `json:"output_path,omitempty"`
}

// Tokens returns the total token count of the execution.
func (r *Result) Tokens() int64 {
	return r.TokensInput + r.TokensOutput
}

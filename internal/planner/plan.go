// Package planner decomposes tasks into dependency-ordered plans with cost
// and time estimates, and scores whether the router should handle a task
// itself, offer to route it, or route it outright.
package planner

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/meircohen/openclaw/internal/task"
)

// StepType tags the kind of work a plan step performs. Step types also fix
// the canonical emission order during decomposition.
type StepType string

const (
	StepFileOps       StepType = "file-ops"
	StepResearch      StepType = "research"
	StepPreprocessing StepType = "preprocessing"
	StepMultiFileCode StepType = "multi-file-code"
	StepQuickCode     StepType = "quick-code"
	StepAnalysis      StepType = "analysis"
	StepTesting       StepType = "testing"
	StepTransform     StepType = "transform"
	StepDocs          StepType = "docs"
	StepSynthesis     StepType = "synthesis"
)

// Step is one unit of a plan.
type Step struct {
	ID               string       `json:"id"`
	Index            int          `json:"index"`
	Description      string       `json:"description"`
	Backend          task.Backend `json:"backend"`
	Type             StepType     `json:"type"`
	EstimatedTokens  int64        `json:"estimated_tokens"`
	EstimatedCostUSD float64      `json:"estimated_cost_usd"`
	EstimatedMinutes float64      `json:"estimated_minutes"`
	Dependencies     []string     `json:"dependencies,omitempty"`
	Parallelizable   bool         `json:"parallelizable"`
	Critical         bool         `json:"critical"`
}

// Plan is a dependency-ordered decomposition of a task.
type Plan struct {
	ID              string     `json:"id"`
	Task            *task.Task `json:"task"`
	Steps           []*Step    `json:"steps"`
	TotalCostUSD    float64    `json:"total_cost_usd"`
	TotalMinutes    float64    `json:"total_minutes"`
	NeedsApproval   bool       `json:"needs_approval"`
	AllSubscription bool       `json:"all_subscription"`
	CreatedAt       time.Time  `json:"created_at"`
}

// planCounter gives plan ids a process-monotonic component.
var planCounter atomic.Uint64

// newPlanID builds a plan id from the monotonic counter and a short random
// suffix.
func newPlanID() string {
	return fmt.Sprintf("plan-%d-%s", planCounter.Add(1), uuid.NewString()[:8])
}

// stepID derives a step id from its plan and index.
func stepID(planID string, index int) string {
	return fmt.Sprintf("%s-s%d", planID, index)
}

// DefaultApprovalThresholdUSD is the API cost above which a plan requires
// human approval before dispatch.
const DefaultApprovalThresholdUSD = 2.00

// finalize computes the plan's aggregates from its steps.
func (p *Plan) finalize(approvalThresholdUSD float64) {
	p.TotalCostUSD = 0
	p.AllSubscription = true
	for _, s := range p.Steps {
		p.TotalCostUSD += s.EstimatedCostUSD
		if s.Backend == task.BackendAPI {
			p.AllSubscription = false
		}
	}
	p.NeedsApproval = p.TotalCostUSD > approvalThresholdUSD
	p.TotalMinutes = criticalPathMinutes(p.Steps)
}

// FormatForUser renders a plan as human-readable text.
func (p *Plan) FormatForUser() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Plan %s (%d steps)\n", p.ID, len(p.Steps))
	fmt.Fprintf(&sb, "Estimated API cost: $%.2f", p.TotalCostUSD)
	if p.AllSubscription {
		sb.WriteString(" (all steps on subscription/local backends)")
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Estimated wall-clock: %.0f min\n", p.TotalMinutes)
	if p.NeedsApproval {
		sb.WriteString("Requires approval before dispatch.\n")
	}
	sb.WriteString("\n")

	for _, s := range p.Steps {
		marker := " "
		if s.Critical {
			marker = "*"
		}
		fmt.Fprintf(&sb, "%s %d. [%s @ %s] %s", marker, s.Index+1, s.Type, s.Backend, s.Description)
		if len(s.Dependencies) > 0 {
			fmt.Fprintf(&sb, " (after %s)", strings.Join(s.Dependencies, ", "))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// Package router orchestrates task execution: self-handle gating, dedup,
// planning, approval, the gated selection pipeline, fallback, and shadow
// dispatch.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/meircohen/openclaw/internal/backends"
	"github.com/meircohen/openclaw/internal/breaker"
	"github.com/meircohen/openclaw/internal/bus"
	"github.com/meircohen/openclaw/internal/dedup"
	"github.com/meircohen/openclaw/internal/governor"
	"github.com/meircohen/openclaw/internal/health"
	"github.com/meircohen/openclaw/internal/ledger"
	"github.com/meircohen/openclaw/internal/logging"
	"github.com/meircohen/openclaw/internal/planner"
	"github.com/meircohen/openclaw/internal/registry"
	"github.com/meircohen/openclaw/internal/task"
)

// stepContextClip bounds how much of each dependency's output is forwarded
// into a step's augmented description.
const stepContextClip = 500

// fallbackChain is the static chain tried when a critical step's declared
// backend is unavailable.
var fallbackChain = []task.Backend{task.BackendClaudeCode, task.BackendAPI, task.BackendLocal}

// ShadowDispatcher receives successful executions for advisory shadow runs.
type ShadowDispatcher interface {
	Enqueue(t *task.Task, primary *task.Result) bool
}

// Router wires the selection pipeline. All collaborators are explicit
// dependencies; tests instantiate fresh instances per case.
type Router struct {
	planner  *planner.Planner
	dedup    *dedup.Dedup
	ledger   *ledger.Ledger
	governor *governor.Governor
	breaker  *breaker.Breaker
	health   *health.Monitor
	registry *registry.Registry
	adapters backends.Set
	events   *bus.Bus
	shadows  ShadowDispatcher
	pending  *PendingPlans
	log      *slog.Logger

	// sleep is the soft-limit delay hook, replaceable in tests.
	sleep func(ctx context.Context, d time.Duration)
}

// Deps bundles the router's collaborators.
type Deps struct {
	Planner  *planner.Planner
	Dedup    *dedup.Dedup
	Ledger   *ledger.Ledger
	Governor *governor.Governor
	Breaker  *breaker.Breaker
	Health   *health.Monitor
	Registry *registry.Registry
	Adapters backends.Set
	Events   *bus.Bus
	Shadows  ShadowDispatcher
	Pending  *PendingPlans
}

// New creates a Router.
func New(deps Deps) *Router {
	return &Router{
		planner:  deps.Planner,
		dedup:    deps.Dedup,
		ledger:   deps.Ledger,
		governor: deps.Governor,
		breaker:  deps.Breaker,
		health:   deps.Health,
		registry: deps.Registry,
		adapters: deps.Adapters,
		events:   deps.Events,
		shadows:  deps.Shadows,
		pending:  deps.Pending,
		log:      logging.WithComponent("router"),
		sleep: func(ctx context.Context, d time.Duration) {
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
		},
	}
}

// Options modify a route call.
type Options struct {
	// PlanOnly returns the plan without executing it.
	PlanOnly bool

	// PreApproved skips the approval gate regardless of plan cost.
	PreApproved bool
}

// StepOutcome records what happened to one plan step.
type StepOutcome struct {
	StepID  string       `json:"step_id"`
	Backend task.Backend `json:"backend"`
	Result  *task.Result `json:"result,omitempty"`
	Skipped bool         `json:"skipped"`
	Error   string       `json:"error,omitempty"`
}

// Outcome is the structured result of a route call.
type Outcome struct {
	SelfHandle     bool           `json:"self_handle,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Deduped        bool           `json:"deduped,omitempty"`
	ExistingTaskID string         `json:"existing_task_id,omitempty"`
	DedupWarning   string         `json:"dedup_warning,omitempty"`
	Plan           *planner.Plan  `json:"plan,omitempty"`
	NeedsApproval  bool           `json:"needs_approval,omitempty"`
	PlanID         string         `json:"plan_id,omitempty"`
	Steps          []*StepOutcome `json:"steps,omitempty"`
	Success        bool           `json:"success"`
	Final          *task.Result   `json:"final,omitempty"`
}

// Route runs the full pipeline for a task.
func (r *Router) Route(ctx context.Context, t *task.Task, opts Options) (*Outcome, error) {
	if t == nil || strings.TrimSpace(t.Description) == "" {
		return nil, fmt.Errorf("malformed task: empty description")
	}
	if t.ForceBackend != "" && !t.ForceBackend.Valid() {
		return nil, fmt.Errorf("unknown backend %q", t.ForceBackend)
	}

	r.publish(bus.Event{Type: bus.EventTaskAccepted, TaskID: t.ID})

	// Self-handle gate: trivial questions never reach a backend.
	if r.planner != nil && t.ForceBackend == "" && !opts.PlanOnly {
		conf := r.planner.AssessConfidence(t)
		if conf.Recommendation == planner.RecommendSelf {
			return &Outcome{SelfHandle: true, Reason: conf.Reason, Success: true}, nil
		}
	}

	// Dedup gate.
	var dedupWarning string
	if r.dedup != nil {
		check := r.dedup.Check(t)
		switch check.Recommendation {
		case dedup.RecommendSkip:
			r.publish(bus.Event{Type: bus.EventTaskDeduped, TaskID: t.ID, Detail: check.ExistingTaskID})
			return &Outcome{
				Deduped:        true,
				ExistingTaskID: check.ExistingTaskID,
				Reason:         check.Reason,
				Success:        true,
			}, nil
		case dedup.RecommendWarn:
			dedupWarning = check.Reason
		}
	}

	plan := r.planner.Decompose(t)
	r.publish(bus.Event{Type: bus.EventPlanCreated, TaskID: t.ID, PlanID: plan.ID})

	if opts.PlanOnly {
		return &Outcome{Plan: plan, DedupWarning: dedupWarning, Success: true}, nil
	}

	// Approval gate on expensive API plans.
	if plan.NeedsApproval && !opts.PreApproved {
		if r.pending != nil {
			if err := r.pending.Add(plan); err != nil {
				return nil, err
			}
		}
		r.publish(bus.Event{
			Type:   bus.EventPlanApproval,
			TaskID: t.ID,
			PlanID: plan.ID,
			Detail: fmt.Sprintf("estimated API cost $%.2f", plan.TotalCostUSD),
		})
		return &Outcome{NeedsApproval: true, PlanID: plan.ID, Plan: plan, DedupWarning: dedupWarning, Success: true}, nil
	}

	if r.dedup != nil {
		r.dedup.Register(t)
		r.dedup.SetStatus(t.ID, dedup.StatusRunning)
	}

	outcome := r.executePlan(ctx, t, plan)
	outcome.DedupWarning = dedupWarning

	if r.dedup != nil {
		if outcome.Success {
			r.dedup.SetStatus(t.ID, dedup.StatusDone)
		} else {
			r.dedup.SetStatus(t.ID, dedup.StatusFailed)
		}
	}

	eventType := bus.EventTaskCompleted
	if !outcome.Success {
		eventType = bus.EventTaskFailed
	}
	r.publish(bus.Event{Type: eventType, TaskID: t.ID, PlanID: plan.ID})

	return outcome, nil
}

// ApprovePlan executes a previously persisted pending plan.
func (r *Router) ApprovePlan(ctx context.Context, planID string) (*Outcome, error) {
	if r.pending == nil {
		return nil, fmt.Errorf("no pending plan store configured")
	}
	plan, err := r.pending.Take(planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, fmt.Errorf("no pending plan %q", planID)
	}

	outcome := r.executePlan(ctx, plan.Task, plan)
	eventType := bus.EventTaskCompleted
	if !outcome.Success {
		eventType = bus.EventTaskFailed
	}
	r.publish(bus.Event{Type: eventType, TaskID: plan.Task.ID, PlanID: plan.ID})
	return outcome, nil
}

// executePlan walks the plan in dependency order.
func (r *Router) executePlan(ctx context.Context, t *task.Task, plan *planner.Plan) *Outcome {
	outcome := &Outcome{Plan: plan, Success: true}

	results := make(map[string]*task.Result)
	failed := make(map[string]bool)
	skipped := make(map[string]bool)

	for _, step := range plan.Steps {
		// A step never starts before every critical dependency succeeded.
		blocked := false
		for _, dep := range step.Dependencies {
			if failed[dep] || skipped[dep] {
				if depStep := findStep(plan, dep); depStep != nil && depStep.Critical {
					blocked = true
					break
				}
			}
		}
		if blocked {
			outcome.Steps = append(outcome.Steps, &StepOutcome{
				StepID:  step.ID,
				Backend: step.Backend,
				Skipped: true,
				Error:   "blocked by failed critical dependency",
			})
			skipped[step.ID] = true
			if step.Critical {
				outcome.Success = false
			}
			continue
		}

		stepTask := r.buildStepTask(t, step, results)
		so := r.executeStep(ctx, stepTask, step)
		outcome.Steps = append(outcome.Steps, so)

		switch {
		case so.Result != nil:
			results[step.ID] = so.Result
			outcome.Final = so.Result
			if r.shadows != nil {
				r.shadows.Enqueue(stepTask, so.Result)
			}
		case so.Skipped:
			skipped[step.ID] = true
		default:
			failed[step.ID] = true
			if step.Critical {
				outcome.Success = false
			}
		}
	}

	return outcome
}

// buildStepTask derives the task dispatched for one step, augmenting the
// description with clipped context from its dependencies' outputs.
func (r *Router) buildStepTask(t *task.Task, step *planner.Step, results map[string]*task.Result) *task.Task {
	stepTask := *t
	stepTask.ID = step.ID
	stepTask.Complexity = planner.InferComplexity(t)

	var ctxBlocks []string
	for _, dep := range step.Dependencies {
		res, ok := results[dep]
		if !ok || res.Response == "" {
			continue
		}
		ctxBlocks = append(ctxBlocks, fmt.Sprintf("[%s] %s", dep, clip(res.Response, stepContextClip)))
	}

	desc := step.Description
	if desc == "" {
		desc = t.Description
	}
	if len(ctxBlocks) > 0 {
		desc = desc + "\n\nContext from prior steps:\n" + strings.Join(ctxBlocks, "\n")
	}
	stepTask.Description = desc
	return &stepTask
}

// executeStep runs one step through the gates, applying the fallback chain
// for critical steps and skipping non-critical ones.
func (r *Router) executeStep(ctx context.Context, stepTask *task.Task, step *planner.Step) *StepOutcome {
	backendsToTry := []task.Backend{step.Backend}
	if stepTask.ForceBackend != "" {
		backendsToTry = []task.Backend{stepTask.ForceBackend}
	} else if step.Critical {
		for _, fb := range fallbackChain {
			if fb != step.Backend {
				backendsToTry = append(backendsToTry, fb)
			}
		}
	}

	var lastErr string
	for _, backend := range backendsToTry {
		if reason, ok := r.checkGates(ctx, backend, step.EstimatedTokens); !ok {
			lastErr = reason
			r.log.Debug("Gate denied backend",
				slog.String("step", step.ID),
				slog.String("backend", string(backend)),
				slog.String("reason", reason),
			)
			continue
		}

		result, err := r.executeOn(ctx, backend, stepTask)
		if err == nil {
			r.publish(bus.Event{Type: bus.EventStepCompleted, TaskID: stepTask.ID, Backend: string(backend)})
			return &StepOutcome{StepID: step.ID, Backend: backend, Result: result}
		}

		lastErr = err.Error()
		if be, ok := backends.AsBackendError(err); ok && !be.ShouldFallback {
			break
		}
	}

	if !step.Critical {
		r.publish(bus.Event{Type: bus.EventStepSkipped, TaskID: stepTask.ID, Detail: lastErr})
		return &StepOutcome{StepID: step.ID, Backend: step.Backend, Skipped: true, Error: lastErr}
	}

	r.publish(bus.Event{Type: bus.EventStepFailed, TaskID: stepTask.ID, Detail: lastErr})
	return &StepOutcome{StepID: step.ID, Backend: step.Backend, Error: lastErr}
}

// checkGates runs the admission pipeline for a backend: budget, rate
// governor (honouring the soft-limit delay), circuit breaker.
func (r *Router) checkGates(ctx context.Context, backend task.Backend, estimatedTokens int64) (string, bool) {
	if r.ledger != nil {
		if d := r.ledger.CheckBudget(backend, estimatedTokens); !d.Allowed {
			return "budget: " + d.Reason, false
		}
	}

	if r.governor != nil {
		d := r.governor.CanUse(backend)
		if !d.Allowed {
			return "governor: " + d.Reason, false
		}
		if d.Delay > 0 {
			r.sleep(ctx, d.Delay)
		}
	}

	if r.breaker != nil && !r.breaker.CanExecute(backend) {
		return "circuit breaker open for " + string(backend), false
	}

	if r.health != nil && r.health.GetStatus(backend) == health.StatusDead {
		return "health: backend " + string(backend) + " is dead", false
	}

	return "", true
}

// executeOn dispatches a task to one backend's adapter and settles the
// bookkeeping on both outcomes.
func (r *Router) executeOn(ctx context.Context, backend task.Backend, stepTask *task.Task) (*task.Result, error) {
	adapter, ok := r.adapters.Get(backend)
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
	if !adapter.IsAvailable() {
		return nil, &backends.BackendError{
			Kind:           backends.KindUnavailable,
			Backend:        backend,
			Message:        "adapter unavailable",
			ShouldFallback: true,
		}
	}

	// API steps carry a registry-resolved model id.
	if backend == task.BackendAPI && r.registry != nil {
		contextSize := int64(len(stepTask.Description) / 4)
		sel, err := r.registry.SelectModel(stepTask.Type, stepTask.Complexity, contextSize)
		if err == nil {
			withModel := *stepTask
			withModel.Metadata = make(map[string]string, len(stepTask.Metadata)+1)
			for k, v := range stepTask.Metadata {
				withModel.Metadata[k] = v
			}
			withModel.Metadata[backends.MetadataModelKey] = sel.ID()
			stepTask = &withModel
		}
	}

	r.publish(bus.Event{Type: bus.EventStepStarted, TaskID: stepTask.ID, Backend: string(backend)})

	result, err := adapter.ExecuteTask(ctx, stepTask)
	if err != nil {
		kind := breaker.FailureGeneric
		if backends.IsRateLimited(err) {
			kind = breaker.FailureRateLimit
		}
		if r.breaker != nil {
			r.breaker.RecordFailure(backend, kind)
		}
		if r.governor != nil {
			r.governor.RecordRequest(backend, false)
		}
		return nil, err
	}

	if r.breaker != nil {
		r.breaker.RecordSuccess(backend)
	}
	if r.governor != nil {
		r.governor.RecordRequest(backend, true)
	}
	if r.ledger != nil {
		r.ledger.RecordUsage(backend, result, stepTask.EffectiveUserID())
	}

	return result, nil
}

// ExecuteOnBackend is the scheduler's execution hook: the same gated
// single-backend path the router uses for plan steps.
func (r *Router) ExecuteOnBackend(ctx context.Context, backend task.Backend, t *task.Task) (*task.Result, error) {
	estimated := int64(len(t.Description) / 4)
	if reason, ok := r.checkGates(ctx, backend, estimated); !ok {
		return nil, fmt.Errorf("%s", reason)
	}
	return r.executeOn(ctx, backend, t)
}

func (r *Router) publish(ev bus.Event) {
	if r.events != nil {
		r.events.Publish(ev)
	}
}

func findStep(plan *planner.Plan, id string) *planner.Step {
	for _, s := range plan.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

package router

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meircohen/openclaw/internal/backends"
	"github.com/meircohen/openclaw/internal/breaker"
	"github.com/meircohen/openclaw/internal/bus"
	"github.com/meircohen/openclaw/internal/dedup"
	"github.com/meircohen/openclaw/internal/governor"
	"github.com/meircohen/openclaw/internal/ledger"
	"github.com/meircohen/openclaw/internal/planner"
	"github.com/meircohen/openclaw/internal/registry"
	"github.com/meircohen/openclaw/internal/state"
	"github.com/meircohen/openclaw/internal/task"
)

// fakeAdapter is a scriptable in-memory backend.
type fakeAdapter struct {
	backend   task.Backend
	mu        sync.Mutex
	available bool
	fail      error
	response  string
	executed  []*task.Task
}

func (f *fakeAdapter) Name() task.Backend { return f.backend }

func (f *fakeAdapter) IsAvailable() bool { return f.available }

func (f *fakeAdapter) SessionStatus() backends.SessionStatus { return backends.SessionStatus{} }

func (f *fakeAdapter) Probe(ctx context.Context) (string, error) { return "test", nil }

func (f *fakeAdapter) ExecuteTask(ctx context.Context, t *task.Task) (*task.Result, error) {
	f.mu.Lock()
	f.executed = append(f.executed, t)
	fail := f.fail
	f.mu.Unlock()

	if fail != nil {
		return nil, fail
	}
	resp := f.response
	if resp == "" {
		resp = "done: " + t.Description
	}
	return &task.Result{
		Success:      true,
		Backend:      f.backend,
		Response:     resp,
		TokensInput:  100,
		TokensOutput: 50,
	}, nil
}

func (f *fakeAdapter) executedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executed)
}

type harness struct {
	router   *Router
	adapters map[task.Backend]*fakeAdapter
	breaker  *breaker.Breaker
	governor *governor.Governor
	ledger   *ledger.Ledger
	dedup    *dedup.Dedup
	pending  *PendingPlans
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	fakes := map[task.Backend]*fakeAdapter{}
	set := backends.Set{}
	for _, b := range task.AllBackends {
		f := &fakeAdapter{backend: b, available: true}
		fakes[b] = f
		set[b] = f
	}

	brk, err := breaker.New(breaker.DefaultConfig(), store)
	if err != nil {
		t.Fatal(err)
	}
	gov, err := governor.New(governor.DefaultConfig(), store)
	if err != nil {
		t.Fatal(err)
	}
	led, err := ledger.New(ledger.DefaultConfig(), store)
	if err != nil {
		t.Fatal(err)
	}
	dd, err := dedup.New(store)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := registry.New(store)
	if err != nil {
		t.Fatal(err)
	}
	pending, err := NewPendingPlans(store)
	if err != nil {
		t.Fatal(err)
	}

	r := New(Deps{
		Planner:  planner.New(nil),
		Dedup:    dd,
		Ledger:   led,
		Governor: gov,
		Breaker:  brk,
		Registry: reg,
		Adapters: set,
		Events:   bus.New(nil),
		Pending:  pending,
	})
	// No real sleeping in tests.
	r.sleep = func(ctx context.Context, d time.Duration) {}

	return &harness{
		router:   r,
		adapters: fakes,
		breaker:  brk,
		governor: gov,
		ledger:   led,
		dedup:    dd,
		pending:  pending,
	}
}

func simpleTask(id, desc string) *task.Task {
	return &task.Task{ID: id, Description: desc, Type: task.TypeCode, Complexity: 2}
}

func TestRoute_SimpleTaskExecutes(t *testing.T) {
	h := newHarness(t)

	out, err := h.router.Route(context.Background(), simpleTask("t1", "Fix the login bug in session.go"), Options{})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if !out.Success {
		t.Fatalf("Success = false: %+v", out)
	}
	if out.Final == nil {
		t.Fatal("Final result missing")
	}
	if h.adapters[task.BackendCodex].executedCount() != 1 {
		t.Errorf("codex executions = %d, want 1", h.adapters[task.BackendCodex].executedCount())
	}
}

func TestRoute_MalformedTask(t *testing.T) {
	h := newHarness(t)

	if _, err := h.router.Route(context.Background(), &task.Task{ID: "x"}, Options{}); err == nil {
		t.Error("Route(empty description) error = nil, want error")
	}
	if _, err := h.router.Route(context.Background(), &task.Task{ID: "x", Description: "d", ForceBackend: "bogus"}, Options{}); err == nil {
		t.Error("Route(unknown backend) error = nil, want error")
	}
}

func TestRoute_SelfHandle(t *testing.T) {
	h := newHarness(t)

	out, err := h.router.Route(context.Background(), &task.Task{
		ID:          "t1",
		Description: "What time is my standup today?",
	}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !out.SelfHandle {
		t.Errorf("SelfHandle = false, want true (got %+v)", out)
	}
	for b, f := range h.adapters {
		if f.executedCount() != 0 {
			t.Errorf("backend %s executed %d tasks for self-handled question", b, f.executedCount())
		}
	}
}

func TestRoute_PlanOnly(t *testing.T) {
	h := newHarness(t)

	out, err := h.router.Route(context.Background(), simpleTask("t1", "Fix the login bug"), Options{PlanOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if out.Plan == nil {
		t.Fatal("Plan missing")
	}
	for b, f := range h.adapters {
		if f.executedCount() != 0 {
			t.Errorf("backend %s executed during plan-only call", b)
		}
	}
}

func TestRoute_DedupSkip(t *testing.T) {
	h := newHarness(t)

	desc := "Summarize the quarterly revenue report for the finance team"
	if _, err := h.router.Route(context.Background(), simpleTask("t1", desc), Options{}); err != nil {
		t.Fatal(err)
	}

	out, err := h.router.Route(context.Background(), simpleTask("t2", desc), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Deduped {
		t.Fatalf("Deduped = false for identical in-window task: %+v", out)
	}
	if out.ExistingTaskID != "t1" {
		t.Errorf("ExistingTaskID = %q, want t1", out.ExistingTaskID)
	}
}

func TestRoute_ApprovalGate(t *testing.T) {
	h := newHarness(t)

	files := make([]string, 20)
	for i := range files {
		files[i] = "pkg/file.go"
	}
	expensive := &task.Task{
		ID: "t1",
		Description: "Analyze entire codebase using API for comprehensive security audit. " +
			"Investigate authentication handling, review database schema access, and search " +
			"for injection risks across all files, producing a detailed findings report with " +
			"remediation steps for every vulnerability discovered in the process.",
		Files:       files,
		ToolsNeeded: []string{"web"},
	}

	out, err := h.router.Route(context.Background(), expensive, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !out.NeedsApproval {
		t.Fatalf("NeedsApproval = false, want true (plan cost %.2f)", out.Plan.TotalCostUSD)
	}
	if out.PlanID == "" {
		t.Error("PlanID missing")
	}
	if len(h.pending.List()) != 1 {
		t.Errorf("pending plans = %d, want 1", len(h.pending.List()))
	}

	// Approval executes the persisted plan.
	approved, err := h.router.ApprovePlan(context.Background(), out.PlanID)
	if err != nil {
		t.Fatalf("ApprovePlan() error = %v", err)
	}
	if len(approved.Steps) == 0 {
		t.Error("approved plan executed no steps")
	}
	if len(h.pending.List()) != 0 {
		t.Error("pending plan not consumed")
	}
}

func TestRoute_FallbackOnFailure(t *testing.T) {
	h := newHarness(t)

	// Codex (the ladder's pick for quick code) fails; the critical step
	// must fall back along claude-code -> api -> local.
	h.adapters[task.BackendCodex].fail = &backends.BackendError{
		Kind:           backends.KindProcess,
		Backend:        task.BackendCodex,
		Message:        "exit status 1",
		ShouldFallback: true,
	}

	out, err := h.router.Route(context.Background(), simpleTask("t1", "Fix the login bug"), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Success {
		t.Fatalf("Success = false after fallback: %+v", out.Steps)
	}
	if h.adapters[task.BackendClaudeCode].executedCount() != 1 {
		t.Errorf("claude-code executions = %d, want 1 (fallback)", h.adapters[task.BackendClaudeCode].executedCount())
	}
}

func TestRoute_FailureRecordsBreaker(t *testing.T) {
	h := newHarness(t)

	for _, f := range h.adapters {
		f.fail = &backends.BackendError{
			Kind:           backends.KindProcess,
			Backend:        f.backend,
			Message:        "exit status 1",
			ShouldFallback: true,
		}
	}

	out, err := h.router.Route(context.Background(), simpleTask("t1", "Fix the login bug"), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Success {
		t.Error("Success = true with every backend failing")
	}

	// Each tried backend took a breaker failure.
	snaps := h.breaker.GetSnapshots()
	failures := 0
	for _, s := range snaps {
		failures += s.FailureCount
	}
	if failures == 0 {
		t.Error("no breaker failures recorded")
	}
}

func TestRoute_RateLimitNotifiesGovernor(t *testing.T) {
	h := newHarness(t)
	h.breaker.SetThrottleRecorder(h.governor)

	h.adapters[task.BackendCodex].fail = &backends.BackendError{
		Kind:           backends.KindRateLimit,
		Backend:        task.BackendCodex,
		Message:        "rate limit exceeded",
		ShouldFallback: true,
		RateLimited:    true,
	}

	if _, err := h.router.Route(context.Background(), simpleTask("t1", "Fix the login bug"), Options{}); err != nil {
		t.Fatal(err)
	}

	for _, st := range h.governor.GetStatus() {
		if st.Backend == task.BackendCodex {
			if st.ThrottleCount != 1 {
				t.Errorf("ThrottleCount = %d, want 1", st.ThrottleCount)
			}
			if !st.CoolingDown {
				t.Error("governor not cooling down after rate limit")
			}
		}
	}
}

func TestRoute_SuccessUpdatesLedger(t *testing.T) {
	h := newHarness(t)

	if _, err := h.router.Route(context.Background(), simpleTask("t1", "Fix the login bug"), Options{}); err != nil {
		t.Fatal(err)
	}

	for _, r := range h.ledger.GetReport() {
		if r.Backend == task.BackendCodex && r.TasksCompleted != 1 {
			t.Errorf("codex TasksCompleted = %d, want 1", r.TasksCompleted)
		}
	}
}

func TestRoute_ForcedBackend(t *testing.T) {
	h := newHarness(t)

	tk := simpleTask("t1", "Fix the login bug")
	tk.ForceBackend = task.BackendLocal

	out, err := h.router.Route(context.Background(), tk, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Success {
		t.Fatalf("Success = false: %+v", out.Steps)
	}
	if h.adapters[task.BackendLocal].executedCount() != 1 {
		t.Errorf("local executions = %d, want 1", h.adapters[task.BackendLocal].executedCount())
	}
	if h.adapters[task.BackendCodex].executedCount() != 0 {
		t.Error("codex executed despite forced backend")
	}
}

func TestRoute_ContextForwarding(t *testing.T) {
	h := newHarness(t)

	// A long response from earlier steps must be clipped to 500 chars in
	// later step descriptions.
	h.adapters[task.BackendCodex].response = strings.Repeat("x", 2000)
	h.adapters[task.BackendClaudeCode].response = strings.Repeat("y", 2000)
	h.adapters[task.BackendLocal].response = "short"
	h.adapters[task.BackendAPI].response = "api output"

	files := []string{"a.go", "b.go", "c.go", "d.go"}
	multi := &task.Task{
		ID: "t1",
		Description: "Refactor the session handling code across multiple files and then test " +
			"the validation logic to verify everything still works correctly after the change " +
			"is applied to the authentication layer of the service.",
		Files: files,
		Type:  task.TypeCode,
	}

	out, err := h.router.Route(context.Background(), multi, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Steps) < 2 {
		t.Fatalf("steps = %d, want multi-step", len(out.Steps))
	}

	// Find a dispatched task whose description embeds prior-step context.
	foundContext := false
	for _, f := range h.adapters {
		f.mu.Lock()
		for _, executed := range f.executed {
			if strings.Contains(executed.Description, "Context from prior steps:") {
				foundContext = true
				// Each context block is clipped.
				for _, line := range strings.Split(executed.Description, "\n") {
					if len(line) > 600 {
						t.Errorf("context line length %d, want clipped to ~500", len(line))
					}
				}
			}
		}
		f.mu.Unlock()
	}
	if !foundContext {
		t.Error("no dispatched step carried prior-step context")
	}
}

package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meircohen/openclaw/internal/state"
	"github.com/meircohen/openclaw/internal/task"
)

type fakeGate struct {
	mu      sync.Mutex
	deny    map[task.Backend]bool
	allOpen bool
}

func (f *fakeGate) CanExecute(b task.Backend) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.deny[b]
}

func (f *fakeGate) AllOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allOpen
}

type fakeExec struct {
	mu      sync.Mutex
	results map[string]*task.Result
	errs    map[string]error
	ran     []string
}

func (f *fakeExec) run(ctx context.Context, b task.Backend, t *task.Task) (*task.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, t.ID)
	if err, ok := f.errs[t.ID]; ok {
		return nil, err
	}
	if r, ok := f.results[t.ID]; ok {
		return r, nil
	}
	return &task.Result{Success: true, Backend: b}, nil
}

func (f *fakeExec) ranIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ran))
	copy(out, f.ran)
	return out
}

func testScheduler(t *testing.T, gate BreakerGate, exec ExecFunc) *Scheduler {
	t.Helper()
	store, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	cfg := DefaultConfig()
	// No cooldowns in tests: dispatch should be immediate.
	cfg.Cooldowns = map[task.Backend]time.Duration{}
	s, err := New(cfg, gate, exec, nil, store)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func drain(t *testing.T, s *Scheduler) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("executions did not finish")
	}
}

func TestQueuePriorityOrdering(t *testing.T) {
	s := testScheduler(t, &fakeGate{}, (&fakeExec{}).run)

	mk := func(id string, u task.Urgency) *task.Task {
		return &task.Task{ID: id, Description: id, Urgency: u}
	}

	// Enqueue order: background, urgent, normal, urgent.
	for _, tt := range []struct {
		id string
		u  task.Urgency
	}{
		{"bg", task.UrgencyBackground},
		{"u1", task.UrgencyUrgent},
		{"n1", task.UrgencyNormal},
		{"u2", task.UrgencyUrgent},
	} {
		if _, err := s.Enqueue(mk(tt.id, tt.u), task.BackendCodex); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", tt.id, err)
		}
	}

	st := s.GetStatus()
	if len(st.Queued) != 4 {
		t.Fatalf("len(Queued) = %d, want 4", len(st.Queued))
	}

	wantOrder := []string{"u1", "u2", "n1", "bg"}
	for i, want := range wantOrder {
		if got := st.Queued[i].Task.ID; got != want {
			t.Errorf("queue[%d] = %s, want %s", i, got, want)
		}
	}
}

func TestEnqueueRejectsNonSubscription(t *testing.T) {
	s := testScheduler(t, &fakeGate{}, (&fakeExec{}).run)

	if _, err := s.Enqueue(&task.Task{ID: "x"}, task.BackendAPI); err == nil {
		t.Error("Enqueue(api) error = nil, want error")
	}
}

func TestDispatchRespectsConcurrency(t *testing.T) {
	exec := &fakeExec{}
	s := testScheduler(t, &fakeGate{}, exec.run)

	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		if _, err := s.Enqueue(&task.Task{ID: id, Description: id}, task.BackendCodex); err != nil {
			t.Fatal(err)
		}
	}

	s.Tick(context.Background())
	drain(t, s)

	// Codex concurrency is 3: exactly three items dispatched on one tick.
	if got := len(exec.ranIDs()); got != 3 {
		t.Errorf("dispatched %d items on one tick, want 3", got)
	}
}

func TestCompletionRecorded(t *testing.T) {
	exec := &fakeExec{}
	s := testScheduler(t, &fakeGate{}, exec.run)

	if _, err := s.Enqueue(&task.Task{ID: "t1", Description: "t"}, task.BackendCodex); err != nil {
		t.Fatal(err)
	}

	s.Tick(context.Background())
	drain(t, s)

	st := s.GetStatus()
	if len(st.Completed) != 1 {
		t.Fatalf("len(Completed) = %d, want 1", len(st.Completed))
	}
	if st.Completed[0].Result == nil || !st.Completed[0].Result.Success {
		t.Error("completed item missing successful result")
	}
}

func TestRetryThenDeadLetter(t *testing.T) {
	exec := &fakeExec{errs: map[string]error{"t1": errors.New("boom")}}
	s := testScheduler(t, &fakeGate{}, exec.run)

	if _, err := s.Enqueue(&task.Task{ID: "t1", Description: "t"}, task.BackendCodex); err != nil {
		t.Fatal(err)
	}

	// MaxRetries = 2: first failure requeues, second dead-letters.
	s.Tick(context.Background())
	drain(t, s)
	s.Tick(context.Background())
	drain(t, s)

	st := s.GetStatus()
	if len(st.Queued) != 0 {
		t.Errorf("len(Queued) = %d, want 0", len(st.Queued))
	}
	if len(st.Completed) != 1 {
		t.Fatalf("len(Completed) = %d, want 1", len(st.Completed))
	}
	if st.Completed[0].FinalError == "" {
		t.Error("dead-lettered item has no FinalError")
	}
}

func TestRateLimitBackoff(t *testing.T) {
	exec := &fakeExec{errs: map[string]error{"t1": errors.New("rate limit exceeded")}}
	s := testScheduler(t, &fakeGate{}, exec.run)

	if _, err := s.Enqueue(&task.Task{ID: "t1", Description: "t"}, task.BackendCodex); err != nil {
		t.Fatal(err)
	}

	s.Tick(context.Background())
	drain(t, s)

	// Item requeued without retry consumption; backend throttled.
	st := s.GetStatus()
	if len(st.Queued) != 1 {
		t.Fatalf("len(Queued) = %d, want 1 (requeued)", len(st.Queued))
	}
	if st.Queued[0].Retries != 0 {
		t.Errorf("Retries = %d, want 0 (rate limit never consumes retries)", st.Queued[0].Retries)
	}

	// Next tick skips the throttled backend entirely.
	s.Tick(context.Background())
	drain(t, s)
	if got := len(exec.ranIDs()); got != 1 {
		t.Errorf("ran %d times, want 1 (backend backing off)", got)
	}
}

func TestBreakerDeniedGoesWaitingDuringGlobalOutage(t *testing.T) {
	gate := &fakeGate{deny: map[task.Backend]bool{task.BackendCodex: true}, allOpen: true}
	s := testScheduler(t, gate, (&fakeExec{}).run)

	if _, err := s.Enqueue(&task.Task{ID: "t1", Description: "t"}, task.BackendCodex); err != nil {
		t.Fatal(err)
	}

	s.Tick(context.Background())
	drain(t, s)

	st := s.GetStatus()
	if len(st.Queued) != 1 {
		t.Fatalf("len(Queued) = %d, want 1", len(st.Queued))
	}
	if st.Queued[0].Status != StatusWaiting {
		t.Errorf("status = %s, want waiting", st.Queued[0].Status)
	}
	if st.Queued[0].Retries != 0 {
		t.Errorf("Retries = %d, want 0 (global outage never consumes retries)", st.Queued[0].Retries)
	}
}

func TestBreakerDeniedDeadLettersAfterMax(t *testing.T) {
	gate := &fakeGate{deny: map[task.Backend]bool{task.BackendCodex: true}}
	s := testScheduler(t, gate, (&fakeExec{}).run)

	if _, err := s.Enqueue(&task.Task{ID: "t1", Description: "t"}, task.BackendCodex); err != nil {
		t.Fatal(err)
	}

	// Default max is 3 consecutive breaker denials.
	for i := 0; i < 3; i++ {
		s.Tick(context.Background())
		drain(t, s)
	}

	st := s.GetStatus()
	if len(st.Completed) != 1 {
		t.Fatalf("len(Completed) = %d, want 1 (dead-lettered)", len(st.Completed))
	}
	if st.Completed[0].FinalError == "" {
		t.Error("dead-lettered item has no FinalError")
	}
}

func TestPauseStopsDispatch(t *testing.T) {
	exec := &fakeExec{}
	s := testScheduler(t, &fakeGate{}, exec.run)

	if _, err := s.Enqueue(&task.Task{ID: "t1", Description: "t"}, task.BackendCodex); err != nil {
		t.Fatal(err)
	}

	s.Pause()
	s.Tick(context.Background())
	drain(t, s)

	if got := len(exec.ranIDs()); got != 0 {
		t.Errorf("ran %d items while paused, want 0", got)
	}

	s.Resume()
	s.Tick(context.Background())
	drain(t, s)

	if got := len(exec.ranIDs()); got != 1 {
		t.Errorf("ran %d items after resume, want 1", got)
	}
}

func TestCancelQueued(t *testing.T) {
	s := testScheduler(t, &fakeGate{}, (&fakeExec{}).run)

	id, err := s.Enqueue(&task.Task{ID: "t1", Description: "t"}, task.BackendCodex)
	if err != nil {
		t.Fatal(err)
	}

	if !s.Cancel(id) {
		t.Fatal("Cancel() = false for queued item")
	}
	if got := len(s.GetStatus().Queued); got != 0 {
		t.Errorf("len(Queued) = %d after cancel, want 0", got)
	}
}

func TestCooldownSkipsBackend(t *testing.T) {
	exec := &fakeExec{}
	store, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	s, err := New(cfg, &fakeGate{}, exec.run, nil, store)
	if err != nil {
		t.Fatal(err)
	}

	// First completion starts the 5-minute codex cooldown.
	if _, err := s.Enqueue(&task.Task{ID: "t1", Description: "t"}, task.BackendCodex); err != nil {
		t.Fatal(err)
	}
	s.Tick(context.Background())
	drain(t, s)

	if _, err := s.Enqueue(&task.Task{ID: "t2", Description: "t"}, task.BackendCodex); err != nil {
		t.Fatal(err)
	}
	s.Tick(context.Background())
	drain(t, s)

	if got := len(exec.ranIDs()); got != 1 {
		t.Errorf("ran %d items, want 1 (cooldown active)", got)
	}

	// Past the cooldown the second item dispatches.
	base := time.Now()
	s.now = func() time.Time { return base.Add(6 * time.Minute) }
	s.Tick(context.Background())
	drain(t, s)

	if got := len(exec.ranIDs()); got != 2 {
		t.Errorf("ran %d items after cooldown, want 2", got)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := state.NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	s1, err := New(DefaultConfig(), &fakeGate{}, (&fakeExec{}).run, nil, store)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s1.Enqueue(&task.Task{ID: "t1", Description: "t", Urgency: task.UrgencyUrgent}, task.BackendClaudeCode); err != nil {
		t.Fatal(err)
	}

	s2, err := New(DefaultConfig(), &fakeGate{}, (&fakeExec{}).run, nil, store)
	if err != nil {
		t.Fatal(err)
	}
	st := s2.GetStatus()
	if len(st.Queued) != 1 {
		t.Fatalf("reloaded len(Queued) = %d, want 1", len(st.Queued))
	}
	if st.Queued[0].Priority != 100 {
		t.Errorf("reloaded Priority = %d, want 100", st.Queued[0].Priority)
	}
}

package shadow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/meircohen/openclaw/internal/backends"
	"github.com/meircohen/openclaw/internal/governor"
	"github.com/meircohen/openclaw/internal/task"
)

type benchAdapter struct {
	backend task.Backend
	mu      sync.Mutex
	usage   float64
	runs    int
}

func (f *benchAdapter) Name() task.Backend { return f.backend }
func (f *benchAdapter) IsAvailable() bool  { return true }

func (f *benchAdapter) SessionStatus() backends.SessionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return backends.SessionStatus{UtilizationPercent: f.usage}
}

func (f *benchAdapter) Probe(ctx context.Context) (string, error) { return "", nil }

func (f *benchAdapter) ExecuteTask(ctx context.Context, t *task.Task) (*task.Result, error) {
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()
	return &task.Result{
		Success:  true,
		Backend:  f.backend,
		Model:    "shadow-model",
		Response: "shadow output for " + t.Description,
	}, nil
}

func (f *benchAdapter) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

type fixedUsage map[task.Backend]float64

func (f fixedUsage) SessionPercent(b task.Backend) float64 { return f[b] }

func benchHarness(t *testing.T, usage fixedUsage) (*Bench, map[task.Backend]*benchAdapter, *Store) {
	t.Helper()

	adapters := map[task.Backend]*benchAdapter{}
	set := backends.Set{}
	for _, b := range task.AllBackends {
		f := &benchAdapter{backend: b}
		adapters[b] = f
		set[b] = f
	}

	gov, err := governor.New(governor.DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	store, err := NewStoreInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	bench := NewBench(DefaultConfig(), set, gov, usage, store, nil)
	return bench, adapters, store
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestBench_LocalShadowAlwaysRuns(t *testing.T) {
	bench, adapters, store := benchHarness(t, fixedUsage{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bench.Start(ctx)
	defer bench.Stop()

	ok := bench.Enqueue(
		&task.Task{ID: "t1", Description: "summarize the report", Type: task.TypeWriting},
		&task.Result{Success: true, Backend: task.BackendClaudeCode, Response: "primary output"},
	)
	if !ok {
		t.Fatal("Enqueue() = false")
	}

	waitFor(t, func() bool { return adapters[task.BackendLocal].runCount() >= 1 })

	waitFor(t, func() bool {
		n, err := store.CountResults()
		return err == nil && n >= 1
	})
}

func TestBench_BusySubscriptionExcluded(t *testing.T) {
	// Codex session is over the idle threshold: only local shadows run.
	bench, adapters, _ := benchHarness(t, fixedUsage{task.BackendCodex: 90})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bench.Start(ctx)

	bench.Enqueue(
		&task.Task{ID: "t1", Description: "summarize the report"},
		&task.Result{Success: true, Backend: task.BackendClaudeCode, Response: "primary"},
	)
	bench.Stop()

	if adapters[task.BackendCodex].runCount() != 0 {
		t.Errorf("codex shadow runs = %d, want 0 (session busy)", adapters[task.BackendCodex].runCount())
	}
	if adapters[task.BackendLocal].runCount() != 1 {
		t.Errorf("local shadow runs = %d, want 1", adapters[task.BackendLocal].runCount())
	}
}

func TestBench_FailedPrimaryNotShadowed(t *testing.T) {
	bench, _, _ := benchHarness(t, fixedUsage{})
	ok := bench.Enqueue(
		&task.Task{ID: "t1", Description: "x"},
		&task.Result{Success: false, Backend: task.BackendCodex},
	)
	if ok {
		t.Error("Enqueue() = true for failed primary, want false")
	}
}

func TestBench_PrimaryBackendNotShadowed(t *testing.T) {
	bench, adapters, _ := benchHarness(t, fixedUsage{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bench.Start(ctx)

	bench.Enqueue(
		&task.Task{ID: "t1", Description: "summarize"},
		&task.Result{Success: true, Backend: task.BackendCodex, Response: "primary"},
	)
	bench.Stop()

	if adapters[task.BackendCodex].runCount() != 0 {
		t.Error("shadow ran on the primary's own backend")
	}
}

func TestBench_ShadowTaskCarriesMarker(t *testing.T) {
	adapters := map[task.Backend]*benchAdapter{}
	set := backends.Set{}
	var captured *task.Task
	var mu sync.Mutex

	for _, b := range task.AllBackends {
		f := &benchAdapter{backend: b}
		adapters[b] = f
		set[b] = f
	}

	// Wrap the local adapter to capture the dispatched task.
	local := &capturingAdapter{inner: adapters[task.BackendLocal], capture: func(t *task.Task) {
		mu.Lock()
		captured = t
		mu.Unlock()
	}}
	set[task.BackendLocal] = local

	store, err := NewStoreInMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	bench := NewBench(DefaultConfig(), set, nil, nil, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bench.Start(ctx)

	bench.Enqueue(
		&task.Task{ID: "t1", Description: "summarize"},
		&task.Result{Success: true, Backend: task.BackendClaudeCode, Response: "primary"},
	)
	bench.Stop()

	mu.Lock()
	defer mu.Unlock()
	if captured == nil {
		t.Fatal("no shadow task dispatched")
	}
	if captured.Metadata[MetadataShadowKey] != "true" {
		t.Error("shadow task missing metadata marker")
	}
}

type capturingAdapter struct {
	inner   backends.Adapter
	capture func(*task.Task)
}

func (c *capturingAdapter) Name() task.Backend                         { return c.inner.Name() }
func (c *capturingAdapter) IsAvailable() bool                          { return c.inner.IsAvailable() }
func (c *capturingAdapter) SessionStatus() backends.SessionStatus      { return c.inner.SessionStatus() }
func (c *capturingAdapter) Probe(ctx context.Context) (string, error)  { return c.inner.Probe(ctx) }
func (c *capturingAdapter) ExecuteTask(ctx context.Context, t *task.Task) (*task.Result, error) {
	c.capture(t)
	return c.inner.ExecuteTask(ctx, t)
}

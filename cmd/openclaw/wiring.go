package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/meircohen/openclaw/internal/backends"
	"github.com/meircohen/openclaw/internal/breaker"
	"github.com/meircohen/openclaw/internal/bus"
	"github.com/meircohen/openclaw/internal/config"
	"github.com/meircohen/openclaw/internal/dedup"
	"github.com/meircohen/openclaw/internal/gateway"
	"github.com/meircohen/openclaw/internal/governor"
	"github.com/meircohen/openclaw/internal/health"
	"github.com/meircohen/openclaw/internal/ledger"
	"github.com/meircohen/openclaw/internal/logging"
	"github.com/meircohen/openclaw/internal/planner"
	"github.com/meircohen/openclaw/internal/refine"
	"github.com/meircohen/openclaw/internal/registry"
	"github.com/meircohen/openclaw/internal/router"
	"github.com/meircohen/openclaw/internal/scheduler"
	"github.com/meircohen/openclaw/internal/shadow"
	"github.com/meircohen/openclaw/internal/state"
	"github.com/meircohen/openclaw/internal/task"
)

// app holds the wired process. Components are explicit values; the wiring
// order resolves the breaker/governor and health/breaker call dependencies.
type app struct {
	config    *config.Config
	store     *state.Store
	events    *bus.Bus
	planner   *planner.Planner
	dedup     *dedup.Dedup
	ledger    *ledger.Ledger
	governor  *governor.Governor
	breaker   *breaker.Breaker
	health    *health.Monitor
	registry  *registry.Registry
	adapters  backends.Set
	shadowDB  *shadow.Store
	bench     *shadow.Bench
	router    *router.Router
	scheduler *scheduler.Scheduler
	gateway   *gateway.Server
	maint     *router.Maintenance
	refine    *refine.Queue
}

// buildApp wires every component from the configuration.
func buildApp(cfg *config.Config) (*app, error) {
	if err := logging.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to init logging: %w", err)
	}

	// The test-mode env var wins over the configured data directory.
	dataDir := os.Getenv(state.EnvDataDir)
	if dataDir == "" {
		dataDir = cfg.DataDir
	}
	if dataDir == "" {
		var err error
		dataDir, err = state.Dir()
		if err != nil {
			return nil, err
		}
	}
	store, err := state.NewStore(dataDir)
	if err != nil {
		return nil, err
	}

	a := &app{config: cfg, store: store}
	a.events = bus.New(store)
	a.planner = planner.New(cfg.Planner)

	if a.dedup, err = dedup.New(store); err != nil {
		return nil, err
	}
	if a.ledger, err = ledger.New(cfg.Ledger, store); err != nil {
		return nil, err
	}
	if a.governor, err = governor.New(cfg.RateGovernor, store); err != nil {
		return nil, err
	}
	if a.breaker, err = breaker.New(cfg.CircuitBreaker, store); err != nil {
		return nil, err
	}
	// The breaker calls the governor on rate-limit failures; wiring the
	// value here keeps both packages cycle-free.
	a.breaker.SetThrottleRecorder(a.governor)
	a.breaker.OnEvent(func(ev breaker.Event) {
		a.events.Publish(bus.Event{Type: bus.EventBreakerChanged, Backend: string(ev.Backend), Detail: ev.Detail})
	})
	a.governor.OnEvent(func(ev governor.Event) {
		a.events.Publish(bus.Event{Type: bus.EventGovernorTuned, Backend: string(ev.Backend), Detail: ev.Detail})
	})

	if a.registry, err = registry.New(store); err != nil {
		return nil, err
	}

	a.adapters = buildAdapters(cfg, a.registry)

	if a.shadowDB, err = shadow.NewStore(dataDir); err != nil {
		return nil, err
	}
	a.registry.SetTrustProvider(a.shadowDB)
	a.bench = shadow.NewBench(cfg.ShadowBench, a.adapters, a.governor, a.ledger, a.shadowDB, a.events)

	probes := make(map[task.Backend]health.ProbeFunc)
	for b, adapter := range a.adapters {
		adapter := adapter
		probes[b] = func(ctx context.Context) (string, error) {
			return adapter.Probe(ctx)
		}
	}
	if a.health, err = health.NewMonitor(cfg.Warmup, probes, a.breaker, store); err != nil {
		return nil, err
	}

	pending, err := router.NewPendingPlans(store)
	if err != nil {
		return nil, err
	}
	if a.refine, err = refine.NewQueue(store); err != nil {
		return nil, err
	}

	a.router = router.New(router.Deps{
		Planner:  a.planner,
		Dedup:    a.dedup,
		Ledger:   a.ledger,
		Governor: a.governor,
		Breaker:  a.breaker,
		Health:   a.health,
		Registry: a.registry,
		Adapters: a.adapters,
		Events:   a.events,
		Shadows:  a.bench,
		Pending:  pending,
	})

	if a.scheduler, err = scheduler.New(cfg.Scheduler, a.breaker, a.router.ExecuteOnBackend, backends.IsRateLimited, store); err != nil {
		return nil, err
	}

	a.gateway = gateway.New(cfg.Dashboard, a.events, a.statusSnapshot)

	retention := time.Duration(cfg.ShadowBench.RetentionDays) * 24 * time.Hour
	a.maint = router.NewMaintenance(a.ledger, a.dedup, a.shadowDB, retention)

	return a, nil
}

// buildAdapters creates the enabled adapters.
func buildAdapters(cfg *config.Config, reg *registry.Registry) backends.Set {
	set := backends.Set{}
	b := cfg.Backends
	if b == nil {
		return set
	}
	if b.ClaudeCode != nil && backends.Enabled(b.ClaudeCode.Enabled) {
		set[task.BackendClaudeCode] = backends.NewClaudeCode(b.ClaudeCode)
	}
	if b.Codex != nil && backends.Enabled(b.Codex.Enabled) {
		set[task.BackendCodex] = backends.NewCodex(b.Codex)
	}
	if b.API != nil && backends.Enabled(b.API.Enabled) {
		set[task.BackendAPI] = backends.NewAPI(b.API, reg)
	}
	if b.Local != nil && backends.Enabled(b.Local.Enabled) {
		set[task.BackendLocal] = backends.NewLocal(b.Local)
	}
	return set
}

// startBackground launches the long-running loops used by daemon-style
// commands (dashboard, queue watch).
func (a *app) startBackground(ctx context.Context) error {
	a.health.Start(ctx)
	a.scheduler.Start(ctx)
	a.bench.Start(ctx)
	if err := a.maint.Start(); err != nil {
		return err
	}
	return a.gateway.Start()
}

// stopBackground shuts the loops down.
func (a *app) stopBackground() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.gateway.Stop(shutdownCtx)
	a.maint.Stop()
	a.bench.Stop()
	a.scheduler.Stop()
	a.health.Stop()
	a.shadowDB.Close()
}

// statusSnapshot assembles the gateway's /api/status document.
func (a *app) statusSnapshot() any {
	return map[string]any{
		"backends":  a.health.GetReports(),
		"breakers":  a.breaker.GetSnapshots(),
		"governor":  a.governor.GetStatus(),
		"ledger":    a.ledger.GetReport(),
		"savings":   a.ledger.GetSavings(),
		"queue":     a.scheduler.GetStatus(),
		"refine":    a.refine.List(),
		"generated": time.Now(),
	}
}

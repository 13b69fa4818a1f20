package shadow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meircohen/openclaw/internal/backends"
	"github.com/meircohen/openclaw/internal/bus"
	"github.com/meircohen/openclaw/internal/governor"
	"github.com/meircohen/openclaw/internal/logging"
	"github.com/meircohen/openclaw/internal/task"
)

// MetadataShadowKey marks a task copy as a shadow run so adapters and
// downstream consumers can tell it apart from primary work.
const MetadataShadowKey = "shadow"

// Config holds shadow bench settings.
type Config struct {
	// Enabled controls whether shadow runs happen at all.
	Enabled bool `yaml:"enabled"`

	// IdleThresholdPercent gates subscription shadows: the governor must
	// admit the backend, and both the usage provider's session utilisation
	// and the adapter's reported session utilisation must sit under it.
	IdleThresholdPercent float64 `yaml:"idle_threshold_percent"`

	// MaxConcurrentShadows bounds parallel shadow executions.
	MaxConcurrentShadows int `yaml:"max_concurrent_shadows"`

	// RetentionDays is how long comparison rows are kept.
	RetentionDays int `yaml:"retention_days"`
}

// DefaultConfig returns default shadow bench settings.
func DefaultConfig() *Config {
	return &Config{
		Enabled:              true,
		IdleThresholdPercent: 50,
		MaxConcurrentShadows: 2,
		RetentionDays:        30,
	}
}

// Admission is the governor surface the bench consults.
type Admission interface {
	CanUse(b task.Backend) governor.Decision
}

// UsageProvider reports a subscription backend's session utilisation.
type UsageProvider interface {
	SessionPercent(b task.Backend) float64
}

// job is one queued shadow comparison.
type job struct {
	task    *task.Task
	primary *task.Result
}

// Bench orchestrates fire-and-forget shadow runs through a bounded worker
// pool. Enqueueing never blocks; under pressure shadows are dropped.
type Bench struct {
	config    *Config
	adapters  backends.Set
	admission Admission
	usage     UsageProvider
	store     *Store
	events    *bus.Bus
	check     SyntaxCheck
	log       *slog.Logger

	jobs   chan job
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewBench creates a Bench.
func NewBench(config *Config, adapters backends.Set, admission Admission, usage UsageProvider, store *Store, events *bus.Bus) *Bench {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxConcurrentShadows < 1 {
		config.MaxConcurrentShadows = 1
	}
	return &Bench{
		config:    config,
		adapters:  adapters,
		admission: admission,
		usage:     usage,
		store:     store,
		events:    events,
		log:       logging.WithComponent("shadow"),
		jobs:      make(chan job, config.MaxConcurrentShadows*4),
	}
}

// SetSyntaxCheck wires a host-provided code parser for the code-parses
// sub-score.
func (b *Bench) SetSyntaxCheck(check SyntaxCheck) {
	b.check = check
}

// Start launches the worker pool.
func (b *Bench) Start(ctx context.Context) {
	if !b.config.Enabled {
		return
	}
	for i := 0; i < b.config.MaxConcurrentShadows; i++ {
		b.wg.Add(1)
		go b.worker(ctx)
	}
}

// Stop drains the pool.
func (b *Bench) Stop() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.jobs)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// Enqueue schedules shadow runs for a completed primary execution. It never
// blocks; a full queue drops the shadows and returns false.
func (b *Bench) Enqueue(t *task.Task, primary *task.Result) bool {
	if !b.config.Enabled || primary == nil || !primary.Success {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}

	select {
	case b.jobs <- job{task: t, primary: primary}:
		return true
	default:
		b.log.Debug("Shadow queue full, dropping", slog.String("task_id", t.ID))
		return false
	}
}

func (b *Bench) worker(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-b.jobs:
			if !ok {
				return
			}
			b.runShadows(ctx, j)
		}
	}
}

// eligibleBackends picks the shadow set: the local backend always, each
// subscription backend only when it is genuinely idle.
func (b *Bench) eligibleBackends(primaryBackend task.Backend) []task.Backend {
	eligible := []task.Backend{task.BackendLocal}

	for _, sub := range []task.Backend{task.BackendClaudeCode, task.BackendCodex} {
		if sub == primaryBackend {
			continue
		}
		if b.admission != nil {
			if d := b.admission.CanUse(sub); !d.Allowed {
				continue
			}
		}
		if b.usage != nil && b.usage.SessionPercent(sub) >= b.config.IdleThresholdPercent {
			continue
		}
		adapter, ok := b.adapters.Get(sub)
		if !ok {
			continue
		}
		if adapter.SessionStatus().UtilizationPercent >= b.config.IdleThresholdPercent {
			continue
		}
		eligible = append(eligible, sub)
	}

	return eligible
}

// runShadows executes every eligible shadow for one job sequentially within
// this worker; cross-job parallelism comes from the pool.
func (b *Bench) runShadows(ctx context.Context, j job) {
	for _, backend := range b.eligibleBackends(j.primary.Backend) {
		if backend == j.primary.Backend {
			continue
		}
		adapter, ok := b.adapters.Get(backend)
		if !ok || !adapter.IsAvailable() {
			continue
		}
		b.runOne(ctx, j, backend, adapter)
	}
}

func (b *Bench) runOne(ctx context.Context, j job, backend task.Backend, adapter backends.Adapter) {
	shadowTask := *j.task
	shadowTask.Metadata = cloneMetadata(j.task.Metadata)
	shadowTask.Metadata[MetadataShadowKey] = "true"

	result, err := adapter.ExecuteTask(ctx, &shadowTask)
	if err != nil {
		b.log.Debug("Shadow run failed",
			slog.String("task_id", j.task.ID),
			slog.String("backend", string(backend)),
			slog.String("error", err.Error()),
		)
		return
	}

	score, sub := AutoScore(j.primary.Response, result.Response, j.task.OutputPath, b.check)
	band := BandForTask(j.task)

	row := &Result{
		ID:            "sh-" + uuid.NewString()[:8],
		PrimaryTaskID: j.task.ID,
		TaskType:      taskTypeOrOther(j.task),
		Description:   j.task.Description,
		Timestamp:     time.Now(),
		Primary:       executionOf(j.primary),
		Shadow:        executionOf(result),
		AutoScore:     score,
		SubScores:     sub,
		Band:          band,
	}

	if b.store != nil {
		if err := b.store.SaveResult(row); err != nil {
			b.log.Error("Failed to save shadow result", slog.String("error", err.Error()))
			return
		}

		promo, err := b.store.UpdateTrust(trimModelPrefix(modelOf(result)), row.TaskType, band)
		if err != nil {
			b.log.Error("Failed to update trust", slog.String("error", err.Error()))
		} else if promo != nil && b.events != nil {
			b.events.Publish(bus.Event{
				Type:    bus.EventModelPromoted,
				TaskID:  j.task.ID,
				Backend: string(backend),
				Detail:  promo.Status + ": " + promo.Model,
			})
		}
	}

	if b.events != nil {
		b.events.Publish(bus.Event{
			Type:    bus.EventShadowScored,
			TaskID:  j.task.ID,
			Backend: string(backend),
			Detail:  row.ID,
		})
	}
}

// executionOf converts a result record into the stored execution shape.
func executionOf(r *task.Result) Execution {
	return Execution{
		Backend:      r.Backend,
		Model:        r.Model,
		Duration:     r.Duration,
		Tokens:       r.Tokens(),
		CostUSD:      r.CostUSD,
		OutputLength: len(r.Response),
		OutputHash:   hashOutput(r.Response),
		Success:      r.Success,
	}
}

func modelOf(r *task.Result) string {
	if r.Model != "" {
		return r.Model
	}
	return string(r.Backend)
}

func taskTypeOrOther(t *task.Task) task.Type {
	if t.Type != "" {
		return t.Type
	}
	return task.TypeOther
}

func hashOutput(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

func cloneMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meircohen/openclaw/internal/logging"
	"github.com/meircohen/openclaw/internal/state"
	"github.com/meircohen/openclaw/internal/task"
)

// Config holds scheduler settings.
type Config struct {
	// TickInterval is how often the dispatch loop runs.
	TickInterval time.Duration `yaml:"tick_interval"`

	// Cooldowns is the per-backend minimum gap after a completion before
	// the next dispatch.
	Cooldowns map[task.Backend]time.Duration `yaml:"cooldowns"`

	// Concurrency is the per-backend parallel execution limit.
	Concurrency map[task.Backend]int `yaml:"concurrency"`

	// MaxRetries is the retry budget for ordinary failures.
	MaxRetries int `yaml:"max_retries"`

	// MaxCircuitBreakerFailures dead-letters an item after this many
	// consecutive breaker denials.
	MaxCircuitBreakerFailures int `yaml:"max_consecutive_circuit_breaker_failures"`
}

// DefaultConfig returns default scheduler settings.
func DefaultConfig() *Config {
	return &Config{
		TickInterval: 15 * time.Second,
		Cooldowns: map[task.Backend]time.Duration{
			task.BackendClaudeCode: 20 * time.Minute,
			task.BackendCodex:      5 * time.Minute,
		},
		Concurrency: map[task.Backend]int{
			task.BackendClaudeCode: 1,
			task.BackendCodex:      3,
		},
		MaxRetries:                2,
		MaxCircuitBreakerFailures: 3,
	}
}

// completedRingSize bounds the completed list.
const completedRingSize = 100

// BreakerGate is the circuit breaker surface the scheduler consults.
type BreakerGate interface {
	CanExecute(b task.Backend) bool
	AllOpen() bool
}

// ExecFunc runs a task on a backend. Wired to the router's gated execution
// path in main.
type ExecFunc func(ctx context.Context, b task.Backend, t *task.Task) (*task.Result, error)

// RateLimitCheck reports whether an execution error is rate-limit shaped.
type RateLimitCheck func(err error) bool

// persistedState is the queue-state.json document. Active items revert to
// queued on load: execution is at-least-once.
type persistedState struct {
	Queued    []*Item                         `json:"queued"`
	Completed []*Item                         `json:"completed"`
	Health    map[task.Backend]*backendHealth `json:"health"`
	LastDone  map[task.Backend]time.Time      `json:"last_completion"`
}

// Scheduler owns the subscription work queue.
type Scheduler struct {
	mu             sync.Mutex
	config         *Config
	queued         []*Item
	active         map[string]*activeEntry
	completed      []*Item
	health         map[task.Backend]*backendHealth
	lastCompletion map[task.Backend]time.Time
	paused         bool

	gate        BreakerGate
	execute     ExecFunc
	isRateLimit RateLimitCheck
	store       *state.Store
	now         func() time.Time
	log         *slog.Logger

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Scheduler, restoring the persisted queue if present.
func New(config *Config, gate BreakerGate, execute ExecFunc, isRateLimit RateLimitCheck, store *state.Store) (*Scheduler, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if isRateLimit == nil {
		isRateLimit = func(error) bool { return false }
	}

	s := &Scheduler{
		config:         config,
		active:         make(map[string]*activeEntry),
		health:         make(map[task.Backend]*backendHealth),
		lastCompletion: make(map[task.Backend]time.Time),
		gate:           gate,
		execute:        execute,
		isRateLimit:    isRateLimit,
		store:          store,
		now:            time.Now,
		log:            logging.WithComponent("scheduler"),
	}

	var persisted persistedState
	if store != nil {
		found, err := store.Load(state.FileQueue, &persisted)
		if err != nil {
			return nil, err
		}
		if found {
			s.queued = persisted.Queued
			s.completed = persisted.Completed
			if persisted.Health != nil {
				s.health = persisted.Health
			}
			if persisted.LastDone != nil {
				s.lastCompletion = persisted.LastDone
			}
			for _, it := range s.queued {
				if it.Status == StatusActive {
					it.Status = StatusQueued
				}
			}
		}
	}

	for _, b := range []task.Backend{task.BackendClaudeCode, task.BackendCodex} {
		if _, ok := s.health[b]; !ok {
			s.health[b] = &backendHealth{}
		}
	}

	s.sortLocked()
	return s, nil
}

// Enqueue adds a task for a subscription backend and returns the item id.
func (s *Scheduler) Enqueue(t *task.Task, backend task.Backend) (string, error) {
	if !backend.IsSubscription() {
		return "", fmt.Errorf("scheduler only queues subscription backends, got %q", backend)
	}

	item := &Item{
		ID:         "q-" + uuid.NewString()[:8],
		Task:       t,
		Backend:    backend,
		Priority:   t.EffectiveUrgency().Priority(),
		EnqueuedAt: s.now(),
		Status:     StatusQueued,
	}

	s.mu.Lock()
	s.queued = append(s.queued, item)
	s.sortLocked()
	s.persistLocked()
	s.mu.Unlock()

	s.log.Info("Task enqueued",
		slog.String("item_id", item.ID),
		slog.String("backend", string(backend)),
		slog.Int("priority", item.Priority),
	)
	return item.ID, nil
}

// Cancel removes a queued item immediately, or flags an active one so its
// result is dropped when the adapter returns.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, it := range s.queued {
		if it.ID == id {
			s.queued = append(s.queued[:i], s.queued[i+1:]...)
			s.persistLocked()
			return true
		}
	}
	if entry, ok := s.active[id]; ok {
		entry.cancelled = true
		return true
	}
	return false
}

// Pause stops dispatch without draining the queue.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.log.Info("Scheduler paused")
}

// Resume restarts dispatch.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.log.Info("Scheduler resumed")
}

// Start begins the dispatch loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	s.log.Info("Scheduler started", slog.Duration("tick", s.config.TickInterval))
	go s.run(ctx)
}

// Stop halts the dispatch loop and waits for in-flight executions.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh
	s.wg.Wait()
	s.log.Info("Scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one dispatch pass over both subscription backends.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return
	}

	var dispatch []*Item
	now := s.now()

	for _, backend := range []task.Backend{task.BackendClaudeCode, task.BackendCodex} {
		h := s.health[backend]

		if h.Throttled {
			if now.Before(h.BackoffUntil) {
				continue
			}
			h.Throttled = false
		}

		if cooldown := s.config.Cooldowns[backend]; cooldown > 0 {
			if last, ok := s.lastCompletion[backend]; ok && now.Sub(last) < cooldown {
				continue
			}
		}

		slots := s.config.Concurrency[backend] - s.activeCountLocked(backend)
		if slots <= 0 {
			continue
		}

		// Queue is kept sorted by priority DESC then enqueue time ASC;
		// take the first matching items.
		for _, it := range s.queued {
			if slots == 0 {
				break
			}
			if it.Backend != backend {
				continue
			}
			dispatch = append(dispatch, it)
			slots--
		}
	}

	for _, it := range dispatch {
		s.removeQueuedLocked(it.ID)
		it.Status = StatusActive
		s.active[it.ID] = &activeEntry{item: it, startedAt: now}
	}
	s.persistLocked()
	s.mu.Unlock()

	for _, it := range dispatch {
		s.wg.Add(1)
		go func(it *Item) {
			defer s.wg.Done()
			s.runItem(ctx, it)
		}(it)
	}
}

// runItem executes one dispatched item and applies the failure policy.
func (s *Scheduler) runItem(ctx context.Context, it *Item) {
	// The breaker is consulted at dispatch time; denials follow the
	// circuit-breaker failure path without consuming the retry budget.
	if s.gate != nil && !s.gate.CanExecute(it.Backend) {
		s.handleBreakerDenied(it, "circuit breaker open")
		return
	}

	result, err := s.execute(ctx, it.Backend, it.Task)

	s.mu.Lock()
	entry, ok := s.active[it.ID]
	cancelled := ok && entry.cancelled
	delete(s.active, it.ID)
	s.mu.Unlock()

	if cancelled {
		// Cancelled mid-flight: drop the outcome entirely.
		s.log.Info("Dropped cancelled item", slog.String("item_id", it.ID))
		return
	}

	if err == nil {
		s.completeItem(it, result)
		return
	}

	s.handleFailure(it, err)
}

func (s *Scheduler) completeItem(it *Item, result *task.Result) {
	s.mu.Lock()
	it.Status = StatusCompleted
	it.Result = result
	s.pushCompletedLocked(it)
	s.lastCompletion[it.Backend] = s.now()
	s.health[it.Backend].ConsecutiveFailures = 0
	s.persistLocked()
	s.mu.Unlock()

	s.log.Info("Item completed",
		slog.String("item_id", it.ID),
		slog.String("backend", string(it.Backend)),
	)
}

func (s *Scheduler) handleFailure(it *Item, err error) {
	msg := err.Error()
	it.LastError = msg

	switch {
	case s.isRateLimit(err) || IsRateLimitText(msg):
		s.mu.Lock()
		h := s.health[it.Backend]
		backoff := time.Duration(math.Pow(2, float64(h.ConsecutiveFailures+1))) * time.Minute
		h.Throttled = true
		h.BackoffUntil = s.now().Add(backoff)
		h.ConsecutiveFailures++
		s.requeueLocked(it, StatusQueued, false)
		s.persistLocked()
		s.mu.Unlock()

		s.log.Warn("Backend throttled, backing off",
			slog.String("backend", string(it.Backend)),
			slog.Duration("backoff", backoff),
		)

	case IsBreakerText(msg):
		s.handleBreakerDenied(it, msg)

	default:
		s.mu.Lock()
		it.Retries++
		if it.Retries < s.config.MaxRetries {
			s.requeueLocked(it, StatusQueued, false)
		} else {
			it.FinalError = msg
			it.Status = StatusCompleted
			s.pushCompletedLocked(it)
		}
		s.persistLocked()
		s.mu.Unlock()

		s.log.Warn("Item failed",
			slog.String("item_id", it.ID),
			slog.Int("retries", it.Retries),
			slog.String("error", msg),
		)
	}
}

// handleBreakerDenied applies the circuit-breaker failure path: dead-letter
// after the configured maximum, waiting without retry consumption during a
// global outage, plain requeue otherwise.
func (s *Scheduler) handleBreakerDenied(it *Item, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, it.ID)
	it.LastError = msg
	it.CircuitBreakerFailures++

	if it.CircuitBreakerFailures >= s.config.MaxCircuitBreakerFailures {
		it.FinalError = fmt.Sprintf("dead-lettered after %d circuit breaker denials: %s",
			it.CircuitBreakerFailures, msg)
		it.Status = StatusCompleted
		s.pushCompletedLocked(it)
		s.persistLocked()

		s.log.Error("Item dead-lettered",
			slog.String("item_id", it.ID),
			slog.Int("denials", it.CircuitBreakerFailures),
		)
		return
	}

	status := StatusQueued
	if s.gate != nil && s.gate.AllOpen() {
		// Global outage: the item is not punished for it.
		status = StatusWaiting
	}
	s.requeueLocked(it, status, false)
	s.persistLocked()
}

// requeueLocked puts an item back on the queue with the given status.
func (s *Scheduler) requeueLocked(it *Item, status ItemStatus, resetBreakerCount bool) {
	it.Status = status
	if resetBreakerCount {
		it.CircuitBreakerFailures = 0
	}
	s.queued = append(s.queued, it)
	s.sortLocked()
}

func (s *Scheduler) removeQueuedLocked(id string) {
	for i, it := range s.queued {
		if it.ID == id {
			s.queued = append(s.queued[:i], s.queued[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) pushCompletedLocked(it *Item) {
	s.completed = append(s.completed, it)
	if len(s.completed) > completedRingSize {
		s.completed = s.completed[len(s.completed)-completedRingSize:]
	}
}

func (s *Scheduler) activeCountLocked(b task.Backend) int {
	n := 0
	for _, entry := range s.active {
		if entry.item.Backend == b {
			n++
		}
	}
	return n
}

// sortLocked keeps the queue ordered by priority DESC then enqueue time ASC.
func (s *Scheduler) sortLocked() {
	sort.SliceStable(s.queued, func(i, j int) bool {
		if s.queued[i].Priority != s.queued[j].Priority {
			return s.queued[i].Priority > s.queued[j].Priority
		}
		return s.queued[i].EnqueuedAt.Before(s.queued[j].EnqueuedAt)
	})
}

// Status is the scheduler's queue snapshot.
type Status struct {
	Paused    bool    `json:"paused"`
	Queued    []*Item `json:"queued"`
	Active    []*Item `json:"active"`
	Completed []*Item `json:"completed"`
}

// GetStatus returns a snapshot of the queue.
func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Paused: s.paused}
	st.Queued = append(st.Queued, s.queued...)
	for _, entry := range s.active {
		st.Active = append(st.Active, entry.item)
	}
	st.Completed = append(st.Completed, s.completed...)
	return st
}

func (s *Scheduler) persistLocked() {
	if s.store == nil {
		return
	}
	// Active items are written with the queue so a restart re-runs them.
	queued := append([]*Item(nil), s.queued...)
	for _, entry := range s.active {
		queued = append(queued, entry.item)
	}
	doc := persistedState{
		Queued:    queued,
		Completed: s.completed,
		Health:    s.health,
		LastDone:  s.lastCompletion,
	}
	if err := s.store.Save(state.FileQueue, doc); err != nil {
		s.log.Error("Failed to persist queue state", slog.String("error", err.Error()))
	}
}

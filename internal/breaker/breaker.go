// Package breaker implements the per-backend circuit breaker protecting
// execution backends from repeated failure.
package breaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meircohen/openclaw/internal/logging"
	"github.com/meircohen/openclaw/internal/state"
	"github.com/meircohen/openclaw/internal/task"
)

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds circuit breaker settings.
type Config struct {
	// FailureThreshold is the rolling failure count that opens the circuit.
	FailureThreshold int `yaml:"failure_threshold"`

	// FailureWindow is the rolling window failures are counted within.
	FailureWindow time.Duration `yaml:"failure_window"`

	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration `yaml:"cooldown"`
}

// DefaultConfig returns default breaker settings.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		FailureWindow:    15 * time.Minute,
		Cooldown:         10 * time.Minute,
	}
}

// backendState is the per-backend breaker state.
type backendState struct {
	State        State       `json:"state"`
	Failures     []time.Time `json:"failures,omitempty"`
	CooldownEnds *time.Time  `json:"cooldown_ends,omitempty"`
	ProbeActive  bool        `json:"probe_active"`
}

type persistedState struct {
	Backends map[task.Backend]*backendState `json:"backends"`
}

// Event describes a breaker state transition.
type Event struct {
	Type    string // breaker-open, breaker-closed, breaker-half-open
	Backend task.Backend
	Detail  string
}

// EventCallback receives breaker transition events.
type EventCallback func(Event)

// ThrottleRecorder is notified when a rate-limit-shaped failure is recorded,
// so the rate governor can tighten its limit. Wired in main to break the
// breaker/governor ordering dependency.
type ThrottleRecorder interface {
	RecordThrottle(b task.Backend)
}

// Breaker is the per-backend CLOSED/OPEN/HALF-OPEN state machine.
type Breaker struct {
	mu       sync.Mutex
	config   *Config
	backends map[task.Backend]*backendState
	store    *state.Store
	throttle ThrottleRecorder
	onEvent  EventCallback
	now      func() time.Time
	log      *slog.Logger
}

// New creates a Breaker, loading persisted state from the store if present.
func New(config *Config, store *state.Store) (*Breaker, error) {
	if config == nil {
		config = DefaultConfig()
	}

	b := &Breaker{
		config:   config,
		backends: make(map[task.Backend]*backendState),
		store:    store,
		now:      time.Now,
		log:      logging.WithComponent("breaker"),
	}

	var persisted persistedState
	if store != nil {
		found, err := store.Load(state.FileBreaker, &persisted)
		if err != nil {
			return nil, err
		}
		if found && persisted.Backends != nil {
			b.backends = persisted.Backends
		}
	}

	for _, backend := range task.AllBackends {
		if _, ok := b.backends[backend]; !ok {
			b.backends[backend] = &backendState{State: StateClosed}
		}
	}

	return b, nil
}

// SetThrottleRecorder wires the governor notification for rate-limit failures.
func (b *Breaker) SetThrottleRecorder(tr ThrottleRecorder) {
	b.mu.Lock()
	b.throttle = tr
	b.mu.Unlock()
}

// OnEvent sets the transition event callback.
func (b *Breaker) OnEvent(cb EventCallback) {
	b.mu.Lock()
	b.onEvent = cb
	b.mu.Unlock()
}

// CanExecute reports whether a request may pass the breaker. In HALF-OPEN it
// admits exactly one probe; callers must report the outcome via
// RecordSuccess or RecordFailure.
func (b *Breaker) CanExecute(backend task.Backend) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.backends[backend]
	if !ok {
		return false
	}

	switch st.State {
	case StateClosed:
		return true

	case StateOpen:
		if st.CooldownEnds != nil && !b.now().Before(*st.CooldownEnds) {
			b.transitionLocked(backend, st, StateHalfOpen)
			st.ProbeActive = true
			b.persistLocked()
			return true
		}
		return false

	case StateHalfOpen:
		if st.ProbeActive {
			return false
		}
		st.ProbeActive = true
		b.persistLocked()
		return true
	}

	return false
}

// FailureKind classifies a recorded failure.
type FailureKind int

const (
	// FailureGeneric is a normal execution failure counted against the quota.
	FailureGeneric FailureKind = iota

	// FailureRateLimit is a rate-limit-shaped failure; counts against the
	// quota and additionally notifies the rate governor.
	FailureRateLimit

	// FailureProbe is a health-ping failure; noted but never counted
	// against the failure quota.
	FailureProbe
)

// RecordFailure records a failure for the backend and applies transitions.
func (b *Breaker) RecordFailure(backend task.Backend, kind FailureKind) {
	b.mu.Lock()

	st, ok := b.backends[backend]
	if !ok {
		b.mu.Unlock()
		return
	}

	now := b.now()

	if kind == FailureProbe {
		// Health probes must not consume the failure quota.
		b.log.Debug("Probe failure noted", slog.String("backend", string(backend)))
		b.mu.Unlock()
		return
	}

	switch st.State {
	case StateHalfOpen:
		// Probe failed: reopen with a fresh cooldown.
		st.ProbeActive = false
		cooldownEnds := now.Add(b.config.Cooldown)
		st.CooldownEnds = &cooldownEnds
		b.transitionLocked(backend, st, StateOpen)
		b.persistLocked()

	case StateClosed:
		st.Failures = append(st.Failures, now)
		b.pruneLocked(st, now)
		if len(st.Failures) >= b.config.FailureThreshold {
			cooldownEnds := now.Add(b.config.Cooldown)
			st.CooldownEnds = &cooldownEnds
			b.transitionLocked(backend, st, StateOpen)
		}
		b.persistLocked()

	case StateOpen:
		st.Failures = append(st.Failures, now)
		b.pruneLocked(st, now)
		b.persistLocked()
	}

	throttle := b.throttle
	b.mu.Unlock()

	if kind == FailureRateLimit && throttle != nil {
		throttle.RecordThrottle(backend)
	}
}

// RecordSuccess records a successful execution, closing a half-open circuit
// and clearing failure history.
func (b *Breaker) RecordSuccess(backend task.Backend) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.backends[backend]
	if !ok {
		return
	}

	switch st.State {
	case StateHalfOpen:
		st.ProbeActive = false
		st.Failures = nil
		st.CooldownEnds = nil
		b.transitionLocked(backend, st, StateClosed)
		b.persistLocked()

	case StateClosed:
		if len(st.Failures) > 0 {
			st.Failures = nil
			b.persistLocked()
		}
	}
}

// Reset forces a backend's circuit to CLOSED. Used by operators and tests.
func (b *Breaker) Reset(backend task.Backend) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.backends[backend]
	if !ok {
		return
	}
	prior := st.State
	st.State = StateClosed
	st.Failures = nil
	st.CooldownEnds = nil
	st.ProbeActive = false
	b.persistLocked()

	if prior != StateClosed {
		b.emitLocked(Event{Type: "breaker-closed", Backend: backend, Detail: "manual reset"})
	}
}

// GetState returns the backend's current breaker state.
func (b *Breaker) GetState(backend task.Backend) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.backends[backend]
	if !ok {
		return StateClosed
	}
	return st.State
}

// AllOpen reports whether every backend's circuit currently denies requests.
// Used by the scheduler to park items as waiting during a global outage.
func (b *Breaker) AllOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for _, st := range b.backends {
		switch st.State {
		case StateClosed:
			return false
		case StateOpen:
			if st.CooldownEnds != nil && !now.Before(*st.CooldownEnds) {
				return false
			}
		case StateHalfOpen:
			if !st.ProbeActive {
				return false
			}
		}
	}
	return true
}

// Snapshot summarises one backend's breaker state.
type Snapshot struct {
	Backend      task.Backend `json:"backend"`
	State        State        `json:"state"`
	FailureCount int          `json:"failure_count"`
	CooldownEnds *time.Time   `json:"cooldown_ends,omitempty"`
}

// GetSnapshots returns per-backend breaker snapshots.
func (b *Breaker) GetSnapshots() []Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snaps := make([]Snapshot, 0, len(task.AllBackends))
	for _, backend := range task.AllBackends {
		st, ok := b.backends[backend]
		if !ok {
			continue
		}
		snaps = append(snaps, Snapshot{
			Backend:      backend,
			State:        st.State,
			FailureCount: len(st.Failures),
			CooldownEnds: st.CooldownEnds,
		})
	}
	return snaps
}

// pruneLocked drops failures older than the rolling window.
func (b *Breaker) pruneLocked(st *backendState, now time.Time) {
	cutoff := now.Add(-b.config.FailureWindow)
	pruned := st.Failures[:0]
	for _, ts := range st.Failures {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	st.Failures = pruned
}

func (b *Breaker) transitionLocked(backend task.Backend, st *backendState, to State) {
	from := st.State
	st.State = to

	eventType := ""
	switch to {
	case StateOpen:
		eventType = "breaker-open"
	case StateClosed:
		eventType = "breaker-closed"
	case StateHalfOpen:
		eventType = "breaker-half-open"
	}

	b.emitLocked(Event{
		Type:    eventType,
		Backend: backend,
		Detail:  fmt.Sprintf("%s -> %s", from, to),
	})

	b.log.Info("Breaker transition",
		slog.String("backend", string(backend)),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
}

func (b *Breaker) persistLocked() {
	if b.store == nil {
		return
	}
	if err := b.store.Save(state.FileBreaker, persistedState{Backends: b.backends}); err != nil {
		b.log.Error("Failed to persist breaker state", slog.String("error", err.Error()))
	}
}

func (b *Breaker) emitLocked(ev Event) {
	if b.onEvent != nil {
		cb := b.onEvent
		go cb(ev)
	}
}

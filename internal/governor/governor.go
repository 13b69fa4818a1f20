// Package governor enforces per-backend sliding-window request limits with
// adaptive tightening when a backend signals throttling.
package governor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meircohen/openclaw/internal/logging"
	"github.com/meircohen/openclaw/internal/state"
	"github.com/meircohen/openclaw/internal/task"
)

// Config holds rate governor settings.
type Config struct {
	// Limits maps backend ids to their default request limit per window.
	// A limit of 0 means the backend is unlimited.
	Limits map[task.Backend]int `yaml:"limits"`

	// Window is the sliding window length for request counting.
	Window time.Duration `yaml:"window"`

	// Cooldown is how long a backend stays denied after a throttle signal.
	Cooldown time.Duration `yaml:"cooldown"`

	// SoftLimitRatio is the fraction of the limit at which requests are
	// still allowed but asked to delay.
	SoftLimitRatio float64 `yaml:"soft_limit_ratio"`

	// SoftDelay is the suggested delay when the soft limit is reached.
	SoftDelay time.Duration `yaml:"soft_delay"`
}

// DefaultConfig returns default governor settings.
func DefaultConfig() *Config {
	return &Config{
		Limits: map[task.Backend]int{
			task.BackendClaudeCode: 30,
			task.BackendCodex:      60,
			task.BackendAPI:        0,
			task.BackendLocal:      0,
		},
		Window:         60 * time.Minute,
		Cooldown:       15 * time.Minute,
		SoftLimitRatio: 0.8,
		SoftDelay:      5 * time.Second,
	}
}

// RequestEvent records a single request observed for a backend.
type RequestEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
}

// ThrottleEvent records an adaptive tightening triggered by a throttle signal.
type ThrottleEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	PreCount      int       `json:"pre_count"`
	PriorLimit    int       `json:"prior_limit"`
	NewLimit      int       `json:"new_limit"`
	CooldownUntil time.Time `json:"cooldown_until"`
}

// backendState is the per-backend governor state.
type backendState struct {
	CurrentLimit   int             `json:"current_limit"`
	DefaultLimit   int             `json:"default_limit"`
	Requests       []RequestEvent  `json:"requests"`
	ThrottleEvents []ThrottleEvent `json:"throttle_events"`
	CooldownUntil  *time.Time      `json:"cooldown_until,omitempty"`
}

// persistedState is the JSON document written to rate-governor-state.json.
type persistedState struct {
	Backends map[task.Backend]*backendState `json:"backends"`
}

// Decision is the outcome of a CanUse check.
type Decision struct {
	Allowed          bool
	Delay            time.Duration
	SuggestedBackend task.Backend
	Reason           string
}

// Event describes an observable governor state change.
type Event struct {
	Type    string
	Backend task.Backend
	Detail  string
}

// EventCallback receives governor events for observability.
type EventCallback func(Event)

// Governor tracks request rates per backend and answers admission checks.
type Governor struct {
	mu       sync.Mutex
	config   *Config
	backends map[task.Backend]*backendState
	store    *state.Store
	onEvent  EventCallback
	now      func() time.Time
	log      *slog.Logger
}

// New creates a Governor, loading persisted state from the store if present.
func New(config *Config, store *state.Store) (*Governor, error) {
	if config == nil {
		config = DefaultConfig()
	}

	g := &Governor{
		config:   config,
		backends: make(map[task.Backend]*backendState),
		store:    store,
		now:      time.Now,
		log:      logging.WithComponent("governor"),
	}

	var persisted persistedState
	if store != nil {
		found, err := store.Load(state.FileRateGovernor, &persisted)
		if err != nil {
			return nil, err
		}
		if found && persisted.Backends != nil {
			g.backends = persisted.Backends
		}
	}

	for _, b := range task.AllBackends {
		if _, ok := g.backends[b]; !ok {
			limit := config.Limits[b]
			g.backends[b] = &backendState{
				CurrentLimit: limit,
				DefaultLimit: limit,
			}
		}
	}

	return g, nil
}

// OnEvent sets the observability callback.
func (g *Governor) OnEvent(cb EventCallback) {
	g.mu.Lock()
	g.onEvent = cb
	g.mu.Unlock()
}

// CanUse reports whether a request to the backend is currently admitted.
func (g *Governor) CanUse(b task.Backend) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.canUseLocked(b)
}

func (g *Governor) canUseLocked(b task.Backend) Decision {
	st, ok := g.backends[b]
	if !ok {
		return Decision{Allowed: false, Reason: fmt.Sprintf("unknown backend %q", b)}
	}

	// Unlimited backends always pass.
	if st.CurrentLimit <= 0 {
		return Decision{Allowed: true}
	}

	now := g.now()

	if st.CooldownUntil != nil {
		if now.Before(*st.CooldownUntil) {
			return Decision{
				Allowed:          false,
				SuggestedBackend: g.suggestLocked(b),
				Reason:           fmt.Sprintf("cooling down until %s", st.CooldownUntil.Format(time.Kitchen)),
			}
		}
		// Cooldown expired; clear on this check.
		st.CooldownUntil = nil
		g.persistLocked()
	}

	count := g.windowCountLocked(st, now)

	if count >= st.CurrentLimit {
		return Decision{
			Allowed:          false,
			SuggestedBackend: g.suggestLocked(b),
			Reason:           fmt.Sprintf("window full: %d/%d requests", count, st.CurrentLimit),
		}
	}

	if float64(count) >= g.config.SoftLimitRatio*float64(st.CurrentLimit) {
		return Decision{
			Allowed: true,
			Delay:   g.config.SoftDelay,
			Reason:  fmt.Sprintf("soft limit: %d/%d requests", count, st.CurrentLimit),
		}
	}

	return Decision{Allowed: true}
}

// suggestLocked walks the static backend chain after b, wrapping, and returns
// the first backend whose own check currently passes.
func (g *Governor) suggestLocked(denied task.Backend) task.Backend {
	start := 0
	for i, b := range task.AllBackends {
		if b == denied {
			start = i + 1
			break
		}
	}

	now := g.now()
	for i := 0; i < len(task.AllBackends); i++ {
		b := task.AllBackends[(start+i)%len(task.AllBackends)]
		if b == denied {
			continue
		}
		st, ok := g.backends[b]
		if !ok {
			continue
		}
		if st.CooldownUntil != nil && now.Before(*st.CooldownUntil) {
			continue
		}
		if st.CurrentLimit > 0 && g.windowCountLocked(st, now) >= st.CurrentLimit {
			continue
		}
		return b
	}
	return ""
}

// windowCountLocked prunes events outside the window and returns the count.
func (g *Governor) windowCountLocked(st *backendState, now time.Time) int {
	cutoff := now.Add(-g.config.Window)
	pruned := st.Requests[:0]
	for _, ev := range st.Requests {
		if ev.Timestamp.After(cutoff) {
			pruned = append(pruned, ev)
		}
	}
	st.Requests = pruned
	return len(st.Requests)
}

// RecordRequest appends a request event to the backend's window.
func (g *Governor) RecordRequest(b task.Backend, success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.backends[b]
	if !ok {
		return
	}
	st.Requests = append(st.Requests, RequestEvent{Timestamp: g.now(), Success: success})
	g.persistLocked()
}

// RecordThrottle reacts to a throttle signal from the backend: the limit is
// tightened to 80% of the observed window count and a cooldown begins.
func (g *Governor) RecordThrottle(b task.Backend) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.backends[b]
	if !ok {
		return
	}

	now := g.now()
	preCount := g.windowCountLocked(st, now)

	newLimit := preCount * 8 / 10
	if newLimit < 1 {
		newLimit = 1
	}

	cooldownUntil := now.Add(g.config.Cooldown)
	priorLimit := st.CurrentLimit
	st.ThrottleEvents = append(st.ThrottleEvents, ThrottleEvent{
		Timestamp:     now,
		PreCount:      preCount,
		PriorLimit:    st.CurrentLimit,
		NewLimit:      newLimit,
		CooldownUntil: cooldownUntil,
	})
	st.CurrentLimit = newLimit
	st.CooldownUntil = &cooldownUntil

	g.persistLocked()
	g.emitLocked(Event{
		Type:    "throttle",
		Backend: b,
		Detail:  fmt.Sprintf("limit %d -> %d, cooldown until %s", priorLimit, newLimit, cooldownUntil.Format(time.Kitchen)),
	})

	g.log.Warn("Backend throttled, limit tightened",
		slog.String("backend", string(b)),
		slog.Int("pre_count", preCount),
		slog.Int("new_limit", newLimit),
		slog.Time("cooldown_until", cooldownUntil),
	)
}

// ResetBackend restores a backend's limit to its default (or the given limit)
// and clears any cooldown.
func (g *Governor) ResetBackend(b task.Backend, limit *int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.backends[b]
	if !ok {
		return
	}

	if limit != nil {
		st.CurrentLimit = *limit
	} else {
		st.CurrentLimit = st.DefaultLimit
	}
	st.CooldownUntil = nil

	g.persistLocked()
	g.emitLocked(Event{Type: "reset", Backend: b, Detail: fmt.Sprintf("limit set to %d", st.CurrentLimit)})
}

// AdjustLimit sets a backend's current limit without touching its cooldown.
func (g *Governor) AdjustLimit(b task.Backend, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.backends[b]
	if !ok {
		return
	}
	st.CurrentLimit = n

	g.persistLocked()
	g.emitLocked(Event{Type: "adjust", Backend: b, Detail: fmt.Sprintf("limit set to %d", n)})
}

// Status summarises one backend's governor state.
type Status struct {
	Backend       task.Backend `json:"backend"`
	CurrentLimit  int          `json:"current_limit"`
	WindowCount   int          `json:"window_count"`
	CoolingDown   bool         `json:"cooling_down"`
	CooldownUntil *time.Time   `json:"cooldown_until,omitempty"`
	ThrottleCount int          `json:"throttle_count"`
}

// GetStatus returns per-backend status snapshots.
func (g *Governor) GetStatus() []Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	statuses := make([]Status, 0, len(task.AllBackends))
	for _, b := range task.AllBackends {
		st, ok := g.backends[b]
		if !ok {
			continue
		}
		cooling := st.CooldownUntil != nil && now.Before(*st.CooldownUntil)
		statuses = append(statuses, Status{
			Backend:       b,
			CurrentLimit:  st.CurrentLimit,
			WindowCount:   g.windowCountLocked(st, now),
			CoolingDown:   cooling,
			CooldownUntil: st.CooldownUntil,
			ThrottleCount: len(st.ThrottleEvents),
		})
	}
	return statuses
}

func (g *Governor) persistLocked() {
	if g.store == nil {
		return
	}
	if err := g.store.Save(state.FileRateGovernor, persistedState{Backends: g.backends}); err != nil {
		g.log.Error("Failed to persist governor state", slog.String("error", err.Error()))
	}
}

func (g *Governor) emitLocked(ev Event) {
	if g.onEvent != nil {
		cb := g.onEvent
		go cb(ev)
	}
}

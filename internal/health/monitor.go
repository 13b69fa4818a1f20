// Package health runs periodic liveness probes against execution backends
// and derives a warmth status the router uses as a selection tiebreaker.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/meircohen/openclaw/internal/breaker"
	"github.com/meircohen/openclaw/internal/logging"
	"github.com/meircohen/openclaw/internal/state"
	"github.com/meircohen/openclaw/internal/task"
)

// Status is the derived warmth of a backend.
type Status string

const (
	// StatusWarm means a successful probe within 5 minutes and no failures.
	StatusWarm Status = "warm"

	// StatusHealthy means a successful probe within 15 minutes.
	StatusHealthy Status = "healthy"

	// StatusCold means no recent success but no recorded failure either.
	StatusCold Status = "cold"

	// StatusDead means at least one consecutive probe failure.
	StatusDead Status = "dead"
)

// Score maps a status to the router's tiebreaker score.
func (s Status) Score() int {
	switch s {
	case StatusWarm:
		return 100
	case StatusHealthy:
		return 75
	case StatusCold:
		return 25
	default:
		return 0
	}
}

// ProbeFunc performs a backend-specific lightweight liveness check and
// returns the backend version string when available.
type ProbeFunc func(ctx context.Context) (version string, err error)

// Config holds health monitor settings.
type Config struct {
	// Interval is how often probes run.
	Interval time.Duration `yaml:"interval"`

	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// DefaultConfig returns default health monitor settings.
func DefaultConfig() *Config {
	return &Config{
		Interval:     15 * time.Minute,
		ProbeTimeout: 30 * time.Second,
	}
}

// backendHealth is the per-backend probe record.
type backendHealth struct {
	LastPing            time.Time `json:"last_ping"`
	LastSuccess         time.Time `json:"last_success"`
	LastError           string    `json:"last_error,omitempty"`
	Version             string    `json:"version,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

type persistedState struct {
	Backends map[task.Backend]*backendHealth `json:"backends"`
}

// Monitor runs the probe timer and answers status queries.
type Monitor struct {
	mu       sync.Mutex
	config   *Config
	probes   map[task.Backend]ProbeFunc
	backends map[task.Backend]*backendHealth
	breaker  *breaker.Breaker
	store    *state.Store
	now      func() time.Time
	log      *slog.Logger

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMonitor creates a Monitor. The breaker is optional; when set, probe
// failures are forwarded probe-flagged so they never consume the failure
// quota.
func NewMonitor(config *Config, probes map[task.Backend]ProbeFunc, brk *breaker.Breaker, store *state.Store) (*Monitor, error) {
	if config == nil {
		config = DefaultConfig()
	}

	m := &Monitor{
		config:   config,
		probes:   probes,
		backends: make(map[task.Backend]*backendHealth),
		breaker:  brk,
		store:    store,
		now:      time.Now,
		log:      logging.WithComponent("health"),
	}

	var persisted persistedState
	if store != nil {
		found, err := store.Load(state.FileHealth, &persisted)
		if err != nil {
			return nil, err
		}
		if found && persisted.Backends != nil {
			m.backends = persisted.Backends
		}
	}

	for b := range probes {
		if _, ok := m.backends[b]; !ok {
			m.backends[b] = &backendHealth{}
		}
	}

	return m, nil
}

// Start begins the probe loop. Probes run once immediately, then on the
// configured interval.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	m.log.Info("Health monitor started", slog.Duration("interval", m.config.Interval))

	go m.run(ctx)
}

// Stop halts the probe loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	<-m.doneCh
	m.log.Info("Health monitor stopped")
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	m.ProbeAll(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.ProbeAll(ctx)
		}
	}
}

// ProbeAll runs every registered probe once.
func (m *Monitor) ProbeAll(ctx context.Context) {
	for b, probe := range m.probes {
		m.probeOne(ctx, b, probe)
	}
	m.mu.Lock()
	m.persistLocked()
	m.mu.Unlock()
}

func (m *Monitor) probeOne(ctx context.Context, b task.Backend, probe ProbeFunc) {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	version, err := probe(probeCtx)
	now := m.now()

	m.mu.Lock()
	st, ok := m.backends[b]
	if !ok {
		st = &backendHealth{}
		m.backends[b] = st
	}
	st.LastPing = now
	if err != nil {
		st.LastError = err.Error()
		st.ConsecutiveFailures++
	} else {
		st.LastSuccess = now
		st.LastError = ""
		st.ConsecutiveFailures = 0
		if version != "" {
			st.Version = version
		}
	}
	m.mu.Unlock()

	if err != nil {
		m.log.Warn("Probe failed",
			slog.String("backend", string(b)),
			slog.String("error", err.Error()),
		)
		if m.breaker != nil {
			m.breaker.RecordFailure(b, breaker.FailureProbe)
		}
	}
}

// GetStatus derives the warmth status of one backend.
func (m *Monitor) GetStatus(b task.Backend) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked(b)
}

func (m *Monitor) statusLocked(b task.Backend) Status {
	st, ok := m.backends[b]
	if !ok {
		return StatusCold
	}

	if st.ConsecutiveFailures >= 1 {
		return StatusDead
	}

	now := m.now()
	if !st.LastSuccess.IsZero() {
		age := now.Sub(st.LastSuccess)
		if age <= 5*time.Minute {
			return StatusWarm
		}
		if age <= 15*time.Minute {
			return StatusHealthy
		}
	}
	return StatusCold
}

// Score returns the tiebreaker score of one backend.
func (m *Monitor) Score(b task.Backend) int {
	return m.GetStatus(b).Score()
}

// Report is one backend's health summary.
type Report struct {
	Backend             task.Backend `json:"backend"`
	Status              Status       `json:"status"`
	LastPing            time.Time    `json:"last_ping"`
	LastSuccess         time.Time    `json:"last_success"`
	LastError           string       `json:"last_error,omitempty"`
	Version             string       `json:"version,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
}

// GetReports returns health summaries for every tracked backend.
func (m *Monitor) GetReports() []Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	reports := make([]Report, 0, len(task.AllBackends))
	for _, b := range task.AllBackends {
		st, ok := m.backends[b]
		if !ok {
			continue
		}
		reports = append(reports, Report{
			Backend:             b,
			Status:              m.statusLocked(b),
			LastPing:            st.LastPing,
			LastSuccess:         st.LastSuccess,
			LastError:           st.LastError,
			Version:             st.Version,
			ConsecutiveFailures: st.ConsecutiveFailures,
		})
	}
	return reports
}

func (m *Monitor) persistLocked() {
	if m.store == nil {
		return
	}
	if err := m.store.Save(state.FileHealth, persistedState{Backends: m.backends}); err != nil {
		m.log.Error("Failed to persist health state", slog.String("error", err.Error()))
	}
}

package router

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/meircohen/openclaw/internal/dedup"
	"github.com/meircohen/openclaw/internal/ledger"
	"github.com/meircohen/openclaw/internal/logging"
	"github.com/meircohen/openclaw/internal/shadow"
)

// Maintenance runs the periodic housekeeping pass: ledger rolling resets,
// dedup eviction, savings pruning, and shadow-row retention.
type Maintenance struct {
	ledger  *ledger.Ledger
	dedup   *dedup.Dedup
	shadows *shadow.Store
	// retention bounds shadow rows; zero disables pruning.
	retention time.Duration

	cron *cron.Cron
	log  *slog.Logger
}

// NewMaintenance creates the housekeeping job. Any collaborator may be nil.
func NewMaintenance(l *ledger.Ledger, d *dedup.Dedup, s *shadow.Store, retention time.Duration) *Maintenance {
	return &Maintenance{
		ledger:    l,
		dedup:     d,
		shadows:   s,
		retention: retention,
		cron:      cron.New(),
		log:       logging.WithComponent("maintenance"),
	}
}

// Start schedules the hourly pass and runs one immediately.
func (m *Maintenance) Start() error {
	m.RunOnce()
	if _, err := m.cron.AddFunc("@hourly", m.RunOnce); err != nil {
		return err
	}
	m.cron.Start()
	return nil
}

// Stop halts the schedule.
func (m *Maintenance) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

// RunOnce performs one housekeeping pass.
func (m *Maintenance) RunOnce() {
	if m.ledger != nil {
		m.ledger.CheckResets()
		m.ledger.PruneSavings()
	}
	if m.dedup != nil {
		m.dedup.Evict()
	}
	if m.shadows != nil && m.retention > 0 {
		if err := m.shadows.PruneResults(m.retention); err != nil {
			m.log.Error("Shadow prune failed", slog.String("error", err.Error()))
		}
	}
	m.log.Debug("Maintenance pass complete")
}

package router

import (
	"log/slog"
	"sync"

	"github.com/meircohen/openclaw/internal/logging"
	"github.com/meircohen/openclaw/internal/planner"
	"github.com/meircohen/openclaw/internal/state"
)

// PendingPlans persists plans awaiting approval, keyed by plan id.
type PendingPlans struct {
	mu    sync.Mutex
	plans map[string]*planner.Plan
	store *state.Store
	log   *slog.Logger
}

// NewPendingPlans creates the store, loading persisted pending plans.
func NewPendingPlans(store *state.Store) (*PendingPlans, error) {
	p := &PendingPlans{
		plans: make(map[string]*planner.Plan),
		store: store,
		log:   logging.WithComponent("router.pending"),
	}

	if store != nil {
		var persisted map[string]*planner.Plan
		found, err := store.Load(state.FilePendingPlans, &persisted)
		if err != nil {
			return nil, err
		}
		if found && persisted != nil {
			p.plans = persisted
		}
	}
	return p, nil
}

// Add persists a plan awaiting approval.
func (p *PendingPlans) Add(plan *planner.Plan) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plans[plan.ID] = plan
	return p.persistLocked()
}

// Take removes and returns a pending plan, or nil when absent.
func (p *PendingPlans) Take(planID string) (*planner.Plan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	plan, ok := p.plans[planID]
	if !ok {
		return nil, nil
	}
	delete(p.plans, planID)
	if err := p.persistLocked(); err != nil {
		return nil, err
	}
	return plan, nil
}

// List returns the pending plans.
func (p *PendingPlans) List() []*planner.Plan {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*planner.Plan, 0, len(p.plans))
	for _, plan := range p.plans {
		out = append(out, plan)
	}
	return out
}

func (p *PendingPlans) persistLocked() error {
	if p.store == nil {
		return nil
	}
	if err := p.store.Save(state.FilePendingPlans, p.plans); err != nil {
		p.log.Error("Failed to persist pending plans", slog.String("error", err.Error()))
		return err
	}
	return nil
}

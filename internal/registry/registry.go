// Package registry holds the static catalogue of paid-API models and picks
// the cheapest qualified model for a task.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/meircohen/openclaw/internal/logging"
	"github.com/meircohen/openclaw/internal/state"
	"github.com/meircohen/openclaw/internal/task"
)

// Tier classifies a model's capability class.
type Tier string

const (
	TierPremium  Tier = "premium"
	TierStandard Tier = "standard"
	TierFast     Tier = "fast"
	TierBudget   Tier = "budget"
)

// Provider is one route to a model.
type Provider struct {
	Prefix   string `json:"prefix"`
	Healthy  bool   `json:"healthy"`
	Priority int    `json:"priority"`
}

// Model is one catalogue entry.
type Model struct {
	Name         string     `json:"name"`
	Providers    []Provider `json:"providers"`
	Tier         Tier       `json:"tier"`
	CostPer1KIn  float64    `json:"cost_per_1k_in"`
	CostPer1KOut float64    `json:"cost_per_1k_out"`
	MaxContext   int        `json:"max_context"`
	Strengths    []string   `json:"strengths"`
}

// longContextThreshold forces the long-context model above this size.
const longContextThreshold = 200_000

// TrustProvider reports shadow-bench trust for a model on a task type.
// Wired from the shadow subsystem in main; nil means no trust data.
type TrustProvider interface {
	IsTrusted(model string, taskType task.Type) (trusted bool, samples int)
}

// trustedMinSamples is the sample floor before trust restricts selection.
const trustedMinSamples = 20

// taskStrengths maps task types to the strength tags that qualify a model.
var taskStrengths = map[task.Type][]string{
	task.TypeCode:     {"code", "reasoning"},
	task.TypeReview:   {"code", "analysis"},
	task.TypeAnalysis: {"analysis", "reasoning"},
	task.TypeResearch: {"research", "analysis"},
	task.TypeWriting:  {"writing"},
	task.TypeFileOps:  {"code", "speed"},
	task.TypeDocs:     {"writing", "code"},
	task.TypeTesting:  {"code"},
	task.TypeOther:    {"reasoning", "writing", "code"},
}

// defaultCatalogue is the built-in model table.
func defaultCatalogue() []Model {
	return []Model{
		{
			Name:         "opus",
			Providers:    []Provider{{Prefix: "anthropic", Healthy: true, Priority: 1}},
			Tier:         TierPremium,
			CostPer1KIn:  0.015,
			CostPer1KOut: 0.075,
			MaxContext:   200_000,
			Strengths:    []string{"reasoning", "code", "analysis", "writing"},
		},
		{
			Name:         "sonnet",
			Providers:    []Provider{{Prefix: "anthropic", Healthy: true, Priority: 1}, {Prefix: "bedrock", Healthy: true, Priority: 2}},
			Tier:         TierStandard,
			CostPer1KIn:  0.003,
			CostPer1KOut: 0.015,
			MaxContext:   200_000,
			Strengths:    []string{"code", "analysis", "writing", "research"},
		},
		{
			Name:         "sonnet-long",
			Providers:    []Provider{{Prefix: "anthropic", Healthy: true, Priority: 1}},
			Tier:         TierStandard,
			CostPer1KIn:  0.006,
			CostPer1KOut: 0.0225,
			MaxContext:   1_000_000,
			Strengths:    []string{"code", "analysis", "research"},
		},
		{
			Name:         "haiku",
			Providers:    []Provider{{Prefix: "anthropic", Healthy: true, Priority: 1}, {Prefix: "bedrock", Healthy: true, Priority: 2}},
			Tier:         TierFast,
			CostPer1KIn:  0.0008,
			CostPer1KOut: 0.004,
			MaxContext:   200_000,
			Strengths:    []string{"code", "speed", "writing"},
		},
		{
			Name:         "haiku-lite",
			Providers:    []Provider{{Prefix: "bedrock", Healthy: true, Priority: 1}},
			Tier:         TierBudget,
			CostPer1KIn:  0.00025,
			CostPer1KOut: 0.00125,
			MaxContext:   100_000,
			Strengths:    []string{"speed", "writing"},
		},
	}
}

// longContextModel names the model forced for oversized contexts.
const longContextModel = "sonnet-long"

type persistedState struct {
	ProviderHealth map[string]bool `json:"provider_health"`
}

// Registry answers model selection queries.
type Registry struct {
	mu     sync.Mutex
	models []Model
	trust  TrustProvider
	store  *state.Store
	log    *slog.Logger
}

// New creates a Registry with the built-in catalogue, applying persisted
// provider health overrides if present.
func New(store *state.Store) (*Registry, error) {
	r := &Registry{
		models: defaultCatalogue(),
		store:  store,
		log:    logging.WithComponent("registry"),
	}

	var persisted persistedState
	if store != nil {
		found, err := store.Load(state.FileModelRegistry, &persisted)
		if err != nil {
			return nil, err
		}
		if found && persisted.ProviderHealth != nil {
			for i := range r.models {
				for j := range r.models[i].Providers {
					key := r.models[i].Name + "/" + r.models[i].Providers[j].Prefix
					if healthy, ok := persisted.ProviderHealth[key]; ok {
						r.models[i].Providers[j].Healthy = healthy
					}
				}
			}
		}
	}

	return r, nil
}

// SetTrustProvider wires shadow-bench trust data into selection.
func (r *Registry) SetTrustProvider(tp TrustProvider) {
	r.mu.Lock()
	r.trust = tp
	r.mu.Unlock()
}

// SetProviderHealth flips a provider's health flag and persists the override.
func (r *Registry) SetProviderHealth(model, prefix string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.models {
		if r.models[i].Name != model {
			continue
		}
		for j := range r.models[i].Providers {
			if r.models[i].Providers[j].Prefix == prefix {
				r.models[i].Providers[j].Healthy = healthy
			}
		}
	}
	r.persistLocked()
}

// Selection is a provider-qualified model choice.
type Selection struct {
	Model        Model
	Provider     Provider
	EstimatedUSD float64
}

// ID returns the provider-qualified model id, e.g. "anthropic/sonnet".
func (s Selection) ID() string {
	return s.Provider.Prefix + "/" + s.Model.Name
}

// tierForComplexity maps task complexity to the required tier.
func tierForComplexity(complexity int) Tier {
	switch {
	case complexity >= 8:
		return TierPremium
	case complexity >= 4:
		return TierStandard
	default:
		return TierFast
	}
}

// estimateCost prices tokens at a 70/30 input/output split.
func estimateCost(m Model, tokens int64) float64 {
	in := 0.7 * float64(tokens)
	out := 0.3 * float64(tokens)
	return in/1000*m.CostPer1KIn + out/1000*m.CostPer1KOut
}

// SelectModel returns the best provider-qualified model for a task.
func (r *Registry) SelectModel(taskType task.Type, complexity int, contextSize int64) (Selection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Oversized contexts go straight to the long-context model.
	if contextSize > longContextThreshold {
		for _, m := range r.models {
			if m.Name != longContextModel {
				continue
			}
			if p, ok := healthiestProvider(m); ok {
				return Selection{Model: m, Provider: p, EstimatedUSD: estimateCost(m, contextSize)}, nil
			}
		}
		return Selection{}, fmt.Errorf("long-context model %q has no healthy provider", longContextModel)
	}

	wantTier := tierForComplexity(complexity)
	strengths := taskStrengths[taskType]
	if strengths == nil {
		strengths = taskStrengths[task.TypeOther]
	}

	type candidate struct {
		model    Model
		provider Provider
		cost     float64
	}
	var candidates []candidate

	for _, m := range r.models {
		if !tierQualifies(m.Tier, wantTier) {
			continue
		}
		if !strengthsIntersect(m.Strengths, strengths) {
			continue
		}
		p, ok := healthiestProvider(m)
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{
			model:    m,
			provider: p,
			cost:     estimateCost(m, contextSize),
		})
	}

	if len(candidates) == 0 {
		return Selection{}, fmt.Errorf("no model qualifies for type=%s complexity=%d", taskType, complexity)
	}

	// Restrict to trusted candidates when trust data is conclusive.
	if r.trust != nil {
		var trusted []candidate
		for _, c := range candidates {
			ok, samples := r.trust.IsTrusted(c.model.Name, taskType)
			if ok && samples >= trustedMinSamples {
				trusted = append(trusted, c)
			}
		}
		if len(trusted) > 0 {
			candidates = trusted
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].cost != candidates[j].cost {
			return candidates[i].cost < candidates[j].cost
		}
		return candidates[i].provider.Priority < candidates[j].provider.Priority
	})

	best := candidates[0]
	return Selection{Model: best.model, Provider: best.provider, EstimatedUSD: best.cost}, nil
}

// Models returns a copy of the catalogue.
func (r *Registry) Models() []Model {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Model, len(r.models))
	copy(out, r.models)
	return out
}

// tierQualifies reports whether a model tier satisfies the wanted tier.
// Fast selections may also take budget models.
func tierQualifies(have, want Tier) bool {
	if have == want {
		return true
	}
	return want == TierFast && have == TierBudget
}

func strengthsIntersect(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// healthiestProvider returns the highest-priority healthy provider.
func healthiestProvider(m Model) (Provider, bool) {
	best := Provider{}
	found := false
	for _, p := range m.Providers {
		if !p.Healthy {
			continue
		}
		if !found || p.Priority < best.Priority {
			best = p
			found = true
		}
	}
	return best, found
}

func (r *Registry) persistLocked() {
	if r.store == nil {
		return
	}
	health := make(map[string]bool)
	for _, m := range r.models {
		for _, p := range m.Providers {
			health[m.Name+"/"+p.Prefix] = p.Healthy
		}
	}
	if err := r.store.Save(state.FileModelRegistry, persistedState{ProviderHealth: health}); err != nil {
		r.log.Error("Failed to persist registry state", slog.String("error", err.Error()))
	}
}

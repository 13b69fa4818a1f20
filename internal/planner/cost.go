package planner

import (
	"math"

	"github.com/meircohen/openclaw/internal/task"
)

// estimateTokens applies the token cost model:
// max(500, ceil(len/4 * 1.3) + 2000 per file).
func estimateTokens(descLen, files int) int64 {
	tokens := int64(math.Ceil(float64(descLen)/4*1.3)) + 2000*int64(files)
	if tokens < 500 {
		return 500
	}
	return tokens
}

// apiCost prices tokens at a 70/30 input/output split.
func apiCost(tokens int64, pricePer1KIn, pricePer1KOut float64) float64 {
	in := 0.7 * float64(tokens)
	out := 0.3 * float64(tokens)
	return in/1000*pricePer1KIn + out/1000*pricePer1KOut
}

// baseMinutes is the per-type wall-clock baseline.
var baseMinutes = map[StepType]float64{
	StepFileOps:       2,
	StepResearch:      10,
	StepPreprocessing: 5,
	StepMultiFileCode: 30,
	StepQuickCode:     10,
	StepAnalysis:      15,
	StepTesting:       10,
	StepTransform:     5,
	StepDocs:          8,
	StepSynthesis:     10,
}

// estimateMinutes scales the per-type baseline by complexity.
func estimateMinutes(stepType StepType, complexity int) float64 {
	base, ok := baseMinutes[stepType]
	if !ok {
		base = 10
	}
	return base * (1 + float64(complexity)/10)
}

// criticalPathMinutes computes the longest dependency path through the
// steps by memoised depth-first traversal. Steps form a DAG by
// construction: every dependency refers to an earlier index.
func criticalPathMinutes(steps []*Step) float64 {
	byID := make(map[string]*Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}

	memo := make(map[string]float64, len(steps))

	var finish func(s *Step) float64
	finish = func(s *Step) float64 {
		if v, ok := memo[s.ID]; ok {
			return v
		}
		start := 0.0
		for _, dep := range s.Dependencies {
			d, ok := byID[dep]
			if !ok {
				continue
			}
			if f := finish(d); f > start {
				start = f
			}
		}
		v := start + s.EstimatedMinutes
		memo[s.ID] = v
		return v
	}

	longest := 0.0
	for _, s := range steps {
		if f := finish(s); f > longest {
			longest = f
		}
	}
	return longest
}

// EstimateBreakdown is the per-backend cost summary for a plan.
type EstimateBreakdown struct {
	TotalAPICostUSD float64                  `json:"total_api_cost_usd"`
	TotalTokens     int64                    `json:"total_tokens"`
	TotalMinutes    float64                  `json:"total_minutes"`
	ByBackend       map[task.Backend]float64 `json:"by_backend"`
}

// EstimateCost summarises a plan's cost by backend.
func (p *Planner) EstimateCost(plan *Plan) EstimateBreakdown {
	breakdown := EstimateBreakdown{
		ByBackend:    make(map[task.Backend]float64),
		TotalMinutes: plan.TotalMinutes,
	}
	for _, s := range plan.Steps {
		breakdown.TotalTokens += s.EstimatedTokens
		breakdown.ByBackend[s.Backend] += s.EstimatedCostUSD
		breakdown.TotalAPICostUSD += s.EstimatedCostUSD
	}
	return breakdown
}

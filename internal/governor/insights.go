package governor

import (
	"time"

	"github.com/meircohen/openclaw/internal/task"
)

// Insight aggregates throttle history for one backend. Insights are surfaced
// for observability only; admission checks never consult them.
type Insight struct {
	Backend task.Backend `json:"backend"`

	// MeanThrottleInterval is the average time between throttle events.
	// Zero when fewer than two events were recorded.
	MeanThrottleInterval time.Duration `json:"mean_throttle_interval"`

	// Effectiveness is the recent success rate minus a penalty of 20 points
	// per recent throttle event. Range is unbounded below, 100 above.
	Effectiveness float64 `json:"effectiveness"`

	RecentThrottles int `json:"recent_throttles"`
	RecentRequests  int `json:"recent_requests"`
}

// Insights is the full learning report across backends.
type Insights struct {
	Backends        []Insight    `json:"backends"`
	MostProblematic task.Backend `json:"most_problematic,omitempty"`
}

// GetInsights computes the learning report from recorded history.
func (g *Governor) GetInsights() Insights {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cutoff := now.Add(-g.config.Window)

	var report Insights
	maxThrottles := 0

	for _, b := range task.AllBackends {
		st, ok := g.backends[b]
		if !ok {
			continue
		}

		ins := Insight{Backend: b}

		if len(st.ThrottleEvents) >= 2 {
			first := st.ThrottleEvents[0].Timestamp
			last := st.ThrottleEvents[len(st.ThrottleEvents)-1].Timestamp
			ins.MeanThrottleInterval = last.Sub(first) / time.Duration(len(st.ThrottleEvents)-1)
		}

		for _, ev := range st.ThrottleEvents {
			if ev.Timestamp.After(cutoff) {
				ins.RecentThrottles++
			}
		}

		successes := 0
		for _, ev := range st.Requests {
			if !ev.Timestamp.After(cutoff) {
				continue
			}
			ins.RecentRequests++
			if ev.Success {
				successes++
			}
		}
		if ins.RecentRequests > 0 {
			ins.Effectiveness = float64(successes)/float64(ins.RecentRequests)*100 - 20*float64(ins.RecentThrottles)
		}

		if ins.RecentThrottles > maxThrottles {
			maxThrottles = ins.RecentThrottles
			report.MostProblematic = b
		}

		report.Backends = append(report.Backends, ins)
	}

	return report
}

package shadow

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/meircohen/openclaw/internal/task"
)

// Band is the difficulty band of a comparison.
type Band string

const (
	BandEasy   Band = "easy"
	BandMedium Band = "medium"
	BandHard   Band = "hard"
	BandAll    Band = "all"
)

// BandForTask derives the difficulty band from explicit complexity, falling
// back to description length bands.
func BandForTask(t *task.Task) Band {
	if t.Complexity >= 1 {
		switch {
		case t.Complexity <= 3:
			return BandEasy
		case t.Complexity <= 6:
			return BandMedium
		default:
			return BandHard
		}
	}
	switch {
	case len(t.Description) < 150:
		return BandEasy
	case len(t.Description) < 500:
		return BandMedium
	default:
		return BandHard
	}
}

// TrustScore is the learned quality estimate for a model on a task type.
type TrustScore struct {
	Model       string         `json:"model"`
	TaskType    task.Type      `json:"task_type"`
	Band        Band           `json:"difficulty_band"`
	Score       float64        `json:"score"`
	Samples     int            `json:"samples"`
	Trend       string         `json:"trend"`
	Backends    []task.Backend `json:"backends"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Promotion is a model promotion or demotion event.
type Promotion struct {
	ID                      string    `json:"id"`
	Model                   string    `json:"model"`
	TaskType                task.Type `json:"task_type"`
	Band                    Band      `json:"difficulty_band"`
	TrustScore              float64   `json:"trust_score"`
	ProjectedMonthlySavings float64   `json:"projected_monthly_savings"`
	Status                  string    `json:"status"`
	PromotedAt              time.Time `json:"promoted_at"`
}

// Trust thresholds feeding promotion and demotion events.
const (
	// userScoreWeight outweighs autoScoreWeight in the trust mean.
	userScoreWeight = 3.0
	autoScoreWeight = 1.0

	promisingThreshold = 0.70
	trustedThreshold   = 0.85

	minSamples        = 10
	trustedMinSamples = 20

	demotionThreshold = 0.40
)

// computeTrust folds scored rows for one band (or all) into a trust score.
// User scores carry triple weight.
func computeTrust(model string, taskType task.Type, band Band, rows []scoredRow) *TrustScore {
	var weightedSum, weightTotal float64
	samples := 0
	backendSet := make(map[task.Backend]struct{})

	for _, r := range rows {
		if band != BandAll && r.band != band {
			continue
		}
		samples++
		backendSet[r.backend] = struct{}{}

		weightedSum += autoScoreWeight * r.autoScore
		weightTotal += autoScoreWeight
		if r.userScore != nil {
			weightedSum += userScoreWeight * *r.userScore
			weightTotal += userScoreWeight
		}
	}

	if samples == 0 {
		return nil
	}

	score := weightedSum / weightTotal
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	backends := make([]task.Backend, 0, len(backendSet))
	for b := range backendSet {
		backends = append(backends, b)
	}

	return &TrustScore{
		Model:       model,
		TaskType:    taskType,
		Band:        band,
		Score:       math.Round(score*1000) / 1000,
		Samples:     samples,
		Backends:    backends,
		LastUpdated: time.Now(),
	}
}

// trendTag compares a new score against the prior one.
func trendTag(prior *TrustScore, score float64) string {
	if prior == nil {
		return "new"
	}
	switch {
	case score > prior.Score+0.02:
		return "rising"
	case score < prior.Score-0.02:
		return "falling"
	default:
		return "stable"
	}
}

// UpdateTrust recomputes trust for a model and task type from stored rows,
// persists the all-band score (tagged with the given band), and returns any
// promotion event the thresholds produce. The band-specific score is
// computed but not stored.
func (s *Store) UpdateTrust(model string, taskType task.Type, band Band) (*Promotion, error) {
	rows, err := s.loadScores(model, taskType)
	if err != nil {
		return nil, err
	}

	prior, err := s.GetTrustScore(model, taskType)
	if err != nil {
		return nil, err
	}

	// The matching band score is informational; the all-band score is the
	// primary key's stored row.
	if bandScore := computeTrust(model, taskType, band, rows); bandScore != nil {
		bandScore.Trend = trendTag(prior, bandScore.Score)
	}

	allScore := computeTrust(model, taskType, BandAll, rows)
	if allScore == nil {
		return nil, nil
	}
	allScore.Trend = trendTag(prior, allScore.Score)
	allScore.Band = band

	if err := s.SaveTrustScore(allScore); err != nil {
		return nil, err
	}

	return s.evaluatePromotion(prior, allScore)
}

// evaluatePromotion emits promotion or demotion events when thresholds are
// crossed.
func (s *Store) evaluatePromotion(prior, current *TrustScore) (*Promotion, error) {
	var status string
	switch {
	case current.Score >= trustedThreshold && current.Samples >= trustedMinSamples:
		if prior == nil || prior.Score < trustedThreshold || prior.Samples < trustedMinSamples {
			status = "trusted"
		}
	case current.Score >= promisingThreshold && current.Samples >= minSamples:
		if prior == nil || prior.Score < promisingThreshold || prior.Samples < minSamples {
			status = "promising"
		}
	case current.Score < demotionThreshold && current.Samples >= minSamples:
		if prior != nil && prior.Score >= demotionThreshold {
			status = "demoted"
		}
	}

	if status == "" {
		return nil, nil
	}

	p := &Promotion{
		ID:         "promo-" + uuid.NewString()[:8],
		Model:      current.Model,
		TaskType:   current.TaskType,
		Band:       current.Band,
		TrustScore: current.Score,
		Status:     status,
		PromotedAt: time.Now(),
	}
	if err := s.SavePromotion(p); err != nil {
		return nil, err
	}
	return p, nil
}

// IsTrusted implements the registry's trust hook: a model is trusted for a
// task type when its stored score clears the trusted threshold.
func (s *Store) IsTrusted(model string, taskType task.Type) (bool, int) {
	ts, err := s.GetTrustScore(trimModelPrefix(model), taskType)
	if err != nil || ts == nil {
		return false, 0
	}
	return ts.Score >= trustedThreshold, ts.Samples
}

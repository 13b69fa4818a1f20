package planner

import (
	"regexp"
	"strings"

	"github.com/meircohen/openclaw/internal/task"
)

// Recommendation tells the router what to do with a task before planning.
type Recommendation string

const (
	// RecommendSelf means the router can answer directly without a backend.
	RecommendSelf Recommendation = "self"

	// RecommendOffer means the router should offer to route.
	RecommendOffer Recommendation = "offer"

	// RecommendRoute means the task must be routed to a backend.
	RecommendRoute Recommendation = "route"
)

// Confidence is the self-handle assessment for a task.
type Confidence struct {
	Score          int            `json:"score"`
	Recommendation Recommendation `json:"recommendation"`
	Reason         string         `json:"reason"`
}

// selfLexemes mark questions the router can answer without a backend:
// calendar, memory, and simple arithmetic lookups.
var selfLexemes = []string{
	"what time", "what day", "what date", "calendar", "schedule for",
	"remind", "remember", "what did i", "how much is", "calculate",
	"plus", "minus", "times", "divided",
}

// routeLexemes mark work that clearly needs a backend.
var routeLexemes = []string{
	"implement", "refactor", "write code", "fix", "build", "create",
	"generate", "debug", "deploy", "migrate",
}

var questionFormRegex = regexp.MustCompile(`\?\s*$`)

// AssessConfidence scores whether the router can self-handle a task.
// Bands: score > 95 self-handle, 50-95 offer to route, below 50 route.
func (p *Planner) AssessConfidence(t *task.Task) Confidence {
	desc := strings.ToLower(strings.TrimSpace(t.Description))
	score := 50
	var reasons []string

	if questionFormRegex.MatchString(desc) && len(desc) < 120 {
		score += 30
		reasons = append(reasons, "short question form")
	}

	for _, lex := range selfLexemes {
		if strings.Contains(desc, lex) {
			score += 20
			reasons = append(reasons, "self-answerable lexeme")
			break
		}
	}

	for _, lex := range routeLexemes {
		if strings.Contains(desc, lex) {
			score -= 25
			reasons = append(reasons, "explicit work verb")
			break
		}
	}

	if len(t.ToolsNeeded) > 0 {
		score -= 20
		reasons = append(reasons, "needs external tools")
	}

	if len(t.Files) > 0 {
		score -= 15
		reasons = append(reasons, "touches files")
	}

	for _, marker := range complexMarkers {
		if strings.Contains(desc, marker) {
			score -= 25
			reasons = append(reasons, "complex-task marker")
			break
		}
	}

	// Long descriptions imply real output to produce.
	if len(desc) > 300 {
		score -= 15
		reasons = append(reasons, "large expected output")
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}

	c := Confidence{Score: score, Reason: strings.Join(reasons, ", ")}
	switch {
	case score > 95:
		c.Recommendation = RecommendSelf
	case score >= 50:
		c.Recommendation = RecommendOffer
	default:
		c.Recommendation = RecommendRoute
	}
	if c.Reason == "" {
		c.Reason = "no strong signals"
	}
	return c
}

package planner

import (
	"regexp"
	"strings"

	"github.com/meircohen/openclaw/internal/task"
)

// trivialLexemes indicate small, mechanical work. Each match subtracts from
// the complexity estimate.
var trivialLexemes = []string{
	"typo",
	"rename",
	"one-liner",
	"quick",
	"simple",
	"trivial",
	"small",
	"minor",
	"bump version",
	"fix comment",
}

// complexMarkers indicate work that needs architectural consideration.
// Each match adds to the complexity estimate.
var complexMarkers = []string{
	"refactor",
	"rewrite",
	"redesign",
	"migrate",
	"migration",
	"architecture",
	"entire codebase",
	"comprehensive",
	"end-to-end",
	"security audit",
	"distributed",
	"cross-cutting",
}

// technicalTerms are counted to detect multi-technical-term descriptions.
var technicalTerms = []string{
	"api", "database", "schema", "concurrency", "cache", "queue",
	"protocol", "encryption", "authentication", "deployment", "pipeline",
	"index", "transaction", "replication", "serialization", "websocket",
	"algorithm", "compiler", "parser", "scheduler",
}

// conjunctionRegex counts coordinating conjunctions joining sub-requests.
var conjunctionRegex = regexp.MustCompile(`\b(and|then|also|plus|additionally|as well as)\b`)

// InferComplexity estimates task complexity on a 1-10 scale using additive
// heuristics over the description. An explicit complexity on the task wins.
func InferComplexity(t *task.Task) int {
	if t.Complexity >= 1 && t.Complexity <= 10 {
		return t.Complexity
	}

	desc := strings.ToLower(t.Description)
	score := 4

	for _, lex := range trivialLexemes {
		if strings.Contains(desc, lex) {
			score--
		}
	}

	for _, marker := range complexMarkers {
		if strings.Contains(desc, marker) {
			score += 2
		}
	}

	if len(desc) > 400 {
		score += 2
	} else if len(desc) > 200 {
		score++
	}

	terms := 0
	for _, term := range technicalTerms {
		if strings.Contains(desc, term) {
			terms++
		}
	}
	if terms >= 3 {
		score += 2
	} else if terms >= 1 {
		score++
	}

	conjunctions := len(conjunctionRegex.FindAllString(desc, -1))
	if conjunctions >= 3 {
		score += 2
	} else if conjunctions >= 1 {
		score++
	}

	if len(t.Files) > 5 {
		score += 2
	} else if len(t.Files) > 2 {
		score++
	}

	if score < 1 {
		score = 1
	}
	if score > 10 {
		score = 10
	}
	return score
}

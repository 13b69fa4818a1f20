package shadow

import (
	"path/filepath"
	"regexp"
	"strings"
)

// SubScores are the component similarity scores, each in [0,1].
type SubScores struct {
	Length     float64 `json:"length"`
	Structure  float64 `json:"structure"`
	KeyTerm    float64 `json:"key_term"`
	CodeParses bool    `json:"code_parses"`
}

// SyntaxCheck verifies shadow output parses as source code. The host wires
// a real parser; the default checks delimiter balance.
type SyntaxCheck func(code string) bool

// Composite weights: key terms and structure dominate, length and
// parseability refine.
const (
	weightKeyTerm   = 0.3
	weightStructure = 0.3
	weightLength    = 0.2
	weightParses    = 0.2

	// errorPenalty multiplies the composite when the shadow output matches
	// an error signature.
	errorPenalty = 0.6
)

// headerRegex matches markdown headers.
var headerRegex = regexp.MustCompile(`(?m)^#+\s`)

// codeMarkerRegex matches lines that look like code constructs.
var codeMarkerRegex = regexp.MustCompile(`(?m)\b(function|class|const|let|import|def|module|export|func|type|var)\b`)

// errorSignatureRegex matches output that is an error dump rather than an
// answer.
var errorSignatureRegex = regexp.MustCompile(`(?i)\b(error|stack trace|traceback|cannot|can't|failed|exception)\b`)

// stopWords are excluded from key-term comparison.
var stopWords = map[string]struct{}{
	"this": {}, "that": {}, "with": {}, "from": {}, "have": {}, "will": {},
	"your": {}, "which": {}, "their": {}, "would": {}, "there": {}, "should": {},
	"about": {}, "when": {}, "then": {}, "them": {}, "these": {}, "those": {},
	"into": {}, "also": {}, "more": {}, "some": {}, "such": {}, "than": {},
	"each": {}, "other": {}, "because": {}, "been": {}, "were": {}, "they": {},
}

// codeExtensions mark output paths whose contents must parse.
var codeExtensions = map[string]struct{}{
	".js": {}, ".ts": {}, ".jsx": {}, ".tsx": {}, ".mjs": {}, ".cjs": {},
	".go": {}, ".py": {}, ".rb": {}, ".rs": {}, ".java": {},
}

// lengthSimilarity is min(|a|,|b|) / max(|a|,|b|).
func lengthSimilarity(a, b string) float64 {
	la, lb := len(a), len(b)
	if la == 0 && lb == 0 {
		return 1
	}
	if la == 0 || lb == 0 {
		return 0
	}
	if la > lb {
		la, lb = lb, la
	}
	return float64(la) / float64(lb)
}

// structureSimilarity compares header and code-marker line counts: the ratio
// of the smaller count to the larger.
func structureSimilarity(a, b string) float64 {
	count := func(s string) int {
		n := len(headerRegex.FindAllString(s, -1))
		for _, line := range strings.Split(s, "\n") {
			if codeMarkerRegex.MatchString(line) {
				n++
			}
		}
		return n
	}
	ca, cb := count(a), count(b)
	if ca == 0 && cb == 0 {
		return 1
	}
	if ca == 0 || cb == 0 {
		return 0
	}
	if ca > cb {
		ca, cb = cb, ca
	}
	return float64(ca) / float64(cb)
}

// keyTerms extracts the stop-word-filtered set of tokens with length >= 4.
func keyTerms(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,;:!?()[]{}\"'`")
		if len(tok) < 4 {
			continue
		}
		if _, stop := stopWords[tok]; stop {
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}

// keyTermOverlap is Jaccard similarity over key-term sets.
func keyTermOverlap(a, b string) float64 {
	sa, sb := keyTerms(a), keyTerms(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 1
	}
	intersection := 0
	for t := range sa {
		if _, ok := sb[t]; ok {
			intersection++
		}
	}
	union := len(sa) + len(sb) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// isCodeOutputPath reports whether the output path's extension is code.
func isCodeOutputPath(outputPath string) bool {
	_, ok := codeExtensions[strings.ToLower(filepath.Ext(outputPath))]
	return ok
}

// defaultSyntaxCheck is a delimiter-balance approximation used when no host
// parser is wired.
func defaultSyntaxCheck(code string) bool {
	depth := map[byte]int{'(': 0, '[': 0, '{': 0}
	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}
	for i := 0; i < len(code); i++ {
		switch c := code[i]; c {
		case '(', '[', '{':
			depth[c]++
		case ')', ']', '}':
			depth[pairs[c]]--
			if depth[pairs[c]] < 0 {
				return false
			}
		}
	}
	return depth['('] == 0 && depth['['] == 0 && depth['{'] == 0
}

// AutoScore computes the composite similarity of a shadow output against the
// primary output. All sub-scores land in [0,1]; an error-signature match
// multiplies the composite by the error penalty.
func AutoScore(primaryOutput, shadowOutput, outputPath string, check SyntaxCheck) (float64, SubScores) {
	if check == nil {
		check = defaultSyntaxCheck
	}

	sub := SubScores{
		Length:    lengthSimilarity(primaryOutput, shadowOutput),
		Structure: structureSimilarity(primaryOutput, shadowOutput),
		KeyTerm:   keyTermOverlap(primaryOutput, shadowOutput),
	}

	if !isCodeOutputPath(outputPath) {
		sub.CodeParses = true
	} else {
		sub.CodeParses = check(shadowOutput)
	}

	parses := 0.0
	if sub.CodeParses {
		parses = 1.0
	}

	score := weightKeyTerm*sub.KeyTerm +
		weightStructure*sub.Structure +
		weightLength*sub.Length +
		weightParses*parses

	if errorSignatureRegex.MatchString(shadowOutput) {
		score *= errorPenalty
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, sub
}

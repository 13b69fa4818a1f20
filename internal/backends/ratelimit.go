package backends

import (
	"regexp"
	"strings"
)

// Rate-limit detection is substring matching on adapter output and is
// inherently best-effort. The whole regex set lives behind this single
// predicate so it can be tested and tuned in one place. Structured error
// codes from adapters, when present, are honoured before this predicate.

// rateLimitPatterns match the throttle phrasings the backends emit.
var rateLimitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brate.?limit`),
	regexp.MustCompile(`(?i)\bhit your limit\b`),
	regexp.MustCompile(`(?i)\bthrottl`),
	regexp.MustCompile(`(?i)\bquota\b.*\b(exceeded|exhausted|reached)\b`),
	regexp.MustCompile(`(?i)\btoo many requests\b`),
	regexp.MustCompile(`(?i)\b429\b`),
	regexp.MustCompile(`(?i)\busage limit\b.*\bresets?\b`),
}

// IsRateLimitSignal reports whether backend output looks like a throttle
// signal.
func IsRateLimitSignal(output string) bool {
	if strings.TrimSpace(output) == "" {
		return false
	}
	for _, p := range rateLimitPatterns {
		if p.MatchString(output) {
			return true
		}
	}
	return false
}

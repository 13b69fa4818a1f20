package scheduler

import "strings"

// rateLimitKeywords classify failure text the adapters did not already tag.
var rateLimitKeywords = []string{"rate limit", "throttle", "quota"}

// breakerKeywords classify circuit-breaker denials surfaced as errors.
var breakerKeywords = []string{"circuit breaker"}

// IsRateLimitText reports whether failure text looks rate-limit shaped.
func IsRateLimitText(msg string) bool {
	lower := strings.ToLower(msg)
	for _, kw := range rateLimitKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// IsBreakerText reports whether failure text is a circuit-breaker denial.
func IsBreakerText(msg string) bool {
	lower := strings.ToLower(msg)
	for _, kw := range breakerKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

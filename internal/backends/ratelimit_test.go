package backends

import (
	"errors"
	"testing"

	"github.com/meircohen/openclaw/internal/task"
)

func TestIsRateLimitSignal(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   bool
	}{
		{"classic limit message", "You've hit your limit · resets 6am (UTC)", true},
		{"rate limit phrase", "Error: rate limit exceeded, retry later", true},
		{"rate-limit hyphenated", "upstream rate-limited the request", true},
		{"throttled", "request throttled by provider", true},
		{"quota exhausted", "monthly quota has been exceeded", true},
		{"too many requests", "HTTP 429 Too Many Requests", true},
		{"usage limit resets", "usage limit reached, resets at midnight", true},
		{"plain error", "segmentation fault (core dumped)", false},
		{"mentions limits innocently", "the speed limit is 50", false},
		{"empty", "", false},
		{"whitespace", "   \n ", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRateLimitSignal(tt.output); got != tt.want {
				t.Errorf("IsRateLimitSignal(%q) = %v, want %v", tt.output, got, tt.want)
			}
		})
	}
}

func TestClassifyProcessError(t *testing.T) {
	be := classifyProcessError(task.BackendClaudeCode, "You've hit your limit · resets 9pm (UTC)", errors.New("exit status 1"))
	if be.Kind != KindRateLimit {
		t.Errorf("Kind = %s, want rate-limit", be.Kind)
	}
	if !be.RateLimited || !be.ShouldFallback {
		t.Errorf("RateLimited=%v ShouldFallback=%v, want both true", be.RateLimited, be.ShouldFallback)
	}

	be = classifyProcessError(task.BackendCodex, "panic: nil pointer", errors.New("exit status 2"))
	if be.Kind != KindProcess {
		t.Errorf("Kind = %s, want process", be.Kind)
	}
	if be.RateLimited {
		t.Error("RateLimited = true for plain crash")
	}
}

func TestAsBackendError(t *testing.T) {
	be := &BackendError{Kind: KindTimeout, Backend: task.BackendLocal, Message: "killed"}

	got, ok := AsBackendError(be)
	if !ok || got.Kind != KindTimeout {
		t.Errorf("AsBackendError() = %v, %v", got, ok)
	}

	if _, ok := AsBackendError(errors.New("plain")); ok {
		t.Error("AsBackendError(plain error) = true, want false")
	}

	if !IsRateLimited(&BackendError{RateLimited: true}) {
		t.Error("IsRateLimited() = false for rate-limited error")
	}
}

package shadow

import (
	"testing"
	"time"

	"github.com/meircohen/openclaw/internal/task"
)

func TestLengthSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"abcd", "abcd", 1},
		{"ab", "abcd", 0.5},
		{"", "", 1},
		{"", "abcd", 0},
	}
	for _, tt := range tests {
		if got := lengthSimilarity(tt.a, tt.b); got != tt.want {
			t.Errorf("lengthSimilarity(%q, %q) = %.2f, want %.2f", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestAutoScore_IdenticalOutputs(t *testing.T) {
	out := "# Summary\n\nThe authentication module validates tokens before access."
	score, sub := AutoScore(out, out, "", nil)

	if score < 0.99 {
		t.Errorf("score = %.3f for identical outputs, want ~1", score)
	}
	if sub.Length != 1 || sub.KeyTerm != 1 {
		t.Errorf("sub-scores = %+v, want all 1", sub)
	}
}

func TestAutoScore_ErrorSignaturePenalty(t *testing.T) {
	primary := "The report covers authentication handling in detail"
	shadow := "Traceback (most recent call last): everything failed with exception"

	score, _ := AutoScore(primary, shadow, "", nil)
	clean, _ := AutoScore(primary, "The report covers authentication handling broadly", "", nil)

	if score >= clean {
		t.Errorf("error-signature score %.3f not below clean score %.3f", score, clean)
	}
}

func TestAutoScore_BoundedZeroOne(t *testing.T) {
	cases := [][2]string{
		{"", ""},
		{"short", "a completely different and much longer body of text with error failed exception"},
		{"# h\n# h\nfunc a() {}", "plain prose with nothing structured"},
	}
	for _, c := range cases {
		score, _ := AutoScore(c[0], c[1], "", nil)
		if score < 0 || score > 1 {
			t.Errorf("AutoScore(%q, %q) = %.3f, outside [0,1]", c[0], c[1], score)
		}
	}
}

func TestAutoScore_CodeParses(t *testing.T) {
	primary := "func main() { run() }"

	_, sub := AutoScore(primary, "func main() { run() }", "out.go", nil)
	if !sub.CodeParses {
		t.Error("CodeParses = false for balanced code")
	}

	_, sub = AutoScore(primary, "func main() { run(", "out.go", nil)
	if sub.CodeParses {
		t.Error("CodeParses = true for unbalanced code")
	}

	// Non-code output path always passes.
	_, sub = AutoScore(primary, "func main() { run(", "out.md", nil)
	if !sub.CodeParses {
		t.Error("CodeParses = false for non-code output path")
	}
}

func TestBandForTask(t *testing.T) {
	tests := []struct {
		name string
		task *task.Task
		want Band
	}{
		{"explicit easy", &task.Task{Complexity: 2, Description: "x"}, BandEasy},
		{"explicit medium", &task.Task{Complexity: 5, Description: "x"}, BandMedium},
		{"explicit hard", &task.Task{Complexity: 9, Description: "x"}, BandHard},
		{"short desc fallback", &task.Task{Description: "short"}, BandEasy},
		{"long desc fallback", &task.Task{Description: string(make([]byte, 600))}, BandHard},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BandForTask(tt.task); got != tt.want {
				t.Errorf("BandForTask() = %s, want %s", got, tt.want)
			}
		})
	}
}

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStoreInMemory()
	if err != nil {
		t.Fatalf("NewStoreInMemory() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleResult(id, model string, auto float64, band Band) *Result {
	return &Result{
		ID:            id,
		PrimaryTaskID: "t-" + id,
		TaskType:      task.TypeCode,
		Description:   "sample",
		Timestamp:     time.Now(),
		Primary: Execution{
			Backend: task.BackendClaudeCode, Model: "claude", Success: true,
		},
		Shadow: Execution{
			Backend: task.BackendLocal, Model: model, Success: true,
		},
		AutoScore: auto,
		Band:      band,
	}
}

func TestTrustUpdateWeightsUserScores(t *testing.T) {
	s := testStore(t)

	// Auto scores low, one strong user score with triple weight.
	for i := 0; i < 3; i++ {
		r := sampleResult(string(rune('a'+i)), "qwen", 0.4, BandMedium)
		if err := s.SaveResult(r); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.RecordUserFeedback("a", 1.0, "great"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.UpdateTrust("qwen", task.TypeCode, BandMedium); err != nil {
		t.Fatal(err)
	}

	ts, err := s.GetTrustScore("qwen", task.TypeCode)
	if err != nil {
		t.Fatal(err)
	}
	if ts == nil {
		t.Fatal("no trust score stored")
	}

	// Weighted mean: (0.4 + 0.4 + 0.4 + 3*1.0) / (1 + 1 + 1 + 3) = 0.7.
	if ts.Score < 0.69 || ts.Score > 0.71 {
		t.Errorf("Score = %.3f, want ~0.7", ts.Score)
	}
	if ts.Samples != 3 {
		t.Errorf("Samples = %d, want 3", ts.Samples)
	}
}

func TestTrustScoreStaysInRange(t *testing.T) {
	s := testStore(t)

	r := sampleResult("r1", "qwen", 1.0, BandEasy)
	if err := s.SaveResult(r); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordUserFeedback("r1", 1.0, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateTrust("qwen", task.TypeCode, BandEasy); err != nil {
		t.Fatal(err)
	}

	ts, err := s.GetTrustScore("qwen", task.TypeCode)
	if err != nil {
		t.Fatal(err)
	}
	if ts.Score < 0 || ts.Score > 1 {
		t.Errorf("Score = %.3f, outside [0,1]", ts.Score)
	}

	// Re-entering feedback at the extremes never escapes the range.
	if err := s.RecordUserFeedback("r1", 0.0, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateTrust("qwen", task.TypeCode, BandEasy); err != nil {
		t.Fatal(err)
	}
	ts, _ = s.GetTrustScore("qwen", task.TypeCode)
	if ts.Score < 0 || ts.Score > 1 {
		t.Errorf("Score after re-entry = %.3f, outside [0,1]", ts.Score)
	}
}

func TestPromotionAfterTrustedThreshold(t *testing.T) {
	s := testStore(t)

	// Twenty strong samples cross the trusted threshold.
	for i := 0; i < trustedMinSamples; i++ {
		r := sampleResult(string(rune('A'+i)), "qwen", 0.95, BandMedium)
		if err := s.SaveResult(r); err != nil {
			t.Fatal(err)
		}
	}

	promo, err := s.UpdateTrust("qwen", task.TypeCode, BandMedium)
	if err != nil {
		t.Fatal(err)
	}
	if promo == nil {
		t.Fatal("no promotion after crossing trusted threshold")
	}
	if promo.Status != "trusted" {
		t.Errorf("Status = %s, want trusted", promo.Status)
	}

	trusted, samples := s.IsTrusted("qwen", task.TypeCode)
	if !trusted {
		t.Error("IsTrusted() = false after promotion")
	}
	if samples != trustedMinSamples {
		t.Errorf("samples = %d, want %d", samples, trustedMinSamples)
	}
}

func TestPruneResults(t *testing.T) {
	s := testStore(t)

	old := sampleResult("old", "qwen", 0.5, BandEasy)
	old.Timestamp = time.Now().Add(-60 * 24 * time.Hour)
	if err := s.SaveResult(old); err != nil {
		t.Fatal(err)
	}
	fresh := sampleResult("fresh", "qwen", 0.5, BandEasy)
	if err := s.SaveResult(fresh); err != nil {
		t.Fatal(err)
	}

	if err := s.PruneResults(30 * 24 * time.Hour); err != nil {
		t.Fatal(err)
	}

	n, err := s.CountResults()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("CountResults() = %d after prune, want 1", n)
	}
}
